// Package metrics exports worker, queue and busy-flag activity to
// Prometheus.
package metrics

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/internal/busy"
	"conductor/internal/eventbus"
	logx "conductor/pkg/logx"
)

const namespace = "conductor"

// PendingCounter is the part of the queue store the pending gauge reads.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

type Metrics struct {
	reg *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	claims        prometheus.Counter
	skips         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	reloads       prometheus.Counter
}

// New registers all collectors on a fresh registry. store may be nil, in
// which case the pending gauge is not exported.
func New(state *busy.State, store PendingCounter) (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "runs_total",
			Help:      "Finished worker runs by entry point and result.",
		}, []string{"source", "result", "category"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "run_duration_seconds",
			Help:      "Wall time of worker runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"source"}),
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claims_total",
			Help:      "Queue records claimed by the poller.",
		}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "periodic",
			Name:      "skips_total",
			Help:      "Self-check ticks skipped, by reason.",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "deliveries_total",
			Help:      "Chat notifications by outcome.",
		}, []string{"result"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Applied configuration reloads.",
		}),
	}
	collectors := []prometheus.Collector{m.runs, m.runDuration, m.claims, m.skips, m.notifications, m.reloads}

	if state != nil {
		for _, owner := range []busy.Owner{busy.Queue, busy.Periodic, busy.Interactive} {
			collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "busy",
				Help:        "1 while the entry point holds the worker.",
				ConstLabels: prometheus.Labels{"owner": owner.String()},
			}, func() float64 {
				if state.Held(owner) {
					return 1
				}
				return 0
			}))
		}
	}
	if store != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Pending records in the queue store; NaN when the store is unreachable.",
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := store.CountPending(ctx)
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		}))
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe updates counters for one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case eventbus.WorkerFinished:
		r, ok := e.Data.(eventbus.Run)
		if !ok {
			return
		}
		result := "success"
		if !r.Success {
			result = "failure"
		}
		m.runs.WithLabelValues(r.Source, result, r.Category).Inc()
		m.runDuration.WithLabelValues(r.Source).Observe(r.Duration.Seconds())
	case eventbus.QueueClaimed:
		m.claims.Inc()
	case eventbus.PeriodicSkipped:
		reason, _ := e.Data.(string)
		m.skips.WithLabelValues(reason).Inc()
	case eventbus.ConfigReloaded:
		m.reloads.Inc()
	default:
		if result, ok := strings.CutPrefix(e.Type, "notifier."); ok {
			m.notifications.WithLabelValues(result).Inc()
		}
	}
}

// Collect feeds bus events into the counters until ctx ends.
func (m *Metrics) Collect(ctx context.Context, b eventbus.Bus) {
	ch, unsub := b.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// ServeConfig controls the HTTP endpoint. Pprof mounts the runtime
// profiles under /debug/pprof/ on the same listener; keep Addr on
// localhost when it is set.
type ServeConfig struct {
	Addr  string
	Path  string
	Pprof bool
}

func (m *Metrics) mux(cfg ServeConfig) *http.ServeMux {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

// Serve exposes the registry on cfg.Addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, cfg ServeConfig, log logx.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           m.mux(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listening", logx.String("addr", cfg.Addr), logx.Bool("pprof", cfg.Pprof))

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
