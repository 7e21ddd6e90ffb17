package interactive

import (
	"context"
	"strconv"
	"sync"
	"time"

	rtsup "conductor/internal/runtime/supervisor"
	"conductor/internal/transport"
	logx "conductor/pkg/logx"
)

const (
	dispatchWorkers = 4
	dispatchQueue   = 64
	drainTimeout    = 15 * time.Second
)

// DispatchLoop feeds updates to a small worker pool so /status and busy
// replies are answered while an instruction is running. It returns when
// ctx ends or updates is closed.
func (h *Handler) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(h.log.With(logx.String("comp", "interactive.dispatch"))))
	jobs := make(chan transport.Update, dispatchQueue)

	h.log.Info("chat dispatcher started", logx.Int("workers", dispatchWorkers), logx.Int("job_queue_cap", cap(jobs)))

	for i := 0; i < dispatchWorkers; i++ {
		idx := i
		sup.GoRestart("chat.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case up, ok := <-jobs:
					if !ok {
						return nil
					}
					// Runs use the dispatcher's parent context: only app
					// shutdown stops a worker subprocess.
					h.Handle(ctx, up)
				}
			}
		})
	}

	var closeOnce sync.Once
	closeJobs := func() { closeOnce.Do(func() { close(jobs) }) }
	// Closing jobs lets the workers drain what was accepted before they exit.
	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := sup.Wait(wctx); err != nil {
			h.log.Warn("chat workers still running at shutdown", logx.Err(err))
		}
		sup.Cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case jobs <- up:
			default:
				h.log.Warn("chat job queue full; dropping update")
			}
		}
	}
}
