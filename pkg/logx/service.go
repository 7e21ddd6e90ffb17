package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"conductor/internal/transport"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatConfig controls the operator-chat sink.
type ChatConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the live zerolog root and its sinks. Apply may be called
// concurrently with logging.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	root atomic.Value // zerolog.Logger
	file *os.File

	sender transport.Sender
	chat   *chatSink
}

// New applies cfg immediately and returns the service plus a live root logger.
// sender may be nil when no chat sink is wanted.
func New(cfg Config, sender transport.Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{sender: sender}
	s.root.Store(zerolog.New(consoleWriter(os.Stdout)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps outputs and level.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./conductor.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Chat.Enabled && s.sender != nil {
		if s.chat == nil {
			s.chat = newChatSink(s.sender)
		}
		s.chat.configure(cfg.Chat)
		if cfg.Chat.ChatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: chat logging enabled but no chat id configured")
		}
		writers = append(writers, s.chat)
	} else if s.chat != nil {
		s.chat.configure(ChatConfig{})
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	chat := s.chat
	s.chat = nil
	s.mu.Unlock()

	if chat != nil {
		chat.close()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// chatSink forwards log lines at or above a level to an operator chat.
// Delivery happens on its own goroutine; a full queue drops the line.
type chatSink struct {
	sender transport.Sender
	queue  chan string

	mu       sync.Mutex
	target   transport.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

func newChatSink(sender transport.Sender) *chatSink {
	ctx, cancel := context.WithCancel(context.Background())
	c := &chatSink{
		sender: sender,
		queue:  make(chan string, 128),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.loop(ctx)
	return c
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	c.mu.Lock()
	c.target = transport.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	c.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
}

func (c *chatSink) loop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.queue:
			c.mu.Lock()
			to := c.target
			c.mu.Unlock()
			if to.ChatID == 0 {
				continue
			}
			_, _ = c.sender.SendText(ctx, to, msg, &transport.SendOptions{DisablePreview: true})
		}
	}
}

func (c *chatSink) close() {
	c.cancel()
	<-c.done
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	minLvl, lim, chatID := c.minLevel, c.limiter, c.target.ChatID
	c.mu.Unlock()

	if chatID == 0 || lim == nil || level < minLvl || !lim.Allow() {
		return len(p), nil
	}
	if msg := FormatChatLine(p); msg != "" {
		select {
		case c.queue <- msg:
		default:
		}
	}
	return len(p), nil
}
