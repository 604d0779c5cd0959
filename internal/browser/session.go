package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultProcessTimeout    = 30 * time.Second
	DefaultNavigationTimeout = 30 * time.Second
	// LongProcessTimeout covers suppliers that can stop for an interactive
	// verification code.
	LongProcessTimeout = 7 * time.Minute
)

var ErrSessionClosed = errors.New("browser session closed")

// Config controls one browser process.
type Config struct {
	Headless          bool
	ExecutablePath    string
	UserDataDir       string
	UserAgent         string
	WindowWidth       int
	WindowHeight      int
	ProcessTimeout    time.Duration
	IdleTimeout       time.Duration
	NavigationTimeout time.Duration
	Stealth           StealthProfile
	Debug             bool
}

func (c Config) processTimeout() time.Duration {
	if c.ProcessTimeout > 0 {
		return c.ProcessTimeout
	}
	return DefaultProcessTimeout
}

// Launcher starts one browser process per call.
type Launcher interface {
	Launch(ctx context.Context, cfg Config) (*Session, error)
}

// Session owns one browser process and its page. Close is idempotent and
// safe from any goroutine.
type Session struct {
	page    Page
	closeFn func() error

	mu       sync.Mutex
	lastUsed time.Time
	closed   chan struct{}
	once     sync.Once
	closeErr error
}

// NewSession wraps a page and the function that tears its process down.
func NewSession(page Page, closeFn func() error) *Session {
	return &Session{
		page:     page,
		closeFn:  closeFn,
		lastUsed: time.Now(),
		closed:   make(chan struct{}),
	}
}

// Page returns the live page and marks the session as in use.
func (s *Session) Page() Page {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
	return s.page
}

func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Done is closed once the process has been torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) Close() error {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
		close(s.closed)
	})
	return s.closeErr
}

func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastUsed)
}

// killOnDone tears the process down when ctx ends first.
func (s *Session) killOnDone(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			log.Debug().Err(ctx.Err()).Msg("Browser session context ended, closing process")
			_ = s.Close()
		case <-s.closed:
		}
	}()
}

// watchIdle closes the session once it has not been used for idle.
func (s *Session) watchIdle(idle time.Duration) {
	if idle <= 0 {
		return
	}
	interval := idle / 4
	if interval > 2*time.Second {
		interval = 2 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.closed:
				return
			case now := <-ticker.C:
				if s.idleFor(now) > idle {
					log.Warn().Dur("idle", idle).Msg("Keep-alive browser session abandoned, closing process")
					_ = s.Close()
					return
				}
			}
		}
	}()
}

// WithSession launches one browser, runs fn against it and tears the
// process down on every exit path: success, error, panic or timeout.
func WithSession[T any](ctx context.Context, l Launcher, cfg Config, fn func(ctx context.Context, s *Session) (T, error)) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, cfg.processTimeout())
	defer cancel()

	s, err := l.Launch(ctx, cfg)
	if err != nil {
		return zero, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			log.Debug().Err(cerr).Msg("Browser teardown reported an error")
		}
	}()
	s.killOnDone(ctx)

	result, err := fn(ctx, s)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return result, err
}

// Open launches a browser that outlives ctx, for flows that must keep
// supplier-side order context across several steps. The caller must Close
// it; an idle watchdog closes it anyway after cfg.IdleTimeout without use.
func Open(ctx context.Context, l Launcher, cfg Config) (*Session, error) {
	s, err := l.Launch(context.WithoutCancel(ctx), cfg)
	if err != nil {
		return nil, err
	}
	s.watchIdle(cfg.IdleTimeout)
	return s, nil
}
