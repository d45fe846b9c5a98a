package mirror

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCircuitOpen is returned while a guarded backend is cooling down after
// repeated failures.
var ErrCircuitOpen = errors.New("mirror circuit is open")

const (
	DefaultBreakerMaxFailures = 3
	DefaultBreakerCooldown    = 10 * time.Minute
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before one probe is let through.
	Cooldown time.Duration
	Now      func() time.Time
}

// Guarded wraps a remote backend so an unreachable remote is skipped for a
// cooldown instead of stalling every backup. Close and Type pass through.
type Guarded struct {
	Backend
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
	logger      zerolog.Logger

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewGuarded wraps backend with a circuit breaker.
func NewGuarded(backend Backend, cfg *BreakerConfig, logger zerolog.Logger) *Guarded {
	g := &Guarded{
		Backend:     backend,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         cfg.Now,
		logger:      logger.With().Str("component", "mirror-breaker").Str("backend", backend.Type()).Logger(),
	}
	if g.maxFailures <= 0 {
		g.maxFailures = DefaultBreakerMaxFailures
	}
	if g.cooldown <= 0 {
		g.cooldown = DefaultBreakerCooldown
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

func (g *Guarded) Upload(ctx context.Context, name string, r io.Reader, size int64) error {
	return g.execute(func() error { return g.Backend.Upload(ctx, name, r, size) })
}

func (g *Guarded) Download(ctx context.Context, name string, w io.Writer) error {
	return g.execute(func() error { return g.Backend.Download(ctx, name, w) })
}

func (g *Guarded) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := g.execute(func() error {
		var err error
		names, err = g.Backend.List(ctx, prefix)
		return err
	})
	return names, err
}

func (g *Guarded) Delete(ctx context.Context, name string) error {
	return g.execute(func() error { return g.Backend.Delete(ctx, name) })
}

// State returns "closed", "open" or "half-open".
func (g *Guarded) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.String()
}

func (g *Guarded) execute(fn func() error) error {
	if !g.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	g.record(err)
	return err
}

func (g *Guarded) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case stateOpen:
		if g.now().Sub(g.openedAt) < g.cooldown {
			return false
		}
		g.setState(stateHalfOpen)
		g.probing = true
		return true
	case stateHalfOpen:
		// One probe at a time.
		if g.probing {
			return false
		}
		g.probing = true
		return true
	default:
		return true
	}
}

func (g *Guarded) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.probing = false
	// A cancelled caller says nothing about the remote.
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return
	}

	if err == nil {
		g.failures = 0
		if g.state != stateClosed {
			g.setState(stateClosed)
		}
		return
	}

	g.failures++
	if g.state == stateHalfOpen || g.failures >= g.maxFailures {
		g.openedAt = g.now()
		g.setState(stateOpen)
	}
}

func (g *Guarded) setState(s breakerState) {
	if g.state == s {
		return
	}
	g.logger.Info().
		Str("from", g.state.String()).
		Str("to", s.String()).
		Int("failures", g.failures).
		Msg("Mirror circuit state changed")
	g.state = s
	if s != stateOpen {
		g.failures = 0
	}
}
