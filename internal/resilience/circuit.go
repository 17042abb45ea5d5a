// Package resilience guards calls to remote origins with retry/backoff,
// transient-error classification and per-host circuit breakers.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is the state of a Breaker.
type State int

const (
	// Closed lets calls through.
	Closed State = iota
	// Open rejects calls until the cool-down has passed.
	Open
	// HalfOpen lets a probe through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned for calls rejected by an open breaker.
var ErrOpen = eris.New("resilience: circuit open")

// BreakerConfig controls a Breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker. Default: 5.
	Threshold int
	// CoolDown is how long the breaker stays open. Default: 30s.
	CoolDown time.Duration
	// Counts selects the failures that count towards Threshold. Default: IsTransient.
	Counts func(err error) bool
}

// Breaker is a consecutive-failure circuit breaker for one origin host.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Counts == nil {
		cfg.Counts = IsTransient
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// State returns the current state, reporting HalfOpen once the cool-down passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.CoolDown {
		return eris.Wrapf(ErrOpen, "resilience: %s", b.name)
	}
	b.set(HalfOpen)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil || !b.cfg.Counts(err) {
		b.failures = 0
		if b.state != Closed {
			b.set(Closed)
		}
		return
	}
	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.openedAt = b.now()
		b.set(Open)
	}
}

func (b *Breaker) set(s State) {
	if b.state == s {
		return
	}
	zap.L().Warn("circuit state change",
		zap.String("component", "resilience"),
		zap.String("host", b.name),
		zap.Stringer("from", b.state),
		zap.Stringer("to", s),
	)
	b.state = s
}

// HostBreakers holds one Breaker per origin host.
type HostBreakers struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewHostBreakers creates an empty registry.
func NewHostBreakers(cfg BreakerConfig) *HostBreakers {
	return &HostBreakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for host, creating it on first use.
func (h *HostBreakers) For(host string) *Breaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.breakers[host]
	if !ok {
		b = NewBreaker(host, h.cfg)
		h.breakers[host] = b
	}
	return b
}

// States returns a snapshot of every breaker's state.
func (h *HostBreakers) States() map[string]State {
	h.mu.Lock()
	hosts := make(map[string]*Breaker, len(h.breakers))
	for k, v := range h.breakers {
		hosts[k] = v
	}
	h.mu.Unlock()

	out := make(map[string]State, len(hosts))
	for k, b := range hosts {
		out[k] = b.State()
	}
	return out
}
