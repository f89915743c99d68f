// Package circuitbreaker stops delivery attempts against a provider that
// keeps failing and probes it again after a cool-down.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
)

// State is the breaker state.
//
//	closed    -> open       after MaxFailures consecutive failures
//	open      -> half-open  once RecoveryTimeout has passed since the last failure
//	half-open -> closed     when a probe succeeds
//	half-open -> open       when a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a Breaker.
type Config struct {
	Name            string // provider name, used in logs and metrics
	MaxFailures     int
	RecoveryTimeout time.Duration
	ProbeLimit      int // calls let through while half-open
}

// DefaultConfig returns the breaker settings used when none are configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
		ProbeLimit:      1,
	}
}

// Breaker guards one delivery provider.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	failures    int
	probes      int
	lastFailure time.Time
	changedAt   time.Time

	rejected int64
}

// New creates a closed breaker.
func New(cfg Config, logger *zap.Logger) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.ProbeLimit <= 0 {
		cfg.ProbeLimit = def.ProbeLimit
	}

	b := &Breaker{
		cfg:    cfg,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		now:    time.Now,
		state:  StateClosed,
	}
	b.changedAt = b.now()
	metrics.SetBreakerState(cfg.Name, int(StateClosed))
	return b
}

// Name returns the provider name the breaker guards.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Allow reports whether a call may proceed. An open breaker whose cool-down
// has passed moves to half-open and admits up to ProbeLimit calls.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			b.rejected++
			return false
		}
		b.setState(StateHalfOpen)
		b.probes = 1
		b.logger.Info("circuit breaker probing provider")
		return true
	case StateHalfOpen:
		if b.probes < b.cfg.ProbeLimit {
			b.probes++
			return true
		}
		b.rejected++
		return false
	}
	return false
}

// RecordSuccess resets the failure streak and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.setState(StateClosed)
		b.logger.Info("circuit breaker closed, provider recovered")
	}
}

// RecordFailure extends the failure streak and opens the breaker when the
// streak reaches MaxFailures or a probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.setState(StateOpen)
			b.logger.Warn("circuit breaker opened",
				zap.Int("failures", b.failures),
				zap.Int("threshold", b.cfg.MaxFailures),
			)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.logger.Warn("circuit breaker reopened, probe failed")
	}
}

// Release returns an unused half-open probe slot.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a snapshot of a breaker for the health endpoint.
type Stats struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Failures    int    `json:"failures"`
	Rejected    int64  `json:"rejected"`
	LastFailure string `json:"lastFailure,omitempty"`
	ChangedAt   string `json:"changedAt"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:      b.cfg.Name,
		State:     b.state.String(),
		Failures:  b.failures,
		Rejected:  b.rejected,
		ChangedAt: b.changedAt.Format(time.RFC3339),
	}
	if !b.lastFailure.IsZero() {
		s.LastFailure = b.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed)
	b.failures = 0
	b.logger.Info("circuit breaker reset")
}

func (b *Breaker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("breaker[%s] %s %d/%d", b.cfg.Name, b.state, b.failures, b.cfg.MaxFailures)
}

// setState must be called with mu held.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.logger.Debug("circuit breaker state change",
		zap.Stringer("from", b.state),
		zap.Stringer("to", s),
	)
	b.state = s
	b.probes = 0
	b.changedAt = b.now()
	metrics.SetBreakerState(b.cfg.Name, int(s))
}
