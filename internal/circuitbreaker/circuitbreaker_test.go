package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, recovery time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(Config{Name: "test", MaxFailures: maxFailures, RecoveryTimeout: recovery}, zap.NewNop())
	b.now = clock.now
	return b, clock
}

func trip(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Allow()
		b.RecordFailure()
	}
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	for i := 0; i < 10; i++ {
		if !b.Allow() {
			t.Fatalf("call %d should be allowed", i)
		}
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	trip(b, 2)
	if b.State() != StateClosed {
		t.Fatalf("expected closed below threshold, got %s", b.State())
	}
	trip(b, 1)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject")
	}
	if b.Stats().Rejected != 1 {
		t.Errorf("rejected = %d, want 1", b.Stats().Rejected)
	}
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	trip(b, 2)
	b.RecordSuccess()
	trip(b, 2)
	if b.State() != StateClosed {
		t.Fatalf("streak should restart after a success, got %s", b.State())
	}
}

func TestBreaker_ProbeAfterRecoveryTimeout(t *testing.T) {
	tests := []struct {
		name  string
		probe func(b *Breaker)
		want  State
	}{
		{"successful probe closes", (*Breaker).RecordSuccess, StateClosed},
		{"failed probe reopens", (*Breaker).RecordFailure, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newTestBreaker(2, 30*time.Second)
			trip(b, 2)

			clock.advance(29 * time.Second)
			if b.Allow() {
				t.Fatal("should reject before the recovery timeout")
			}

			clock.advance(2 * time.Second)
			if !b.Allow() {
				t.Fatal("should admit a probe after the recovery timeout")
			}
			if b.State() != StateHalfOpen {
				t.Fatalf("expected half-open, got %s", b.State())
			}
			if b.Allow() {
				t.Fatal("only one probe should be admitted")
			}

			tt.probe(b)
			if b.State() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, b.State())
			}
		})
	}
}

func TestBreaker_ReleaseFreesProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)
	trip(b, 1)
	clock.advance(2 * time.Second)

	if !b.Allow() {
		t.Fatal("expected probe")
	}
	b.Release()
	if !b.Allow() {
		t.Fatal("released probe slot should be reusable")
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)
	trip(b, 1)
	b.Reset()

	if b.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatal("reset breaker should allow")
	}
}

func TestBreaker_Stats(t *testing.T) {
	b, _ := newTestBreaker(5, time.Second)
	trip(b, 2)

	s := b.Stats()
	if s.Name != "test" || s.State != "closed" || s.Failures != 2 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if s.LastFailure == "" {
		t.Error("last failure should be set")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", s, s.String(), want)
		}
	}
}

type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) Send(ctx context.Context, n *domain.Notification) error {
	s.calls++
	return s.err
}

func (s *stubSender) SupportsChannel(ch domain.Channel) bool {
	return ch == domain.ChannelEmail
}

func testNotification() *domain.Notification {
	return &domain.Notification{ID: "n1", UserID: "a@example.com", Type: domain.ChannelEmail, Message: "hi"}
}

func TestProtectedSender_PassesThrough(t *testing.T) {
	stub := &stubSender{}
	b, _ := newTestBreaker(2, time.Minute)
	ps := NewProtectedSender(stub, b, zap.NewNop())

	if err := ps.Send(context.Background(), testNotification()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("calls = %d", stub.calls)
	}
	if !ps.SupportsChannel(domain.ChannelEmail) || ps.SupportsChannel(domain.ChannelSMS) {
		t.Error("SupportsChannel should delegate")
	}
}

func TestProtectedSender_FailsFastWhenOpen(t *testing.T) {
	stub := &stubSender{err: errors.New("provider down")}
	b, clock := newTestBreaker(2, time.Minute)
	ps := NewProtectedSender(stub, b, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = ps.Send(ctx, testNotification())
	}
	if ps.Breaker().State() != StateOpen {
		t.Fatalf("expected open, got %s", ps.Breaker().State())
	}

	err := ps.Send(ctx, testNotification())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("provider called while open: %d calls", stub.calls)
	}

	stub.err = nil
	clock.advance(2 * time.Minute)
	if err := ps.Send(ctx, testNotification()); err != nil {
		t.Fatalf("probe should succeed: %v", err)
	}
	if ps.Breaker().State() != StateClosed {
		t.Fatalf("expected closed after probe, got %s", ps.Breaker().State())
	}
}

func TestProtectedSender_CancellationNotCounted(t *testing.T) {
	stub := &stubSender{err: context.Canceled}
	b, _ := newTestBreaker(1, time.Minute)
	ps := NewProtectedSender(stub, b, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = ps.Send(ctx, testNotification())

	if b.State() != StateClosed {
		t.Fatalf("cancelled call should not open the breaker, got %s", b.State())
	}
}
