package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
	hook  func(n int)
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	n := len(s.waits)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (s *sleepRecorder) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.waits {
		if w == d {
			n++
		}
	}
	return n
}

func items(n int) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{RecipientID: int64(i + 1), ChatID: int64(100 + i), Text: "hi"}
	}
	return out
}

func countStatus(out []Outcome, s Status) int {
	n := 0
	for _, o := range out {
		if o.Status == s {
			n++
		}
	}
	return n
}

func TestBatchingDelaysAndConcurrency(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n, batch   int
		wantDelays int
	}{
		{n: 0, batch: 3, wantDelays: 0},
		{n: 1, batch: 3, wantDelays: 0},
		{n: 3, batch: 3, wantDelays: 0},
		{n: 7, batch: 3, wantDelays: 2},
		{n: 65, batch: 30, wantDelays: 2},
	}
	for _, tt := range tests {
		var inFlight, maxInFlight atomic.Int64
		sender := transport.SenderFunc(func(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
			cur := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
		})
		rec := &sleepRecorder{}
		delay := 250 * time.Millisecond
		d := New(Config{BatchSize: tt.batch, BatchDelay: delay}, sender, logx.Nop(), WithSleep(rec.sleep))

		out := d.Send(context.Background(), items(tt.n))
		if got := countStatus(out, StatusSent); got != tt.n {
			t.Fatalf("n=%d: sent = %d", tt.n, got)
		}
		if got := rec.count(delay); got != tt.wantDelays {
			t.Fatalf("n=%d batch=%d: delays = %d, want %d", tt.n, tt.batch, got, tt.wantDelays)
		}
		if got := maxInFlight.Load(); got > int64(tt.batch) {
			t.Fatalf("n=%d: max in flight %d exceeds batch %d", tt.n, got, tt.batch)
		}
		for i, o := range out {
			if o.Item.ChatID != int64(100+i) {
				t.Fatalf("outcome order broken at %d: %+v", i, o.Item)
			}
		}
	}
}

func TestRetryTransient(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	sender := transport.SenderFunc(func(context.Context, transport.ChatTarget, string, *transport.SendOptions) (transport.MessageRef, error) {
		calls.Add(1)
		return transport.MessageRef{}, transport.NewTransient(errors.New("503"))
	})
	rec := &sleepRecorder{}
	backoff := 1500 * time.Millisecond
	d := New(Config{BatchSize: 5, MaxRetries: 2, RetryBackoff: backoff}, sender, logx.Nop(), WithSleep(rec.sleep))

	out := d.Send(context.Background(), items(1))
	if out[0].Status != StatusFailed || out[0].Attempts != 3 {
		t.Fatalf("outcome = %+v, want failed after 3 attempts", out[0])
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if rec.count(backoff) != 2 {
		t.Fatalf("backoff waits = %d, want 2", rec.count(backoff))
	}
	if !transport.IsTransient(out[0].Err) {
		t.Fatalf("err = %v, want transient", out[0].Err)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	sender := transport.SenderFunc(func(context.Context, transport.ChatTarget, string, *transport.SendOptions) (transport.MessageRef, error) {
		if calls.Add(1) == 1 {
			return transport.MessageRef{}, &transport.SendError{Kind: transport.Transient, Code: 429, RetryAfter: 3 * time.Second, Err: errors.New("flood")}
		}
		return transport.MessageRef{MessageID: 9}, nil
	})
	rec := &sleepRecorder{}
	d := New(Config{BatchSize: 1, MaxRetries: 1, RetryBackoff: time.Second}, sender, logx.Nop(), WithSleep(rec.sleep))

	out := d.Send(context.Background(), items(1))
	if out[0].Status != StatusSent || out[0].Attempts != 2 || out[0].Ref.MessageID != 9 {
		t.Fatalf("outcome = %+v", out[0])
	}
	if rec.count(3*time.Second) != 1 {
		t.Fatalf("provider retry-after should extend the backoff, waits = %v", rec.waits)
	}
}

func TestFatalAndUnclassifiedFailImmediately(t *testing.T) {
	t.Parallel()
	for _, err := range []error{
		transport.NewFatal(errors.New("bot was blocked by the user")),
		errors.New("something odd"),
	} {
		var calls atomic.Int64
		sender := transport.SenderFunc(func(context.Context, transport.ChatTarget, string, *transport.SendOptions) (transport.MessageRef, error) {
			calls.Add(1)
			return transport.MessageRef{}, err
		})
		d := New(Config{BatchSize: 2, MaxRetries: 3}, sender, logx.Nop(), WithSleep((&sleepRecorder{}).sleep))
		out := d.Send(context.Background(), items(1))
		if out[0].Status != StatusFailed || out[0].Attempts != 1 || calls.Load() != 1 {
			t.Fatalf("err %v: outcome = %+v calls = %d", err, out[0], calls.Load())
		}
	}
}

func TestSendTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	sender := transport.SenderFunc(func(ctx context.Context, _ transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
		<-ctx.Done()
		return transport.MessageRef{}, ctx.Err()
	})
	d := New(Config{BatchSize: 1, MaxRetries: 1, SendTimeout: 5 * time.Millisecond}, sender, logx.Nop(), WithSleep((&sleepRecorder{}).sleep))
	out := d.Send(context.Background(), items(1))
	if out[0].Status != StatusFailed || out[0].Attempts != 2 {
		t.Fatalf("outcome = %+v, want 2 attempts", out[0])
	}
	if !errors.Is(out[0].Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", out[0].Err)
	}
}

func TestPanicIsolatedToItem(t *testing.T) {
	t.Parallel()
	sender := transport.SenderFunc(func(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
		if to.ChatID == 101 {
			panic("kaboom")
		}
		return transport.MessageRef{ChatID: to.ChatID}, nil
	})
	d := New(Config{BatchSize: 3, MaxRetries: 2}, sender, logx.Nop(), WithSleep((&sleepRecorder{}).sleep))
	out := d.Send(context.Background(), items(3))
	if out[1].Status != StatusFailed || transport.KindOf(out[1].Err) != transport.Fatal {
		t.Fatalf("panicking item = %+v", out[1])
	}
	if out[0].Status != StatusSent || out[2].Status != StatusSent {
		t.Fatalf("other items should be sent: %+v", out)
	}
}

func TestCancelBetweenBatchesAbandonsRest(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	sender := transport.SenderFunc(func(context.Context, transport.ChatTarget, string, *transport.SendOptions) (transport.MessageRef, error) {
		calls.Add(1)
		return transport.MessageRef{}, nil
	})
	rec := &sleepRecorder{hook: func(int) { cancel() }}
	d := New(Config{BatchSize: 2, BatchDelay: time.Second}, sender, logx.Nop(), WithSleep(rec.sleep))

	out := d.Send(ctx, items(5))
	if got := countStatus(out, StatusSent); got != 2 {
		t.Fatalf("sent = %d, want 2", got)
	}
	if got := countStatus(out, StatusAbandoned); got != 3 {
		t.Fatalf("abandoned = %d, want 3", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestNilSender(t *testing.T) {
	t.Parallel()
	d := New(Config{}, nil, logx.Nop())
	out := d.Send(context.Background(), items(1))
	if out[0].Status != StatusFailed || !errors.Is(out[0].Err, transport.ErrNoSender) {
		t.Fatalf("outcome = %+v", out[0])
	}
}

func TestApplyNormalizes(t *testing.T) {
	t.Parallel()
	d := New(Config{}, nil, logx.Nop())
	cfg := d.Config()
	if cfg.BatchSize != DefaultBatchSize || cfg.RetryBackoff != DefaultRetryBackoff || cfg.SendTimeout != DefaultSendTimeout {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	d.Apply(Config{BatchSize: 5, RatePerSec: 10, MaxRetries: -1})
	cfg = d.Config()
	if cfg.BatchSize != 5 || cfg.MaxRetries != 0 || cfg.RatePerSec != 10 {
		t.Fatalf("Apply = %+v", cfg)
	}
	if _, lim := d.current(); lim == nil {
		t.Fatal("rate limiter should be installed")
	}
}
