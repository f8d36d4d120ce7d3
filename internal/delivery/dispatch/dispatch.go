// Package dispatch sends prepared messages in sequential, bounded batches
// with per-item retry of transient provider failures.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

const (
	DefaultBatchSize    = 30
	DefaultBatchDelay   = 200 * time.Millisecond
	DefaultRetryBackoff = time.Second
	DefaultSendTimeout  = 10 * time.Second
)

type Config struct {
	BatchSize    int
	BatchDelay   time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	SendTimeout  time.Duration
	// RatePerSec caps provider calls across all batches; 0 disables it.
	RatePerSec int
	ParseMode  string
}

func (c Config) normalize() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	return c
}

// Item is one message to one chat.
type Item struct {
	RecipientID int64
	ChatID      int64
	Text        string
}

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
	// StatusAbandoned marks items never attempted because the run was
	// cancelled between batches.
	StatusAbandoned Status = "abandoned"
)

type Outcome struct {
	Item     Item
	Status   Status
	Attempts int
	Ref      transport.MessageRef
	Err      error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Dispatcher struct {
	sender transport.Sender
	log    logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	sleep SleepFunc
}

type Option func(*Dispatcher)

// WithSleep replaces the wait used for batch delays and retry backoff.
func WithSleep(fn SleepFunc) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

func New(cfg Config, sender transport.Sender, log logx.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{sender: sender, log: log, sleep: sleepCtx}
	for _, o := range opts {
		o(d)
	}
	d.Apply(cfg)
	return d
}

// Apply swaps the configuration. Runs in progress keep the values they
// started with.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.normalize()

	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.RatePerSec != d.cfg.RatePerSec || d.limiter == nil {
		if cfg.RatePerSec > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		} else {
			d.limiter = nil
		}
	}
	d.cfg = cfg
}

func (d *Dispatcher) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *Dispatcher) current() (Config, *rate.Limiter) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.limiter
}

// Send delivers items in batches of BatchSize. All sends of a batch run
// concurrently and settle before the next batch starts; BatchDelay separates
// batches. The returned outcomes are in input order.
func (d *Dispatcher) Send(ctx context.Context, items []Item) []Outcome {
	cfg, lim := d.current()
	out := make([]Outcome, len(items))
	for i := range items {
		out[i] = Outcome{Item: items[i], Status: StatusAbandoned}
	}

	batches := 0
	for start := 0; start < len(items); start += cfg.BatchSize {
		if start > 0 {
			if err := d.sleep(ctx, cfg.BatchDelay); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		end := min(start+cfg.BatchSize, len(items))

		var g errgroup.Group
		g.SetLimit(cfg.BatchSize)
		for i := start; i < end; i++ {
			g.Go(func() error {
				out[i] = d.deliver(ctx, cfg, lim, items[i])
				return nil
			})
		}
		_ = g.Wait()
		batches++

		d.log.Debug("batch settled",
			logx.Int("batch", batches),
			logx.Int("from", start),
			logx.Int("to", end),
		)
	}

	if abandoned := len(items) - countAttempted(out); abandoned > 0 {
		d.log.Warn("dispatch cancelled", logx.Int("abandoned", abandoned), logx.Err(ctx.Err()))
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, it Item) (o Outcome) {
	o = Outcome{Item: it}
	defer func() {
		if r := recover(); r != nil {
			o.Status = StatusFailed
			o.Err = transport.NewFatal(fmt.Errorf("sender panic: %v", r))
			d.log.Error("sender panic",
				logx.Int64("chat_id", it.ChatID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()

	if d.sender == nil {
		o.Status = StatusFailed
		o.Attempts = 1
		o.Err = transport.NewFatal(transport.ErrNoSender)
		return o
	}

	attempts := 1 + cfg.MaxRetries
	for a := 1; a <= attempts; a++ {
		o.Attempts = a
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				o.Err = err
				break
			}
		}
		ref, err := d.attempt(ctx, cfg, it)
		if err == nil {
			o.Status, o.Ref, o.Err = StatusSent, ref, nil
			return o
		}
		o.Err = err
		if !transport.IsTransient(err) || a == attempts {
			break
		}

		wait := cfg.RetryBackoff
		if ra := transport.RetryAfter(err); ra > wait {
			wait = ra
		}
		d.log.Debug("retrying send",
			logx.Int64("chat_id", it.ChatID),
			logx.Int("attempt", a),
			logx.Duration("backoff", wait),
			logx.Err(err),
		)
		if err := d.sleep(ctx, wait); err != nil {
			break
		}
	}
	o.Status = StatusFailed
	return o
}

func (d *Dispatcher) attempt(ctx context.Context, cfg Config, it Item) (transport.MessageRef, error) {
	actx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	return d.sender.SendText(actx, transport.ChatTarget{ChatID: it.ChatID}, it.Text, &transport.SendOptions{
		ParseMode:      cfg.ParseMode,
		DisablePreview: true,
	})
}

func countAttempted(out []Outcome) int {
	n := 0
	for _, o := range out {
		if o.Status != StatusAbandoned {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
