// Package orchestrator runs scheduled deliveries and admin broadcasts:
// select recipients, render, dispatch, record, summarize.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"schedbot/internal/delivery"
	"schedbot/internal/delivery/dispatch"
	"schedbot/internal/delivery/format"
	"schedbot/internal/delivery/ledger"
	"schedbot/internal/delivery/trigger"
	"schedbot/internal/eventbus"
	"schedbot/internal/storage"
	"schedbot/internal/task/engine"
	logx "schedbot/pkg/logx"
)

type Orchestrator struct {
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	started bool
	plan    []trigger.Event
	events  map[string]trigger.Event
	status  map[string]*EventStatus
}

func New(deps Deps, cfg Config, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    normalize(cfg),
		log:    log,
		bus:    bus,
		events: map[string]trigger.Event{},
		status: map[string]*EventStatus{},
	}
}

func normalize(cfg Config) Config {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RunTimeout < 0 {
		cfg.RunTimeout = 0
	}
	return cfg
}

// Apply updates the knobs that are safe to change at runtime (dedup and run
// timeout). Schedule changes need a restart.
func (o *Orchestrator) Apply(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.Dedup = cfg.Dedup
	if cfg.RunTimeout >= 0 {
		o.cfg.RunTimeout = cfg.RunTimeout
	}
}

func (o *Orchestrator) config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Start loads the time slots, builds the firing plan and registers one daily
// schedule per event. Any error here is a configuration error and the engine
// must not start.
func (o *Orchestrator) Start(ctx context.Context) error {
	cfg := o.config()

	slots, err := o.deps.Slots.ListTimeSlots(ctx)
	if err != nil {
		return fmt.Errorf("load time slots: %w", err)
	}
	plan, err := trigger.Plan(trigger.Config{
		Location:    cfg.Location,
		DigestAt:    cfg.DigestAt,
		LeadMinutes: cfg.LeadMinutes,
	}, slots)
	if err != nil {
		return err
	}

	for _, ev := range plan {
		name := ev.Name
		job := func(ctx context.Context) error {
			_, err := o.runEvent(ctx, name, o.config().Dedup)
			return err
		}
		if err := o.deps.Scheduler.AddDaily(name, ev.Hour, ev.Minute, cfg.RunTimeout, job); err != nil {
			o.unregister(plan)
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	o.mu.Lock()
	o.plan = plan
	o.events = make(map[string]trigger.Event, len(plan))
	for _, ev := range plan {
		o.events[ev.Name] = ev
		if _, ok := o.status[ev.Name]; !ok {
			o.status[ev.Name] = &EventStatus{Name: ev.Name, State: StateIdle}
		}
	}
	o.started = true
	o.mu.Unlock()

	o.deps.Scheduler.Start(ctx)

	now := cfg.Now()
	for _, ev := range plan {
		o.log.Info("event scheduled",
			logx.String("event", ev.Name),
			logx.String("at", ev.Clock()),
			logx.Time("next", ev.Next(now)),
		)
	}
	return nil
}

// Stop halts the scheduler and drops the registered events, so a later Start
// rebuilds the plan from the current time slots.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	started := o.started
	plan := o.plan
	o.started = false
	o.mu.Unlock()
	if !started {
		return
	}
	o.deps.Scheduler.Stop(ctx)
	o.unregister(plan)
}

func (o *Orchestrator) unregister(plan []trigger.Event) {
	for _, ev := range plan {
		o.deps.Scheduler.Remove(ev.Name)
	}
}

// RunEvent runs a scheduled event now, in the caller's goroutine.
func (o *Orchestrator) RunEvent(ctx context.Context, name string) (Summary, error) {
	return o.runEvent(ctx, name, o.config().Dedup)
}

// Trigger starts a manual run of a scheduled event through the task engine.
// Recipients already served today are skipped regardless of the dedup setting.
func (o *Orchestrator) Trigger(name string) (string, error) {
	o.mu.Lock()
	_, ok := o.events[name]
	started := o.started
	timeout := o.cfg.RunTimeout
	o.mu.Unlock()
	if !started {
		return "", ErrNotStarted
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	id, err := o.deps.Runner.Submit(engine.Task{
		Name:    name,
		Timeout: timeout,
		State:   o.deps.Scheduler.State(name),
		Run: func(ctx context.Context) error {
			_, err := o.runEvent(ctx, name, true)
			return err
		},
	})
	if errors.Is(err, engine.ErrOverlapSkip) {
		o.publish(eventbus.TypeRunSkipped, RunFailure{Event: name, Error: err.Error()})
	}
	if err != nil {
		return "", err
	}
	o.log.Info("manual run started", logx.String("event", name), logx.String("run_id", id))
	return id, nil
}

// candidate is one recipient with a deferred message render.
type candidate struct {
	recipient storage.Recipient
	render    func(ctx context.Context) (string, error)
}

func (o *Orchestrator) runEvent(ctx context.Context, name string, dedup bool) (Summary, error) {
	o.mu.Lock()
	ev, ok := o.events[name]
	cfg := o.cfg
	o.mu.Unlock()
	if !ok {
		return Summary{}, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	at := cfg.Now()
	start := time.Now()
	typ, _ := delivery.MessageTypeOf(name)
	sum := Summary{Event: name, Type: string(typ), Day: at.In(cfg.Location).Format(storage.DateLayout), Started: at}
	o.setRunning(name, at)
	o.publish(eventbus.TypeRunStarted, sum)

	var (
		cands []candidate
		err   error
	)
	switch ev.Kind {
	case trigger.KindDigest:
		cands, err = o.digestCandidates(ctx, at)
	case trigger.KindReminder:
		var skipped int
		cands, skipped, err = o.reminderCandidates(ctx, ev.Slot, at, cfg.LeadMinutes)
		sum.Skipped += skipped
	}
	if err != nil {
		sum.Duration = time.Since(start)
		o.setFailed(name, err)
		o.log.Error("run failed", logx.String("event", name), logx.Err(err))
		o.publish(eventbus.TypeRunFailed, RunFailure{Event: name, Error: err.Error()})
		return sum, err
	}

	base := ledger.Entry{Type: typ, EventKey: name, Day: at}
	items := o.prepare(ctx, cands, dedup, base, &sum)
	o.deliver(ctx, items, base, &sum)

	sum.Total = sum.Sent + sum.Errors + sum.Skipped + sum.Abandoned
	sum.Duration = time.Since(start)
	o.setCompleted(name, sum)
	o.logSummary("run finished", sum)
	o.publish(eventbus.TypeRunFinished, sum)
	return sum, nil
}

func (o *Orchestrator) digestCandidates(ctx context.Context, at time.Time) ([]candidate, error) {
	rs, err := o.deps.Selector.SelectDigestRecipients(ctx, at)
	if err != nil {
		return nil, err
	}
	weekday := o.deps.Selector.Weekday(at)
	out := make([]candidate, 0, len(rs))
	for _, r := range rs {
		out = append(out, candidate{
			recipient: r,
			render: func(ctx context.Context) (string, error) {
				classes, err := o.deps.Selector.ClassesFor(ctx, r.DirectionID, at)
				if err != nil {
					return "", err
				}
				return format.Digest(r.Name, weekday, classes), nil
			},
		})
	}
	return out, nil
}

func (o *Orchestrator) reminderCandidates(ctx context.Context, slot storage.TimeSlot, at time.Time, lead int) ([]candidate, int, error) {
	sel, err := o.deps.Selector.SelectReminderRecipients(ctx, slot, at)
	if err != nil {
		return nil, 0, err
	}
	out := make([]candidate, 0, len(sel.Targets))
	for _, t := range sel.Targets {
		out = append(out, candidate{
			recipient: t.Recipient,
			render: func(context.Context) (string, error) {
				return format.Reminder(t.Class, lead), nil
			},
		})
	}
	return out, sel.Skipped, nil
}

// prepare renders every candidate. A failure or panic for one recipient is
// recorded as an error row for that recipient only. With dedup on, the
// recipients already served for the event day are loaded once per run.
func (o *Orchestrator) prepare(ctx context.Context, cands []candidate, dedup bool, base ledger.Entry, sum *Summary) []dispatch.Item {
	var served map[int64]bool
	if dedup && base.EventKey != "" && len(cands) > 0 {
		s, err := o.deps.Ledger.SentRecipients(ctx, base.EventKey, base.Day)
		if err != nil {
			o.log.Warn("dedup check failed, sending anyway", logx.String("event", base.EventKey), logx.Err(err))
		}
		served = s
	}

	items := make([]dispatch.Item, 0, len(cands))
	for _, c := range cands {
		r := c.recipient
		if served[r.ID] {
			sum.Skipped++
			continue
		}

		text, err := o.render(ctx, c)
		if err != nil {
			sum.Errors++
			e := base
			e.RecipientID, e.Status, e.Err = r.ID, delivery.StatusError, err.Error()
			o.deps.Ledger.Record(context.WithoutCancel(ctx), e)
			o.log.Warn("prepare message failed", logx.Int64("user_id", r.ID), logx.String("type", string(base.Type)), logx.Err(err))
			continue
		}
		items = append(items, dispatch.Item{RecipientID: r.ID, ChatID: r.TgID, Text: text})
	}
	return items
}

func (o *Orchestrator) render(ctx context.Context, c candidate) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			o.log.Error("prepare panic", logx.Int64("user_id", c.recipient.ID), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	return c.render(ctx)
}

// deliver dispatches items and records every attempted outcome. Ledger
// writes outlive cancellation so the last batch is still recorded.
func (o *Orchestrator) deliver(ctx context.Context, items []dispatch.Item, base ledger.Entry, sum *Summary) {
	if len(items) == 0 {
		return
	}
	wctx := context.WithoutCancel(ctx)
	for _, out := range o.deps.Dispatcher.Send(ctx, items) {
		e := base
		e.RecipientID = out.Item.RecipientID
		switch out.Status {
		case dispatch.StatusSent:
			sum.Sent++
			e.Status = delivery.StatusSent
		case dispatch.StatusFailed:
			sum.Errors++
			e.Status = delivery.StatusError
			if out.Err != nil {
				e.Err = out.Err.Error()
			}
		default:
			sum.Abandoned++
			continue
		}
		o.deps.Ledger.Record(wctx, e)
	}
}

// Broadcast sends an admin message to every unpaused recipient matching
// req.Target ("all", "course_<n>", "direction_<id>"). Broadcasts are never
// deduplicated.
func (o *Orchestrator) Broadcast(ctx context.Context, req BroadcastRequest) (BroadcastResult, error) {
	text := format.Broadcast(req.Text)
	if text == "" {
		return BroadcastResult{}, ErrEmptyText
	}
	target := strings.TrimSpace(req.Target)
	if target == "" {
		target = "all"
	}
	res := BroadcastResult{Target: target}
	start := time.Now()
	rs, err := o.deps.Selector.SelectBroadcastRecipients(ctx, target, o.config().Now())
	if err != nil {
		return res, err
	}
	if len(rs) == 0 {
		res.NoRecipients = true
		o.log.Info("broadcast has no recipients", logx.String("target", target))
		return res, nil
	}

	items := make([]dispatch.Item, 0, len(rs))
	for _, r := range rs {
		items = append(items, dispatch.Item{RecipientID: r.ID, ChatID: r.TgID, Text: text})
	}
	var sum Summary
	o.deliver(ctx, items, ledger.Entry{Type: delivery.TypeBroadcast}, &sum)

	res.Total = len(rs)
	res.Sent, res.Errors, res.Abandoned = sum.Sent, sum.Errors, sum.Abandoned
	res.Duration = time.Since(start)

	fields := []logx.Field{
		logx.String("target", target),
		logx.Int("total", res.Total),
		logx.Int("sent", res.Sent),
		logx.Int("errors", res.Errors),
		logx.Int("abandoned", res.Abandoned),
		logx.Duration("took", res.Duration),
	}
	if res.Errors > 0 {
		o.log.Warn("broadcast finished", fields...)
	} else {
		o.log.Info("broadcast finished", fields...)
	}
	o.publish(eventbus.TypeBroadcastDone, res)
	return res, nil
}

// CountBroadcastTargets returns how many recipients a broadcast to target would reach.
func (o *Orchestrator) CountBroadcastTargets(ctx context.Context, target string) (int, error) {
	rs, err := o.deps.Selector.SelectBroadcastRecipients(ctx, target, o.config().Now())
	if err != nil {
		return 0, err
	}
	return len(rs), nil
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{Started: o.started, Dedup: o.cfg.Dedup}
	if o.cfg.Location != nil {
		snap.Timezone = o.cfg.Location.String()
	}
	now := o.cfg.Now()
	for _, ev := range o.plan {
		st := EventStatus{Name: ev.Name, State: StateIdle}
		if cur := o.status[ev.Name]; cur != nil {
			st = *cur
			if cur.LastSummary != nil {
				s := *cur.LastSummary
				st.LastSummary = &s
			}
		}
		st.Kind = ev.Kind.String()
		st.At = ev.Clock()
		st.Spec = ev.Spec
		st.Slot = ev.Slot.Number
		st.Next = ev.Next(now)
		snap.Events = append(snap.Events, st)
	}
	return snap
}

func (o *Orchestrator) setRunning(name string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.statusLocked(name)
	st.State = StateRunning
	st.LastStarted = at
	st.LastError = ""
}

func (o *Orchestrator) setCompleted(name string, sum Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.statusLocked(name)
	st.State = StateCompleted
	st.LastFinished = o.cfg.Now()
	st.LastSummary = &sum
}

func (o *Orchestrator) setFailed(name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.statusLocked(name)
	st.State = StateFailed
	st.LastFinished = o.cfg.Now()
	st.LastError = err.Error()
}

func (o *Orchestrator) statusLocked(name string) *EventStatus {
	st := o.status[name]
	if st == nil {
		st = &EventStatus{Name: name, State: StateIdle}
		o.status[name] = st
	}
	return st
}

func (o *Orchestrator) logSummary(msg string, sum Summary) {
	fields := []logx.Field{
		logx.String("event", sum.Event),
		logx.String("day", sum.Day),
		logx.Int("total", sum.Total),
		logx.Int("sent", sum.Sent),
		logx.Int("errors", sum.Errors),
		logx.Int("skipped", sum.Skipped),
		logx.Int("abandoned", sum.Abandoned),
		logx.Duration("took", sum.Duration),
	}
	if sum.Errors > 0 {
		o.log.Warn(msg, fields...)
		return
	}
	o.log.Info(msg, fields...)
}

func (o *Orchestrator) publish(typ string, data any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
