// Package poster runs the posting loop: one sequential pass over the channel
// store, a short random pause after every channel, then the pass wait.
package poster

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chanpost/internal/channels"
	"chanpost/internal/config"
	"chanpost/internal/dispatch"
	"chanpost/internal/runtime/supervisor"
	"chanpost/internal/schedule"
	"chanpost/internal/storage"
	logx "chanpost/pkg/logx"
)

// Dispatcher posts one record. *dispatch.Client implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec channels.Record) (dispatch.Result, error)
}

// Notifier receives service-manager updates. *sdnotify.Notifier implements it.
type Notifier interface {
	Status(msg string) bool
	Watchdog() bool
	WatchdogInterval() time.Duration
}

// WatchFunc blocks until ctx ends, calling onChange whenever the channel
// file changes. (*channels.Store).Watch is the default.
type WatchFunc func(ctx context.Context, log logx.Logger, onChange func()) error

type Options struct {
	Store      *channels.Store
	Dispatcher Dispatcher
	Wait       schedule.Wait
	Loop       config.Loop

	// Optional.
	Audit  storage.Store
	Notify Notifier
	Log    logx.Logger
	Sleep  dispatch.Sleeper
	Rand   *rand.Rand
	Now    func() time.Time
	// Watch enables the channel file watcher in Run.
	Watch     bool
	WatchFunc WatchFunc
}

// PassStats summarises one pass.
type PassStats struct {
	ID      string
	Total   int
	Sent    int
	Skipped int
	Failed  int
	Removed int
}

type Loop struct {
	store  *channels.Store
	disp   Dispatcher
	wait   schedule.Wait
	bounds config.Loop
	audit  storage.Store
	notify Notifier
	log    logx.Logger
	sleep  dispatch.Sleeper
	rng    *rand.Rand
	now    func() time.Time
	watch  bool
	watchF WatchFunc

	sup      *supervisor.Supervisor
	watching atomic.Bool
	bgFailed bool
	stale    atomic.Bool
	passes   atomic.Int64
}

func New(opts Options) (*Loop, error) {
	if opts.Store == nil {
		return nil, errors.New("poster: channel store is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("poster: dispatcher is required")
	}
	if opts.Loop.IntervalMax < opts.Loop.IntervalMin || opts.Loop.IntervalMin < 0 {
		return nil, fmt.Errorf("poster: invalid interval bounds %s..%s", opts.Loop.IntervalMin, opts.Loop.IntervalMax)
	}
	l := &Loop{
		store:  opts.Store,
		disp:   opts.Dispatcher,
		wait:   opts.Wait,
		bounds: opts.Loop,
		audit:  opts.Audit,
		notify: opts.Notify,
		log:    opts.Log,
		sleep:  opts.Sleep,
		rng:    opts.Rand,
		now:    opts.Now,
		watch:  opts.Watch,
		watchF: opts.WatchFunc,
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	if l.sleep == nil {
		l.sleep = dispatch.SleepContext
	}
	if l.rng == nil {
		l.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.watchF == nil {
		l.watchF = l.store.Watch
	}
	return l, nil
}

// MarkStale asks the loop to reload the store before the next pass.
func (l *Loop) MarkStale() { l.stale.Store(true) }

// Run executes passes until ctx is cancelled or a dispatch is fatal.
// Cancellation returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(l.log))
	l.sup = sup
	defer func() {
		if err := sup.Stop(5 * time.Second); err != nil {
			l.log.Warn("background tasks did not stop", logx.Err(err))
		}
	}()
	if l.notify != nil {
		if iv := l.notify.WatchdogInterval(); iv > 0 {
			sup.Go("watchdog", func(ctx context.Context) error {
				return l.pingWatchdog(ctx, iv/2)
			})
		}
	}
	if l.watch {
		l.watching.Store(true)
		sup.Go("channel-watch", func(ctx context.Context) error {
			defer l.watching.Store(false)
			return l.watchF(ctx, l.log, l.MarkStale)
		})
	}
	l.log.Info("posting loop started",
		logx.String("file", l.store.Path()),
		logx.Int("channels", l.store.Len()),
		logx.String("wait", l.wait.String()),
	)
	for {
		l.checkBackground()
		if _, err := l.RunPass(ctx); err != nil {
			return err
		}
	}
}

// pingWatchdog sends WATCHDOG once, then on every tick until ctx ends.
func (l *Loop) pingWatchdog(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Second
	}
	l.notify.Watchdog()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			l.notify.Watchdog()
		}
	}
}

// checkBackground reports a failed background task once. Without a live
// watcher the store is reloaded before every pass instead.
func (l *Loop) checkBackground() {
	if l.sup == nil {
		return
	}
	if err := l.sup.Err(); err != nil && !l.bgFailed {
		l.bgFailed = true
		l.log.Error("background task failed", logx.Err(err),
			logx.Int64("active", l.sup.Active()),
			logx.Bool("watching", l.watching.Load()),
		)
	}
	if l.watch && !l.watching.Load() {
		l.MarkStale()
	}
}

// RunPass performs one pass over a snapshot of the store, then waits the
// pass wait.
func (l *Loop) RunPass(ctx context.Context) (PassStats, error) {
	st := PassStats{ID: uuid.NewString()}
	n := l.passes.Add(1)
	log := l.log.With(logx.String("pass", st.ID))

	if l.stale.Swap(false) {
		changed, err := l.store.Reload()
		switch {
		case err != nil:
			log.Warn("channel file reload failed, keeping previous records", logx.Err(err))
		case changed:
			log.Info("channel file reloaded", logx.Int("channels", l.store.Len()))
		}
	}

	recs := l.store.Snapshot()
	st.Total = len(recs)
	if l.notify != nil {
		l.notify.Status(fmt.Sprintf("pass %d: %d channels", n, st.Total))
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if err := l.step(ctx, log, rec, &st); err != nil {
			return st, err
		}
	}

	wait := l.wait.Next(l.now())
	log.Info("pass finished",
		logx.Int("sent", st.Sent),
		logx.Int("skipped", st.Skipped),
		logx.Int("failed", st.Failed),
		logx.Int("removed", st.Removed),
		logx.Duration("next_pass_in", wait),
	)
	if l.notify != nil {
		l.notify.Status(fmt.Sprintf("pass %d done: %d sent, %d skipped, %d failed, %d removed; next in %s",
			n, st.Sent, st.Skipped, st.Failed, st.Removed, wait.Round(time.Second)))
	}
	if err := l.sleep(ctx, wait); err != nil {
		return st, err
	}
	return st, nil
}

func (l *Loop) step(ctx context.Context, log logx.Logger, rec channels.Record, st *PassStats) error {
	log = log.With(logx.String("channel", rec.Name))
	interval := l.shortInterval()
	roll := l.roll()

	entry := storage.Entry{
		PassID:    st.ID,
		Channel:   rec.Name,
		ChannelID: rec.ChannelID,
		Roll:      roll,
		Chance:    rec.Chance,
	}

	if !Eligible(rec.Chance, roll) {
		st.Skipped++
		entry.Outcome = "skipped"
		log.Info("skipped this time", logx.Int("roll", roll), logx.Int("chance", rec.Chance))
		l.record(ctx, log, entry)
		return l.sleep(ctx, interval)
	}

	res, err := l.disp.Dispatch(ctx, rec)
	entry.Outcome = res.Outcome.String()
	entry.Attempts = res.Attempts
	entry.Status = res.Status
	entry.TookMS = res.Took.Milliseconds()
	if err != nil {
		entry.Error = err.Error()
		if ctx.Err() == nil {
			l.record(ctx, log, entry)
		}
		return err
	}

	switch res.Outcome {
	case dispatch.Sent:
		st.Sent++
		log.Info("message sent", logx.Duration("next_in", interval))
	case dispatch.Forbidden:
		removed, rerr := l.store.Remove(rec.Key())
		if rerr != nil {
			log.Error("failed to persist channel removal", logx.Err(rerr))
		} else if removed {
			st.Removed++
			log.Warn("removed channel after 403", logx.Uint64("channel_id", rec.ChannelID))
		}
	default:
		st.Failed++
		log.Warn("message not sent", logx.Int("attempts", res.Attempts), logx.Int("status", res.Status))
	}
	l.record(ctx, log, entry)
	return l.sleep(ctx, interval)
}

func (l *Loop) record(ctx context.Context, log logx.Logger, e storage.Entry) {
	if l.audit == nil {
		return
	}
	e.At = l.now()
	if err := l.audit.Append(ctx, e); err != nil {
		log.Debug("audit append failed", logx.Err(err))
	}
}

// Eligible reports whether a record with chance is posted for roll.
// chance 0 never posts; chance 100 always does.
func Eligible(chance, roll int) bool {
	return chance > 0 && chance >= roll
}

// roll draws uniformly from [0,100].
func (l *Loop) roll() int { return l.rng.IntN(101) }

func (l *Loop) shortInterval() time.Duration {
	lo, hi := l.bounds.IntervalMin, l.bounds.IntervalMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(l.rng.Int64N(int64(hi-lo)+1))
}
