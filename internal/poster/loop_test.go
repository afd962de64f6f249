package poster

import (
	"bytes"
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanpost/internal/channels"
	"chanpost/internal/config"
	"chanpost/internal/dispatch"
	"chanpost/internal/schedule"
	"chanpost/internal/storage"
	logx "chanpost/pkg/logx"
)

const apiBase = "https://discord.com/api/v9"

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []string
	outcomes map[string]dispatch.Outcome
	fatal    map[string]error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, rec channels.Record) (dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rec.Name)
	if err := f.fatal[rec.Name]; err != nil {
		return dispatch.Result{Outcome: dispatch.Failed, Attempts: 1, Status: 401}, err
	}
	out, ok := f.outcomes[rec.Name]
	if !ok {
		out = dispatch.Sent
	}
	return dispatch.Result{Outcome: out, Attempts: 1, Status: 200}, nil
}

func (f *fakeDispatcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

type memAudit struct {
	mu      sync.Mutex
	entries []storage.Entry
}

func (m *memAudit) Append(_ context.Context, e storage.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) Recent(_ context.Context, n int) ([]storage.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.entries) {
		n = len(m.entries)
	}
	return append([]storage.Entry(nil), m.entries[len(m.entries)-n:]...), nil
}

func (m *memAudit) Close() error { return nil }

type fakeNotifier struct {
	mu        sync.Mutex
	statuses  []string
	interval  time.Duration
	watchdogs atomic.Int32
}

func (f *fakeNotifier) Status(msg string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, msg)
	return true
}

func (f *fakeNotifier) Watchdog() bool                  { f.watchdogs.Add(1); return true }
func (f *fakeNotifier) WatchdogInterval() time.Duration { return f.interval }

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// countMessages counts JSON log lines whose message is msg.
func countMessages(out, msg string) int {
	return strings.Count(out, `"message":"`+msg+`"`)
}

func newStore(t *testing.T, recs ...channels.Record) *channels.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.json")
	b, err := channels.Encode(recs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
	st, err := channels.Open(path)
	require.NoError(t, err)
	return st
}

func rec(t *testing.T, name string, id uint64, chance int) channels.Record {
	t.Helper()
	r, err := channels.NewRecord(apiBase, name, id, "hi "+name, chance)
	require.NoError(t, err)
	return r
}

func mustWait(t *testing.T, raw string) schedule.Wait {
	t.Helper()
	w, err := schedule.ParseWait(raw)
	require.NoError(t, err)
	return w
}

func newLoop(t *testing.T, st *channels.Store, d Dispatcher, sl *sleepLog, opts ...func(*Options)) *Loop {
	t.Helper()
	o := Options{
		Store:      st,
		Dispatcher: d,
		Wait:       mustWait(t, "3600"),
		Loop:       config.Loop{IntervalMin: 10 * time.Second, IntervalMax: 20 * time.Second},
		Sleep:      sl.Sleep,
		Rand:       rand.New(rand.NewPCG(1, 2)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	l, err := New(o)
	require.NoError(t, err)
	return l
}

func TestEligible(t *testing.T) {
	t.Parallel()
	assert.False(t, Eligible(0, 0))
	assert.False(t, Eligible(0, 100))
	assert.True(t, Eligible(100, 100))
	assert.True(t, Eligible(100, 0))
	assert.True(t, Eligible(50, 50))
	assert.False(t, Eligible(50, 51))
}

func TestChanceExtremesOverManyPasses(t *testing.T) {
	st := newStore(t, rec(t, "always", 1, 100), rec(t, "never", 2, 0))
	d := &fakeDispatcher{}
	sl := &sleepLog{}
	l := newLoop(t, st, d, sl)

	const passes = 500
	for i := 0; i < passes; i++ {
		stats, err := l.RunPass(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, stats.Sent)
		require.Equal(t, 1, stats.Skipped)
	}
	calls := d.Calls()
	assert.Len(t, calls, passes)
	for _, c := range calls {
		assert.Equal(t, "always", c)
	}
}

func TestPassSentSkippedThenLongWait(t *testing.T) {
	st := newStore(t, rec(t, "a", 1, 100), rec(t, "b", 2, 0))
	d := &fakeDispatcher{}
	sl := &sleepLog{}
	audit := &memAudit{}
	n := &fakeNotifier{interval: time.Minute}
	var buf bytes.Buffer
	l := newLoop(t, st, d, sl, func(o *Options) {
		o.Audit = audit
		o.Notify = n
		o.Log = logx.FromZerolog(zerolog.New(&buf))
	})

	stats, err := l.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, []string{"a"}, d.Calls())

	require.Len(t, sl.waits, 3)
	for _, w := range sl.waits[:2] {
		assert.GreaterOrEqual(t, w, 10*time.Second)
		assert.LessOrEqual(t, w, 20*time.Second)
	}
	assert.Equal(t, time.Hour, sl.waits[2])

	require.Len(t, audit.entries, 2)
	assert.Equal(t, "sent", audit.entries[0].Outcome)
	assert.Equal(t, "skipped", audit.entries[1].Outcome)
	assert.Equal(t, stats.ID, audit.entries[0].PassID)
	// RunPass alone never pings; the watchdog runs beside Run.
	assert.Zero(t, n.watchdogs.Load())
	assert.Len(t, n.statuses, 2)

	out := buf.String()
	assert.Equal(t, 1, countMessages(out, "message sent"), out)
	assert.Equal(t, 1, countMessages(out, "skipped this time"), out)
	assert.Equal(t, 1, countMessages(out, "pass finished"), out)
	assert.Zero(t, countMessages(out, "message not sent"), out)
}

func TestForbiddenRemovesAndPersists(t *testing.T) {
	a, b, c := rec(t, "a", 1, 100), rec(t, "b", 2, 100), rec(t, "c", 3, 100)
	st := newStore(t, a, b, c)
	d := &fakeDispatcher{outcomes: map[string]dispatch.Outcome{"b": dispatch.Forbidden}}
	sl := &sleepLog{}
	l := newLoop(t, st, d, sl)

	stats, err := l.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sent)
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, []string{"a", "b", "c"}, d.Calls())
	// Sleeps after every record, the forbidden one included, plus the pass wait.
	assert.Len(t, sl.waits, 4)

	onDisk, err := os.ReadFile(st.Path())
	require.NoError(t, err)
	want, err := channels.Encode([]channels.Record{a, c})
	require.NoError(t, err)
	assert.Equal(t, string(want), string(onDisk))

	// Second pass only touches the survivors.
	_, err = l.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "a", "c"}, d.Calls())
}

func TestUnauthorizedStopsPass(t *testing.T) {
	st := newStore(t, rec(t, "a", 1, 100), rec(t, "b", 2, 100), rec(t, "c", 3, 100))
	d := &fakeDispatcher{fatal: map[string]error{"b": dispatch.ErrUnauthorized}}
	sl := &sleepLog{}
	audit := &memAudit{}
	l := newLoop(t, st, d, sl, func(o *Options) { o.Audit = audit })

	err := l.Run(context.Background())
	require.ErrorIs(t, err, dispatch.ErrUnauthorized)
	assert.Equal(t, []string{"a", "b"}, d.Calls())
	// Only the pause after "a"; nothing after the fatal dispatch.
	assert.Len(t, sl.waits, 1)
	require.Len(t, audit.entries, 2)
	assert.NotEmpty(t, audit.entries[1].Error)
	assert.Equal(t, 3, st.Len())
}

func TestFailedKeepsRecord(t *testing.T) {
	st := newStore(t, rec(t, "a", 1, 100))
	d := &fakeDispatcher{outcomes: map[string]dispatch.Outcome{"a": dispatch.Failed}}
	sl := &sleepLog{}
	l := newLoop(t, st, d, sl)

	stats, err := l.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, st.Len())
	assert.Len(t, sl.waits, 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	st := newStore(t, rec(t, "a", 1, 100))
	d := &fakeDispatcher{}
	ctx, cancel := context.WithCancel(context.Background())
	var count int
	l := newLoop(t, st, d, &sleepLog{}, func(o *Options) {
		o.Sleep = func(ctx context.Context, _ time.Duration) error {
			count++
			if count == 3 {
				cancel()
			}
			return ctx.Err()
		}
	})
	err := l.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, d.Calls(), 2)
}

func TestStaleReloadBetweenPasses(t *testing.T) {
	st := newStore(t, rec(t, "a", 1, 100))
	d := &fakeDispatcher{}
	l := newLoop(t, st, d, &sleepLog{})

	// Another process appends a record.
	other, err := channels.Open(st.Path())
	require.NoError(t, err)
	_, err = other.Append(rec(t, "b", 2, 100))
	require.NoError(t, err)

	_, err = l.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, d.Calls())

	l.MarkStale()
	_, err = l.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a", "b"}, d.Calls())
}

func TestRunFeedsWatchdogDuringLongWait(t *testing.T) {
	st := newStore(t, rec(t, "a", 1, 100))
	n := &fakeNotifier{interval: 40 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := newLoop(t, st, &fakeDispatcher{}, &sleepLog{}, func(o *Options) {
		o.Notify = n
		// Short pauses return at once; the pass wait blocks like a real sleep.
		o.Sleep = func(ctx context.Context, d time.Duration) error {
			if d < time.Hour {
				return ctx.Err()
			}
			<-ctx.Done()
			return ctx.Err()
		}
	})

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return n.watchdogs.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	stopped := n.watchdogs.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, stopped, n.watchdogs.Load(), "watchdog kept ticking after Run returned")
}

func TestRunWithoutWatchdogIntervalNeverPings(t *testing.T) {
	st := newStore(t, rec(t, "a", 1, 100))
	n := &fakeNotifier{}
	ctx, cancel := context.WithCancel(context.Background())
	var waits int
	l := newLoop(t, st, &fakeDispatcher{}, &sleepLog{}, func(o *Options) {
		o.Notify = n
		o.Sleep = func(ctx context.Context, _ time.Duration) error {
			if waits++; waits == 4 {
				cancel()
			}
			return ctx.Err()
		}
	})
	require.ErrorIs(t, l.Run(ctx), context.Canceled)
	assert.Zero(t, n.watchdogs.Load())
}

func TestRunReportsDeadWatcherAndReloadsEveryPass(t *testing.T) {
	st := newStore(t, rec(t, "a", 1, 100))
	d := &fakeDispatcher{}
	buf := &lockedBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	var (
		l         *Loop
		longWaits int
	)
	l = newLoop(t, st, d, &sleepLog{}, func(o *Options) {
		o.Log = logx.FromZerolog(zerolog.New(buf))
		o.Watch = true
		o.WatchFunc = func(ctx context.Context, _ logx.Logger, _ func()) error {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			panic("watcher lost its inotify handle")
		}
		o.Sleep = func(ctx context.Context, dur time.Duration) error {
			if dur < time.Hour {
				return ctx.Err()
			}
			longWaits++
			if longWaits == 2 {
				cancel()
				return ctx.Err()
			}
			// First pass is over: kill the watcher and wait for the supervisor to see it.
			close(release)
			deadline := time.Now().Add(2 * time.Second)
			for l.sup.Err() == nil && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			// Written by someone else while nothing watches the file.
			other, err := channels.Open(st.Path())
			if err != nil {
				return err
			}
			_, err = other.Append(rec(t, "b", 2, 100))
			return err
		}
	})

	require.ErrorIs(t, l.Run(ctx), context.Canceled)
	assert.Equal(t, []string{"a", "a", "b"}, d.Calls())
	out := buf.String()
	assert.Equal(t, 1, countMessages(out, "background task failed"), out)
	assert.Contains(t, out, "watcher lost its inotify handle")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Options{})
	require.Error(t, err)
	st := newStore(t)
	_, err = New(Options{Store: st, Dispatcher: &fakeDispatcher{},
		Loop: config.Loop{IntervalMin: 20 * time.Second, IntervalMax: 10 * time.Second}})
	require.Error(t, err)
}
