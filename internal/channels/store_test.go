package channels

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	logx "chanpost/pkg/logx"
)

const testBase = "https://discord.com/api/v9"

func writeChannels(t *testing.T, recs []Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.json")
	b, err := Encode(recs)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func mustRecord(t *testing.T, name string, id uint64, msg string, chance int) Record {
	t.Helper()
	r, err := NewRecord(testBase, name, id, msg, chance)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	return r
}

func stripKeys(recs []Record) []Record {
	out := make([]Record, len(recs))
	for i, r := range recs {
		r.key = 0
		out[i] = r
	}
	return out
}

func equalRecords(t *testing.T, got, want []Record) {
	t.Helper()
	got, want = stripKeys(got), stripKeys(want)
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestEndpointDerivation(t *testing.T) {
	t.Parallel()
	if got := Endpoint(testBase+"/", 123456789012345678); got != testBase+"/channels/123456789012345678/messages" {
		t.Fatalf("Endpoint = %q", got)
	}
}

func TestNewRecordValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		rname  string
		id     uint64
		chance int
		ok     bool
	}{
		{name: "valid", rname: "general", id: 1, chance: 50, ok: true},
		{name: "chance zero", rname: "general", id: 1, chance: 0, ok: true},
		{name: "chance hundred", rname: "general", id: 1, chance: 100, ok: true},
		{name: "chance above", rname: "general", id: 1, chance: 101},
		{name: "chance below", rname: "general", id: 1, chance: -1},
		{name: "no id", rname: "general", id: 0, chance: 10},
		{name: "no name", rname: "  ", id: 1, chance: 10},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewRecord(testBase, tt.rname, tt.id, "hi", tt.chance)
			if (err == nil) != tt.ok {
				t.Fatalf("NewRecord err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestRoundTripPreservesContent(t *testing.T) {
	t.Parallel()
	want := []Record{
		mustRecord(t, "café-général", 11, "line one\nline two · ünïcödé 🚀 <b>&</b>", 100),
		mustRecord(t, "second", 22, "", 0),
		mustRecord(t, "third", 33, "x", 42),
	}
	path := writeChannels(t, want)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "café-général") || !strings.Contains(string(raw), "<b>&</b>") {
		t.Fatalf("non-ASCII or HTML was escaped:\n%s", raw)
	}
	if !strings.Contains(string(raw), "\n    {\n        \"channel_name\"") {
		t.Fatalf("expected 4-space indentation:\n%s", raw)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	equalRecords(t, s.Snapshot(), want)
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	if _, err := Open("channels.txt"); !errors.Is(err, ErrNotJSON) {
		t.Fatalf("expected ErrNotJSON, got %v", err)
	}
	missing := filepath.Join(t.TempDir(), "nope.json")
	if _, err := Open(missing); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	bad := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(bad, []byte(`[{"channel_name":"x","url":"https://a.test/x","channel_id":1,"message":"m","chance":150}]`), 0o644)
	if _, err := Open(bad); err == nil {
		t.Fatal("expected validation error for chance=150")
	}
}

func TestAppendGrowsStoreAndPersists(t *testing.T) {
	t.Parallel()
	path := writeChannels(t, []Record{mustRecord(t, "a", 1, "m", 10), mustRecord(t, "b", 2, "m", 20)})
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	n := s.Len()

	added, err := s.Append(mustRecord(t, "new", 987654321, "hello", 70))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if added.Key() == 0 {
		t.Fatal("appended record should have a key")
	}
	if s.Len() != n+1 {
		t.Fatalf("Len = %d, want %d", s.Len(), n+1)
	}

	again, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	recs := again.Snapshot()
	if len(recs) != n+1 {
		t.Fatalf("persisted len = %d, want %d", len(recs), n+1)
	}
	if last := recs[len(recs)-1]; last.Endpoint != testBase+"/channels/987654321/messages" {
		t.Fatalf("endpoint = %q", last.Endpoint)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	orig := []Record{mustRecord(t, "a", 1, "m", 10), mustRecord(t, "b", 2, "m", 20), mustRecord(t, "c", 3, "m", 30)}
	path := writeChannels(t, orig)
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()

	removed, err := s.Remove(snap[1].Key())
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	removed, err = s.Remove(snap[1].Key())
	if err != nil || removed {
		t.Fatalf("second Remove = %v, %v", removed, err)
	}

	want, err := Encode([]Record{orig[0], orig[2]})
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("file after removal:\n%s\nwant:\n%s", got, want)
	}
	if len(snap) != 3 {
		t.Fatal("snapshot must not change after removal")
	}
}

func TestReloadSkipsOwnWrites(t *testing.T) {
	t.Parallel()
	path := writeChannels(t, []Record{mustRecord(t, "a", 1, "m", 10)})
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(mustRecord(t, "b", 2, "m", 10)); err != nil {
		t.Fatal(err)
	}
	changed, err := s.Reload()
	if err != nil || changed {
		t.Fatalf("Reload after own write = %v, %v", changed, err)
	}

	other, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Append(mustRecord(t, "c", 3, "m", 10)); err != nil {
		t.Fatal(err)
	}
	changed, err = s.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload after external write = %v, %v", changed, err)
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
}

func TestWatchNotifiesOnExternalWrite(t *testing.T) {
	path := writeChannels(t, []Record{mustRecord(t, "a", 1, "m", 10)})
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fired := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, logx.Nop(), func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	other, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Append(mustRecord(t, "b", 2, "m", 10)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not fire")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch returned %v", err)
	}
}

func TestUnescapeMessage(t *testing.T) {
	t.Parallel()
	if got := UnescapeMessage(`hello\nworld\n`); got != "hello\nworld\n" {
		t.Fatalf("UnescapeMessage = %q", got)
	}
}

func TestRemoveKeepsRecordsAppendedByAnotherWriter(t *testing.T) {
	t.Parallel()
	a, b, c := mustRecord(t, "a", 1, "m", 10), mustRecord(t, "b", 2, "m", 20), mustRecord(t, "c", 3, "m", 30)
	path := writeChannels(t, []Record{a, b})
	loop, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	snap := loop.Snapshot()

	maint, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := maint.Append(c); err != nil {
		t.Fatal(err)
	}

	removed, err := loop.Remove(snap[1].Key())
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	want, err := Encode([]Record{a, c})
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("file after removal:\n%s\nwant:\n%s", got, want)
	}
	equalRecords(t, loop.Snapshot(), []Record{a, c})

	// The snapshot key of "a" still addresses the same record.
	removed, err = loop.Remove(snap[0].Key())
	if err != nil || !removed {
		t.Fatalf("Remove(a) = %v, %v", removed, err)
	}
	equalRecords(t, loop.Snapshot(), []Record{c})
}

func TestAppendMergesExternalChanges(t *testing.T) {
	t.Parallel()
	a, b, c := mustRecord(t, "a", 1, "m", 10), mustRecord(t, "b", 2, "m", 20), mustRecord(t, "c", 3, "m", 30)
	path := writeChannels(t, []Record{a})
	first, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Append(b); err != nil {
		t.Fatal(err)
	}
	if _, err := second.Append(c); err != nil {
		t.Fatal(err)
	}
	again, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	equalRecords(t, again.Snapshot(), []Record{a, b, c})
}

func TestReloadKeepsKeysOfSurvivingRecords(t *testing.T) {
	t.Parallel()
	a, b := mustRecord(t, "a", 1, "m", 10), mustRecord(t, "b", 2, "m", 20)
	path := writeChannels(t, []Record{a})
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	keyA := s.Snapshot()[0].Key()

	other, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Append(b); err != nil {
		t.Fatal(err)
	}
	changed, err := s.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload = %v, %v", changed, err)
	}
	snap := s.Snapshot()
	if snap[0].Key() != keyA {
		t.Fatalf("key of a changed from %d to %d", keyA, snap[0].Key())
	}
	if snap[1].Key() == 0 || snap[1].Key() == keyA {
		t.Fatalf("unexpected key for b: %d", snap[1].Key())
	}
}

func TestRewritePreservesFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	t.Parallel()
	path := writeChannels(t, []Record{mustRecord(t, "a", 1, "m", 10)})
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(mustRecord(t, "b", 2, "m", 10)); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", fi.Mode().Perm())
	}
}
