package log

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"chainfeed.app/internal/ledger"
	"chainfeed.app/internal/session"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	var out []Event
	if err := ReadEvents(path, func(ev Event) error {
		out = append(out, ev)
		return nil
	}); err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	return out
}

func TestEventLogger_WritesChanges(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	el := NewEventLogger(dir)
	el.w.now = func() time.Time { return at }

	l := ledger.New(ledger.Options{Difficulty: 1})
	l, err := l.CreatePost("hello", "alice")
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if err := el.WriteChange(session.Change{Kind: session.ChangePost, Actor: "alice", At: at, Ledger: l}); err != nil {
		t.Fatalf("WriteChange: %v", err)
	}
	mined, rep, err := l.MinePendingPosts(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if err := el.WriteChange(session.Change{Kind: session.ChangeMined, Actor: "alice", At: at, Ledger: mined, Report: &rep}); err != nil {
		t.Fatalf("WriteChange: %v", err)
	}
	if err := el.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	evs := readEvents(t, filepath.Join(dir, "events-2026-03-01-10.jsonl.zst"))
	if len(evs) != 2 {
		t.Fatalf("events=%d want 2", len(evs))
	}
	if evs[0].Kind != "post" || evs[0].Pending != 1 || evs[0].Height != 1 || evs[0].Time != at.UnixMilli() {
		t.Fatalf("post event=%+v", evs[0])
	}
	if evs[1].Kind != "mined" || evs[1].Blocks != 1 || evs[1].Height != 2 || evs[1].TailHash != mined.TailHash() {
		t.Fatalf("mined event=%+v", evs[1])
	}
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "x")
	at := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return at }

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	at = at.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, name := range []string{"x-2026-03-01-10.jsonl.zst", "x-2026-03-01-11.jsonl.zst"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestEventLogger_RunStopsOnClose(t *testing.T) {
	dir := t.TempDir()
	el := NewEventLogger(dir)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	el.w.now = func() time.Time { return at }

	ch := make(chan session.Change, 2)
	ch <- session.Change{Kind: session.ChangeMessage, Actor: "bob", At: at, Ledger: ledger.New(ledger.Options{})}
	close(ch)

	done := make(chan struct{})
	go func() {
		el.Run(context.Background(), ch, func(err error) { t.Errorf("write: %v", err) })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after the channel closed")
	}
	_ = el.Close()

	evs := readEvents(t, filepath.Join(dir, "events-2026-03-01-10.jsonl.zst"))
	if len(evs) != 1 || evs[0].Kind != "message" || evs[0].Actor != "bob" {
		t.Fatalf("events=%+v", evs)
	}
}

func TestListEventFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"events-2026-03-01-11.jsonl.zst", "events-2026-03-01-09.jsonl.zst", "audit-2026-03-01-09.jsonl.zst", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	got, err := ListEventFiles(dir)
	if err != nil {
		t.Fatalf("ListEventFiles: %v", err)
	}
	want := []string{
		filepath.Join(dir, "events-2026-03-01-09.jsonl.zst"),
		filepath.Join(dir, "events-2026-03-01-11.jsonl.zst"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("files=%v", got)
	}
}
