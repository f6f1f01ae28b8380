package main

import (
	"strings"
	"testing"

	persistlog "chainfeed.app/internal/persistence/log"
)

func newReplayer() *replayer {
	return &replayer{kinds: map[string]int{}, posts: map[string]int{}}
}

func TestReplayer_AcceptsConsistentLog(t *testing.T) {
	r := newReplayer()
	events := []persistlog.Event{
		{Time: 1, Kind: "post", Actor: "alice", Height: 1, Pending: 1, TailHash: "g"},
		{Time: 2, Kind: "message", Actor: "bob", Height: 1, Pending: 1, Messages: 1, TailHash: "g"},
		{Time: 3, Kind: "mined", Actor: "alice", Height: 2, Messages: 1, TailHash: "0abc", Blocks: 1, Attempts: 40},
		{Time: 4, Kind: "loaded", Height: 5, TailHash: "0fff"},
	}
	for _, ev := range events {
		if err := r.apply(ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if !r.sawTail("0abc") || r.sawTail("nope") {
		t.Fatalf("tail tracking wrong")
	}
	out := r.summary()
	for _, want := range []string{"4 events", "final height=5", "mined blocks=1 attempts=40", "posts by alice: 1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestReplayer_RejectsHeightJump(t *testing.T) {
	r := newReplayer()
	_ = r.apply(persistlog.Event{Kind: "post", Actor: "alice", Height: 1})
	if err := r.apply(persistlog.Event{Kind: "post", Actor: "bob", Height: 3}); err == nil {
		t.Fatalf("expected error for height change without mining")
	}

	r = newReplayer()
	_ = r.apply(persistlog.Event{Kind: "post", Actor: "alice", Height: 1})
	if err := r.apply(persistlog.Event{Kind: "mined", Actor: "alice", Height: 4, Blocks: 1}); err == nil {
		t.Fatalf("expected error for mined height not matching block count")
	}
}
