package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"chainfeed.app/internal/ledger"
	persistlog "chainfeed.app/internal/persistence/log"
	"chainfeed.app/internal/persistence/snapshot"
)

func main() {
	var (
		eventsDir = flag.String("events", "./data/events", "events dir containing events-*.jsonl.zst")
		snapPath  = flag.String("snapshot", "", "snapshot whose tail hash must appear in the event log (optional)")
	)
	flag.Parse()

	files, err := persistlog.ListEventFiles(*eventsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", *eventsDir)
		os.Exit(1)
	}

	r := &replayer{kinds: map[string]int{}, posts: map[string]int{}}
	for _, path := range files {
		if err := persistlog.ReadEvents(path, r.apply); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}

	if *snapPath != "" {
		h, _, err := snapshot.Read(*snapPath, ledger.Options{})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		if !r.sawTail(h.TailHash) && h.Height > 1 {
			fmt.Fprintf(os.Stderr, "snapshot tail %s (height %d) never appears in the event log\n", h.TailHash, h.Height)
			os.Exit(1)
		}
		fmt.Printf("snapshot height=%d tail=%s found in log\n", h.Height, h.TailHash)
	}

	fmt.Print(r.summary())
}

// replayer walks the event log and checks that the chain height only moves by mining.
type replayer struct {
	n      int
	last   persistlog.Event
	first  int64
	kinds  map[string]int
	posts  map[string]int
	blocks int
	tries  uint64
	tails  map[string]struct{}
}

func (r *replayer) apply(ev persistlog.Event) error {
	if r.n > 0 && ev.Kind != "loaded" {
		want := r.last.Height
		if ev.Kind == "mined" {
			want += ev.Blocks
		}
		if ev.Height != want {
			return fmt.Errorf("event %d (%s by %s): height %d, want %d", r.n+1, ev.Kind, ev.Actor, ev.Height, want)
		}
	}
	if r.n == 0 {
		r.first = ev.Time
	}
	r.n++
	r.last = ev
	r.kinds[ev.Kind]++
	switch ev.Kind {
	case "post":
		r.posts[ev.Actor]++
	case "mined":
		r.blocks += ev.Blocks
		r.tries += ev.Attempts
	}
	if r.tails == nil {
		r.tails = map[string]struct{}{}
	}
	r.tails[ev.TailHash] = struct{}{}
	return nil
}

func (r *replayer) sawTail(hash string) bool {
	_, ok := r.tails[hash]
	return ok
}

func (r *replayer) summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "replay ok: %d events from %s to %s\n", r.n,
		time.UnixMilli(r.first).UTC().Format(time.RFC3339), time.UnixMilli(r.last.Time).UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "final height=%d pending=%d messages=%d tail=%s\n", r.last.Height, r.last.Pending, r.last.Messages, r.last.TailHash)
	fmt.Fprintf(&b, "mined blocks=%d attempts=%d\n", r.blocks, r.tries)

	kinds := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "  %-8s %d\n", k, r.kinds[k])
	}

	authors := make([]string, 0, len(r.posts))
	for a := range r.posts {
		authors = append(authors, a)
	}
	sort.Strings(authors)
	for _, a := range authors {
		fmt.Fprintf(&b, "  posts by %s: %d\n", a, r.posts[a])
	}
	return b.String()
}
