package log

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"chainfeed.app/internal/session"
)

// JSONLZstdWriter appends JSON lines to an hourly zstd file under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Event is one line of the ledger event log.
type Event struct {
	Time     int64  `json:"time_ms"`
	Kind     string `json:"kind"`
	Actor    string `json:"actor,omitempty"`
	Height   int    `json:"height"`
	Pending  int    `json:"pending"`
	Messages int    `json:"messages"`
	TailHash string `json:"tail_hash"`

	Blocks     int    `json:"blocks,omitempty"`
	Attempts   uint64 `json:"attempts,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

func EventFromChange(c session.Change) Event {
	ev := Event{
		Time:  c.At.UnixMilli(),
		Kind:  string(c.Kind),
		Actor: c.Actor,
	}
	if l := c.Ledger; l != nil {
		ev.Height = l.Height()
		ev.Pending = len(l.Pending())
		ev.Messages = len(l.Messages())
		ev.TailHash = l.TailHash()
	}
	if r := c.Report; r != nil {
		ev.Blocks = r.Blocks
		ev.Attempts = r.Attempts
		ev.DurationMS = r.Duration.Milliseconds()
	}
	return ev
}

// EventLogger writes one JSONL entry per published ledger change (compressed).
type EventLogger struct{ w *JSONLZstdWriter }

func NewEventLogger(dir string) *EventLogger {
	return &EventLogger{w: NewJSONLZstdWriter(dir, "events")}
}

func (l *EventLogger) WriteChange(c session.Change) error { return l.w.Write(EventFromChange(c)) }
func (l *EventLogger) Close() error                       { return l.w.Close() }

// Run writes changes until ctx is done or the channel is closed. Write errors are
// passed to onErr and do not stop the loop.
func (l *EventLogger) Run(ctx context.Context, changes <-chan session.Change, onErr func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if err := l.WriteChange(c); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

// ListEventFiles returns the event log files in dir in chronological order.
func ListEventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadEvents calls fn for every event in the file, in order. A non-nil error from fn
// stops the scan and is returned.
func ReadEvents(path string, fn func(Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return sc.Err()
}
