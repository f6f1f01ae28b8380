package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"chainfeed.app/internal/ledger"
)

const (
	Version = 1
	Ext     = ".ledger.zst"
)

// Header is written as the first JSON line of a snapshot so tools can list snapshots
// without decoding the ledger.
type Header struct {
	Version    int    `json:"version"`
	Height     int    `json:"height"`
	Pending    int    `json:"pending"`
	Messages   int    `json:"messages"`
	TailHash   string `json:"tail_hash"`
	HashScheme string `json:"hash_scheme"`
	WrittenAt  int64  `json:"written_at_ms"`
}

func HeaderOf(l *ledger.Ledger, at time.Time) Header {
	return Header{
		Version:    Version,
		Height:     l.Height(),
		Pending:    len(l.Pending()),
		Messages:   len(l.Messages()),
		TailHash:   l.TailHash(),
		HashScheme: string(l.Scheme()),
		WrittenAt:  at.UnixMilli(),
	}
}

// PathFor names a snapshot by the millisecond it was written.
func PathFor(dir string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", at.UnixMilli(), Ext))
}

// Write stores a zstd stream holding the header line followed by the serialized ledger.
// The file is written under a temporary name and renamed into place.
func Write(path string, l *ledger.Ledger) (Header, error) {
	h := HeaderOf(l, time.Now())
	body, err := ledger.Marshal(l)
	if err != nil {
		return h, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return h, err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return h, err
	}
	if err := encode(f, h, body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return h, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return h, err
	}
	return h, os.Rename(tmp, path)
}

func encode(w io.Writer, h Header, body []byte) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(h)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

// Read decodes a snapshot file. The ledger is decoded with opts; its integrity is not
// checked.
func Read(path string, opts ledger.Options) (Header, *ledger.Ledger, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()
	return Decode(f, opts)
}

// Decode reads a snapshot stream as written by Write.
func Decode(r io.Reader, opts ledger.Options) (Header, *ledger.Ledger, error) {
	var h Header
	dec, err := zstd.NewReader(r)
	if err != nil {
		return h, nil, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, nil, fmt.Errorf("read snapshot header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, nil, fmt.Errorf("decode snapshot header: %w", err)
	}
	if h.Version != Version {
		return h, nil, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return h, nil, fmt.Errorf("read snapshot body: %w", err)
	}
	l, err := ledger.Unmarshal(body, opts)
	if err != nil {
		return h, nil, err
	}
	return h, l, nil
}

// List returns snapshot paths in dir, oldest first.
func List(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type item struct {
		ms   int64
		path string
	}
	var items []item
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, Ext) {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSuffix(name, Ext), 10, 64)
		if err != nil {
			continue
		}
		items = append(items, item{ms: ms, path: filepath.Join(dir, name)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ms < items[j].ms })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.path
	}
	return out, nil
}

// Latest returns the newest snapshot in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	paths, err := List(dir)
	if err != nil || len(paths) == 0 {
		return "", err
	}
	return paths[len(paths)-1], nil
}

// Prune removes all but the newest keep snapshots. keep <= 0 keeps everything.
func Prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	paths, err := List(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(paths) > keep {
		if err := os.Remove(paths[0]); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		paths = paths[1:]
		removed++
	}
	return removed, nil
}
