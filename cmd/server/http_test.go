package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chainfeed.app/internal/config"
	"chainfeed.app/internal/ledger"
	"chainfeed.app/internal/persistence/kv"
	"chainfeed.app/internal/persistence/snapshot"
	"chainfeed.app/internal/session"
	"chainfeed.app/internal/transport/ws"
)

func newTestServer(t *testing.T, snapDir string) *server {
	t.Helper()
	return newTestServerOn(t, snapDir, kv.NewMemory(), 1)
}

func newTestServerOn(t *testing.T, snapDir string, store kv.Store, difficulty int) *server {
	t.Helper()
	sess, err := session.Open(context.Background(), store, session.Config{Ledger: ledger.Options{Difficulty: difficulty}})
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	wsSrv := ws.NewServer(sess, logger, 8)
	t.Cleanup(wsSrv.Close)
	return &server{
		sess:  sess,
		ws:    wsSrv,
		snaps: newSnapshotter(config.SnapshotsConfig{Dir: snapDir, Keep: 2}, sess, logger),
		log:   logger,
		admin: true,
	}
}

func get(t *testing.T, h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()
	if _, err := s.sess.AddPost(ctx, "alice", "hello"); err != nil {
		t.Fatalf("AddPost: %v", err)
	}
	if _, err := s.sess.Mine(ctx, "alice"); err != nil {
		t.Fatalf("Mine: %v", err)
	}

	rec := get(t, s.routes(), http.MethodGet, "/metrics", "127.0.0.1:1234")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"chainfeed_ledger_height 2\n",
		"chainfeed_ledger_pending 0\n",
		"chainfeed_ledger_valid 1\n",
		"chainfeed_mine_passes_total 1\n",
		"# TYPE chainfeed_persist_errors_total counter\n",
		"chainfeed_ws_clients 0\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestAdminState_LoopbackOnly(t *testing.T) {
	s := newTestServer(t, "")
	h := s.routes()

	if rec := get(t, h, http.MethodGet, "/admin/v1/state", "10.1.2.3:5555"); rec.Code != http.StatusForbidden {
		t.Fatalf("remote status=%d want 403", rec.Code)
	}

	rec := get(t, h, http.MethodGet, "/admin/v1/state", "[::1]:5555")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Info.Height != 1 || !resp.Info.Valid || resp.VerifyError != "" {
		t.Fatalf("state=%+v", resp)
	}
}

func TestAdminSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := newTestServer(t, dir)
	h := s.routes()

	if rec := get(t, h, http.MethodGet, "/admin/v1/snapshot", "127.0.0.1:1"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d", rec.Code)
	}
	rec := get(t, h, http.MethodPost, "/admin/v1/snapshot", "127.0.0.1:1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	latest, err := snapshot.Latest(dir)
	if err != nil || latest == "" {
		t.Fatalf("no snapshot written: %v", err)
	}
	_, l, err := snapshot.Read(latest, ledger.Options{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if l.TailHash() != s.sess.Current().TailHash() {
		t.Fatalf("snapshot does not match the current ledger")
	}
}

func TestAdminSnapshot_Disabled(t *testing.T) {
	s := newTestServer(t, "")
	rec := get(t, s.routes(), http.MethodPost, "/admin/v1/snapshot", "127.0.0.1:1")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", rec.Code)
	}
}

func post(t *testing.T, h http.Handler, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func importedLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(ledger.Options{Difficulty: 1})
	l, err := l.CreatePost("imported", "carol")
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	l, _, err = l.MinePendingPosts(context.Background(), "carol")
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	return l
}

func snapshotBytes(t *testing.T, l *ledger.Ledger) []byte {
	t.Helper()
	path := snapshot.PathFor(t.TempDir(), time.UnixMilli(1))
	if _, err := snapshot.Write(path, l); err != nil {
		t.Fatalf("Write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return b
}

func TestAdminReload(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	s := newTestServerOn(t, "", store, 1)
	h := s.routes()

	other := importedLedger(t)
	b, err := ledger.Marshal(other)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	_ = store.Set(ctx, session.DefaultLedgerKey, b)

	if rec := get(t, h, http.MethodPost, "/admin/v1/reload", "10.0.0.1:1"); rec.Code != http.StatusForbidden {
		t.Fatalf("remote status=%d want 403", rec.Code)
	}
	if rec := get(t, h, http.MethodGet, "/admin/v1/reload", "127.0.0.1:1"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d want 405", rec.Code)
	}
	rec := post(t, h, "/admin/v1/reload", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if s.sess.Current().TailHash() != other.TailHash() {
		t.Fatalf("stored ledger not loaded")
	}
}

func TestAdminReloadAndImport_RefusedWhileMining(t *testing.T) {
	ctx := context.Background()
	s := newTestServerOn(t, "", kv.NewMemory(), 8)
	h := s.routes()
	if _, err := s.sess.AddPost(ctx, "alice", "slow"); err != nil {
		t.Fatalf("AddPost: %v", err)
	}
	mctx, cancel := context.WithCancel(ctx)
	res, err := s.sess.MineAsync(mctx, "alice")
	if err != nil {
		t.Fatalf("MineAsync: %v", err)
	}
	defer func() {
		cancel()
		<-res
	}()

	if rec := post(t, h, "/admin/v1/reload", nil); rec.Code != http.StatusConflict {
		t.Fatalf("reload status=%d want 409", rec.Code)
	}
	if rec := post(t, h, "/admin/v1/import", snapshotBytes(t, importedLedger(t))); rec.Code != http.StatusConflict {
		t.Fatalf("import status=%d want 409", rec.Code)
	}
	if len(s.sess.Current().Pending()) != 1 {
		t.Fatalf("ledger replaced while mining")
	}
}

func TestAdminImport(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	s := newTestServerOn(t, "", store, 1)
	h := s.routes()
	if _, err := s.sess.AddPost(ctx, "alice", "before"); err != nil {
		t.Fatalf("AddPost: %v", err)
	}

	if rec := post(t, h, "/admin/v1/import", []byte("not a snapshot")); rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage status=%d want 400", rec.Code)
	}

	good := importedLedger(t)
	raw, _ := ledger.Marshal(good)
	tampered, err := ledger.Unmarshal([]byte(strings.Replace(string(raw), `"content":"imported"`, `"content":"edited"`, 1)), ledger.Options{})
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec := post(t, h, "/admin/v1/import", snapshotBytes(t, tampered)); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("tampered status=%d want 422", rec.Code)
	}

	rec := post(t, h, "/admin/v1/import", snapshotBytes(t, good))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK     bool   `json:"ok"`
		Backup string `json:"backup"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp.OK || resp.Backup == "" {
		t.Fatalf("resp=%s err=%v", rec.Body.String(), err)
	}
	if s.sess.Current().TailHash() != good.TailHash() {
		t.Fatalf("imported ledger not published")
	}
	b, _ := store.Get(ctx, session.DefaultLedgerKey)
	if stored, err := ledger.Unmarshal(b, ledger.Options{}); err != nil || stored.TailHash() != good.TailHash() {
		t.Fatalf("import not persisted: %v", err)
	}

	if rec := post(t, h, "/admin/v1/import?force=1", snapshotBytes(t, tampered)); rec.Code != http.StatusOK {
		t.Fatalf("forced status=%d want 200", rec.Code)
	}
}

func TestAdminRoutesDisabled(t *testing.T) {
	s := newTestServer(t, "")
	s.admin = false
	if rec := get(t, s.routes(), http.MethodGet, "/admin/v1/state", "127.0.0.1:1"); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rec.Code)
	}
}

func TestSnapshotter_SkipsUnchanged(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	if !s.snaps.changed() {
		t.Fatalf("fresh snapshotter should see a change")
	}
	if _, err := s.snaps.Take(); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if s.snaps.changed() {
		t.Fatalf("no change expected right after a snapshot")
	}
	if _, err := s.sess.SendMessage(context.Background(), "alice", "bob", "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !s.snaps.changed() {
		t.Fatalf("message should count as a change")
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"::1":          true,
		"10.0.0.1:80":  false,
		"example:80":   false,
		"":             false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}
