package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"chainfeed.app/internal/ledger"
	"chainfeed.app/internal/persistence/snapshot"
	"chainfeed.app/internal/protocol"
	"chainfeed.app/internal/session"
	"chainfeed.app/internal/transport/ws"
)

type server struct {
	sess  *session.Session
	ws    *ws.Server
	snaps *snapshotter
	log   *log.Logger
	admin bool
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", s.handleMetrics)
	if s.admin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", s.handleState)
		mux.HandleFunc("/admin/v1/snapshot", s.handleSnapshot)
		mux.HandleFunc("/admin/v1/reload", s.handleReload)
		mux.HandleFunc("/admin/v1/import", s.handleImport)
	}
	mux.HandleFunc("/v1/ws", s.ws.Handler())
	return mux
}

func (s *server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	st := s.sess.Stats()

	// Minimal Prometheus exposition format.
	gauge(rw, "chainfeed_ledger_height", "Blocks in the chain, genesis included.", st.Height)
	gauge(rw, "chainfeed_ledger_pending", "Posts waiting to be mined.", st.Pending)
	gauge(rw, "chainfeed_ledger_messages", "Direct messages in the log.", st.Messages)
	gauge(rw, "chainfeed_ledger_difficulty", "Leading zero hex digits required of mined hashes.", st.Difficulty)
	gauge(rw, "chainfeed_ledger_valid", "1 when the chain passes verification.", boolInt(st.Valid))
	gauge(rw, "chainfeed_mining_in_progress", "1 while a mining pass runs.", boolInt(st.Mining))
	gauge(rw, "chainfeed_last_mine_blocks", "Blocks appended by the last mining pass.", st.LastMineBlocks)
	gauge(rw, "chainfeed_last_mine_attempts", "Nonces tried by the last mining pass.", st.LastMineAttempts)

	fmt.Fprintf(rw, "# HELP chainfeed_last_mine_ms Duration of the last mining pass in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE chainfeed_last_mine_ms gauge\n")
	fmt.Fprintf(rw, "chainfeed_last_mine_ms %.3f\n", float64(st.LastMineDuration.Microseconds())/1000)

	counter(rw, "chainfeed_mine_passes_total", "Completed mining passes.", st.MinePasses)
	counter(rw, "chainfeed_persist_errors_total", "Failed writes of the ledger to the store.", st.PersistErrors)
	gauge(rw, "chainfeed_ws_clients", "Connected websocket clients.", s.ws.Clients())
}

func gauge[T int | uint64](rw http.ResponseWriter, name, help string, v T) {
	fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
	fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
	fmt.Fprintf(rw, "%s %d\n", name, v)
}

func counter(rw http.ResponseWriter, name, help string, v uint64) {
	fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
	fmt.Fprintf(rw, "# TYPE %s counter\n", name)
	fmt.Fprintf(rw, "%s %d\n", name, v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type stateResponse struct {
	Info        protocol.InfoMsg `json:"info"`
	VerifyError string           `json:"verify_error,omitempty"`
	Username    string           `json:"username,omitempty"`
	Clients     int              `json:"clients"`
	MinePasses  uint64           `json:"mine_passes"`
}

func (s *server) handleState(rw http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	l := s.sess.Current()
	resp := stateResponse{
		Info:       protocol.Info(l, s.sess.Mining()),
		Username:   s.sess.Username(),
		Clients:    s.ws.Clients(),
		MinePasses: s.sess.Stats().MinePasses,
	}
	if err := l.Verify(); err != nil {
		resp.VerifyError = err.Error()
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

func (s *server) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	if !adminPost(rw, r) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	path, err := s.snaps.TakeContext(ctx)
	rw.Header().Set("Content-Type", "application/json")
	if err != nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "path": path, "height": s.sess.Current().Height()})
}

// adminPost checks method and origin for the mutating admin endpoints.
func adminPost(rw http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func writeResult(rw http.ResponseWriter, status int, v map[string]any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// statusFor maps a reload or import failure to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrMiningInFlight):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrMalformedLedger), errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleReload picks up a ledger written to the store by another process.
func (s *server) handleReload(rw http.ResponseWriter, r *http.Request) {
	if !adminPost(rw, r) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.sess.Reload(ctx); err != nil {
		s.log.Printf("admin reload: %v", err)
		writeResult(rw, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	l := s.sess.Current()
	s.log.Printf("admin reload: height=%d tail=%s", l.Height(), l.TailHash())
	writeResult(rw, http.StatusOK, map[string]any{"ok": true, "height": l.Height(), "tail_hash": l.TailHash()})
}

// handleImport replaces the ledger with the snapshot in the request body. A snapshot
// that fails verification is refused unless force=1.
func (s *server) handleImport(rw http.ResponseWriter, r *http.Request) {
	if !adminPost(rw, r) {
		return
	}
	_, l, err := snapshot.Decode(http.MaxBytesReader(rw, r.Body, 64<<20), ledger.Options{})
	if err != nil {
		writeResult(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "decode snapshot: " + err.Error()})
		return
	}
	if verr := l.Verify(); verr != nil && r.URL.Query().Get("force") != "1" {
		writeResult(rw, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": "snapshot fails verification: " + verr.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	backup, err := s.sess.Import(ctx, l, "admin")
	if err != nil {
		s.log.Printf("admin import: %v", err)
		writeResult(rw, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeResult(rw, http.StatusOK, map[string]any{"ok": true, "height": l.Height(), "tail_hash": l.TailHash(), "backup": backup})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
