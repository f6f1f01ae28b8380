// Package session owns the current ledger of one process. Transitions build a new
// ledger value and publish it exactly once; readers load the published value without
// locking. The published ledger is mirrored to a key-value store after every change.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chainfeed.app/internal/ledger"
	"chainfeed.app/internal/persistence/kv"
)

const (
	DefaultLedgerKey = "blockchain"
	DefaultUserKey   = "username"
)

var ErrMiningInFlight = errors.New("mining already in progress")

type Config struct {
	LedgerKey string
	UserKey   string
	Ledger    ledger.Options
	Logger    *log.Logger
}

type ChangeKind string

const (
	ChangeLoaded  ChangeKind = "loaded"
	ChangePost    ChangeKind = "post"
	ChangeMined   ChangeKind = "mined"
	ChangeMessage ChangeKind = "message"
)

// Change is delivered to subscribers after a ledger has been published.
type Change struct {
	Kind   ChangeKind
	Actor  string
	At     time.Time
	Ledger *ledger.Ledger
	Report *ledger.MineReport
}

type Stats struct {
	Height           int
	Pending          int
	Messages         int
	Difficulty       int
	Valid            bool
	Mining           bool
	MinePasses       uint64
	LastMineBlocks   int
	LastMineAttempts uint64
	LastMineDuration time.Duration
	PersistErrors    uint64
}

type Session struct {
	store kv.Store
	cfg   Config
	log   *log.Logger

	mu  sync.Mutex
	cur atomic.Pointer[ledger.Ledger]

	userMu   sync.RWMutex
	username string

	mining        atomic.Bool
	minePasses    atomic.Uint64
	persistErrors atomic.Uint64
	lastMine      atomic.Pointer[ledger.MineReport]

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan Change
}

// Open restores the session from store. A missing ledger starts fresh. A ledger that
// cannot be decoded is copied aside under "<key>.corrupt.<unix>" and a fresh ledger is
// used, so the stored data is never silently overwritten.
func Open(ctx context.Context, store kv.Store, cfg Config) (*Session, error) {
	if cfg.LedgerKey == "" {
		cfg.LedgerKey = DefaultLedgerKey
	}
	if cfg.UserKey == "" {
		cfg.UserKey = DefaultUserKey
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Ledger.Logger == nil {
		cfg.Ledger.Logger = cfg.Logger
	}
	s := &Session{
		store: store,
		cfg:   cfg,
		log:   cfg.Logger,
		subs:  map[int]chan Change{},
	}

	l, err := s.loadLedger(ctx)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		l = ledger.New(cfg.Ledger)
		s.log.Printf("no stored ledger under %q; starting fresh (difficulty=%d scheme=%s)", cfg.LedgerKey, l.Difficulty(), l.Scheme())
	case errors.Is(err, ledger.ErrMalformedLedger):
		s.log.Printf("stored ledger is malformed: %v", err)
		if qerr := s.quarantine(ctx); qerr != nil {
			return nil, fmt.Errorf("quarantine malformed ledger: %w", qerr)
		}
		l = ledger.New(cfg.Ledger)
	case err != nil:
		return nil, err
	default:
		if verr := l.Verify(); verr != nil {
			s.log.Printf("stored ledger loaded but fails verification: %v", verr)
		}
		s.log.Printf("loaded ledger height=%d pending=%d messages=%d", l.Height(), len(l.Pending()), len(l.Messages()))
		s.warnIfUnmineable(l)
	}
	s.cur.Store(l)

	if b, err := store.Get(ctx, cfg.UserKey); err == nil {
		s.username = string(b)
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}
	return s, nil
}

func (s *Session) loadLedger(ctx context.Context) (*ledger.Ledger, error) {
	b, err := s.store.Get(ctx, s.cfg.LedgerKey)
	if err != nil {
		return nil, err
	}
	return ledger.Unmarshal(b, s.cfg.Ledger)
}

func (s *Session) quarantine(ctx context.Context) error {
	b, err := s.store.Get(ctx, s.cfg.LedgerKey)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s.corrupt.%d", s.cfg.LedgerKey, time.Now().Unix())
	if err := s.store.Set(ctx, key, b); err != nil {
		return err
	}
	s.log.Printf("malformed ledger copied to %q", key)
	return nil
}

// Reload replaces the current ledger with the stored one, picking up a value written
// to the store by another process. It fails with ErrMiningInFlight while a pass runs,
// since the pass would publish on top of the replaced ledger. On any error the current
// ledger is kept.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mining.Load() {
		return ErrMiningInFlight
	}
	l, err := s.loadLedger(ctx)
	if err != nil {
		return err
	}
	s.warnIfUnmineable(l)
	s.cur.Store(l)
	s.notify(Change{Kind: ChangeLoaded, At: time.Now(), Ledger: l})
	return nil
}

// Import publishes l in place of the current ledger. The stored value it replaces, if
// any, is kept under "<key>.before-import.<unix>", whose name is returned. Like Reload
// it fails with ErrMiningInFlight while a pass runs.
func (s *Session) Import(ctx context.Context, l *ledger.Ledger, actor string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mining.Load() {
		return "", ErrMiningInFlight
	}
	var backup string
	prev, err := s.store.Get(ctx, s.cfg.LedgerKey)
	switch {
	case err == nil:
		backup = fmt.Sprintf("%s.before-import.%d", s.cfg.LedgerKey, time.Now().Unix())
		if err := s.store.Set(ctx, backup, prev); err != nil {
			return "", err
		}
	case !errors.Is(err, kv.ErrNotFound):
		return "", err
	}
	b, err := ledger.Marshal(l)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, s.cfg.LedgerKey, b); err != nil {
		return "", err
	}
	s.warnIfUnmineable(l)
	s.cur.Store(l)
	s.notify(Change{Kind: ChangeLoaded, Actor: actor, At: time.Now(), Ledger: l})
	s.log.Printf("imported ledger height=%d tail=%s (previous kept as %q)", l.Height(), l.TailHash(), backup)
	return backup, nil
}

// warnIfUnmineable flags ledgers whose stored difficulty their hash scheme can never
// meet. They load and verify, but every mining pass fails with ErrMiningExhausted.
func (s *Session) warnIfUnmineable(l *ledger.Ledger) {
	if limit := l.Scheme().MaxDifficulty(); l.Difficulty() > limit {
		s.log.Printf("WARNING: ledger difficulty %d exceeds the %s maximum of %d; pending posts cannot be mined", l.Difficulty(), l.Scheme(), limit)
	}
}

// Current returns the published ledger. The value must be treated as read-only.
func (s *Session) Current() *ledger.Ledger {
	return s.cur.Load()
}

func (s *Session) Username() string {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.username
}

func (s *Session) SetUsername(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ledger.InputError{Op: "set username", Field: "username"}
	}
	if err := s.store.Set(ctx, s.cfg.UserKey, []byte(name)); err != nil {
		return err
	}
	s.userMu.Lock()
	s.username = name
	s.userMu.Unlock()
	return nil
}

func (s *Session) AddPost(ctx context.Context, author, content string) (*ledger.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.cur.Load().CreatePost(content, author)
	if err != nil {
		return nil, err
	}
	s.publishLocked(ctx, Change{Kind: ChangePost, Actor: author, Ledger: next})
	return next, nil
}

func (s *Session) SendMessage(ctx context.Context, sender, recipient, content string) (*ledger.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.cur.Load().SendMessage(sender, recipient, content)
	if err != nil {
		return nil, err
	}
	s.publishLocked(ctx, Change{Kind: ChangeMessage, Actor: sender, Ledger: next})
	return next, nil
}

// Mine runs one mining pass over the pending posts. Only one pass may be in flight;
// a second caller gets ErrMiningInFlight. Posts and messages published while the pass
// runs are carried over onto the mined ledger.
func (s *Session) Mine(ctx context.Context, miner string) (ledger.MineReport, error) {
	if !s.mining.CompareAndSwap(false, true) {
		return ledger.MineReport{}, ErrMiningInFlight
	}
	defer s.mining.Store(false)
	return s.mine(ctx, miner)
}

type MineResult struct {
	Report ledger.MineReport
	Err    error
}

// MineAsync claims the mining slot and runs the pass in its own goroutine. The
// returned channel receives exactly one result.
func (s *Session) MineAsync(ctx context.Context, miner string) (<-chan MineResult, error) {
	if !s.mining.CompareAndSwap(false, true) {
		return nil, ErrMiningInFlight
	}
	out := make(chan MineResult, 1)
	go func() {
		defer s.mining.Store(false)
		rep, err := s.mine(ctx, miner)
		out <- MineResult{Report: rep, Err: err}
	}()
	return out, nil
}

func (s *Session) mine(ctx context.Context, miner string) (ledger.MineReport, error) {
	// Read under the write lock: a Reload or Import that got past its mining check
	// has finished by the time base is taken.
	s.mu.Lock()
	base := s.cur.Load()
	s.mu.Unlock()
	mined, rep, err := base.MinePendingPosts(ctx, miner)
	if err != nil {
		s.log.Printf("mining pass by %s failed: %v", miner, err)
		return rep, err
	}
	if mined == base {
		return rep, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := mined.Rebase(base, s.cur.Load())
	s.minePasses.Add(1)
	s.lastMine.Store(&rep)
	s.publishLocked(ctx, Change{Kind: ChangeMined, Actor: miner, Ledger: next, Report: &rep})
	return rep, nil
}

func (s *Session) Mining() bool {
	return s.mining.Load()
}

// publishLocked stores next as current, mirrors it to the store and notifies
// subscribers. A failed store write is logged; the in-memory ledger still advances.
func (s *Session) publishLocked(ctx context.Context, c Change) {
	s.cur.Store(c.Ledger)
	if c.At.IsZero() {
		c.At = time.Now()
	}
	if err := s.persist(ctx, c.Ledger); err != nil {
		s.persistErrors.Add(1)
		s.log.Printf("persist ledger after %s: %v", c.Kind, err)
	}
	s.notify(c)
}

func (s *Session) persist(ctx context.Context, l *ledger.Ledger) error {
	b, err := ledger.Marshal(l)
	if err != nil {
		return err
	}
	return s.store.Set(context.WithoutCancel(ctx), s.cfg.LedgerKey, b)
}

// Subscribe returns a channel of published changes. Slow subscribers miss changes
// rather than block publication. The returned func unsubscribes.
func (s *Session) Subscribe(buf int) (<-chan Change, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Change, buf)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Session) notify(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (s *Session) Stats() Stats {
	l := s.cur.Load()
	st := Stats{
		Height:        l.Height(),
		Pending:       len(l.Pending()),
		Messages:      len(l.Messages()),
		Difficulty:    l.Difficulty(),
		Valid:         l.IsChainValid(),
		Mining:        s.mining.Load(),
		MinePasses:    s.minePasses.Load(),
		PersistErrors: s.persistErrors.Load(),
	}
	if rep := s.lastMine.Load(); rep != nil {
		st.LastMineBlocks = rep.Blocks
		st.LastMineAttempts = rep.Attempts
		st.LastMineDuration = rep.Duration
	}
	return st
}
