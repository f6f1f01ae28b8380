package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"chainfeed.app/internal/config"
	"chainfeed.app/internal/persistence/snapshot"
	"chainfeed.app/internal/session"
)

var errSnapshotsDisabled = errors.New("snapshots.dir is not configured")

// snapshotter writes the published ledger to the snapshot directory and prunes old files.
type snapshotter struct {
	dir  string
	keep int
	sess *session.Session
	log  *log.Logger

	mu       sync.Mutex
	lastTail string
	lastPend int
}

func newSnapshotter(c config.SnapshotsConfig, sess *session.Session, logger *log.Logger) *snapshotter {
	return &snapshotter{dir: c.Dir, keep: c.Keep, sess: sess, log: logger}
}

// Take writes a snapshot of the current ledger and returns its path.
func (s *snapshotter) Take() (string, error) {
	return s.TakeContext(context.Background())
}

func (s *snapshotter) TakeContext(ctx context.Context) (string, error) {
	if s.dir == "" {
		return "", errSnapshotsDisabled
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.sess.Current()
	path := snapshot.PathFor(s.dir, time.Now())
	h, err := snapshot.Write(path, l)
	if err != nil {
		return "", err
	}
	s.lastTail, s.lastPend = h.TailHash, h.Pending+h.Messages
	if n, err := snapshot.Prune(s.dir, s.keep); err != nil {
		s.log.Printf("prune snapshots: %v", err)
	} else if n > 0 {
		s.log.Printf("pruned %d old snapshots", n)
	}
	return path, nil
}

// changed reports whether the ledger moved since the last snapshot.
func (s *snapshotter) changed() bool {
	l := s.sess.Current()
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.TailHash() != s.lastTail || len(l.Pending())+len(l.Messages()) != s.lastPend
}

// Loop takes a snapshot every interval while the ledger keeps changing.
func (s *snapshotter) Loop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !s.changed() {
				continue
			}
			path, err := s.TakeContext(ctx)
			if err != nil {
				s.log.Printf("snapshot write: %v", err)
				continue
			}
			s.log.Printf("snapshot %s", path)
		}
	}
}
