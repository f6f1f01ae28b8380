package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewBlock_HashMatchesFields(t *testing.T) {
	b := NewBlock(SchemeFold32, "p1", 1700000000000, "hello", "alice", "")
	if b.Nonce != 0 {
		t.Fatalf("nonce=%d want 0", b.Nonce)
	}
	want := SchemeFold32.Sum("p1", int64(1700000000000), "hello", "alice", "", uint64(0))
	if b.Hash != want {
		t.Fatalf("hash=%s want %s", b.Hash, want)
	}

	b.Content = "edited"
	if b.HasValidHash(SchemeFold32) {
		t.Fatalf("expected stale hash after edit")
	}
	b.RecomputeHash(SchemeFold32)
	if !b.HasValidHash(SchemeFold32) {
		t.Fatalf("expected valid hash after recompute")
	}
}

func TestBlockMine_MeetsDifficulty(t *testing.T) {
	for _, d := range []int{0, 1, 2, 3} {
		b := NewBlock(SchemeFold32, "p1", 1700000000000, "hello", "alice", "prev")
		if _, err := b.Mine(context.Background(), SchemeFold32, d, 0); err != nil {
			t.Fatalf("mine d=%d: %v", d, err)
		}
		if !strings.HasPrefix(b.Hash, strings.Repeat("0", d)) {
			t.Fatalf("d=%d hash=%s", d, b.Hash)
		}
		if !b.HasValidHash(SchemeFold32) {
			t.Fatalf("d=%d: mined block carries a stale hash", d)
		}
	}
}

func TestBlockMine_UnreachableDifficulty(t *testing.T) {
	b := NewBlock(SchemeFold32Signed, "p1", 1700000000000, "hello", "alice", "prev")
	_, err := b.Mine(context.Background(), SchemeFold32Signed, 2, 0)
	if !errors.Is(err, ErrMiningExhausted) {
		t.Fatalf("err=%v want ErrMiningExhausted", err)
	}
	if b.Nonce != 0 {
		t.Fatalf("nonce moved to %d for an unreachable target", b.Nonce)
	}

	b2 := NewBlock(SchemeFold32, "p1", 1700000000000, "hello", "alice", "prev")
	if _, err := b2.Mine(context.Background(), SchemeFold32, 9, 0); !errors.Is(err, ErrMiningExhausted) {
		t.Fatalf("err=%v want ErrMiningExhausted", err)
	}
}

func TestBlockMine_IterationCap(t *testing.T) {
	b := NewBlock(SchemeFold32, "p1", 1700000000000, "hello", "alice", "prev")
	n, err := b.Mine(context.Background(), SchemeFold32, 8, 10)
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err=%v want *ExhaustedError", err)
	}
	if n != 10 || ex.Attempts != 10 || b.Nonce != 10 {
		t.Fatalf("attempts=%d reported=%d nonce=%d want 10", n, ex.Attempts, b.Nonce)
	}
}

func TestBlockMine_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBlock(SchemeFold32, "p1", 1700000000000, "hello", "alice", "prev")
	if _, err := b.Mine(ctx, SchemeFold32, 8, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}
