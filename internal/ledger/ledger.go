package ledger

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultDifficulty = 2

	GenesisID      = "genesis"
	GenesisAuthor  = "System"
	GenesisContent = "Genesis Block"
	// GenesisPreviousHash is the sentinel previous link of the first block.
	GenesisPreviousHash = ""
)

type Options struct {
	Difficulty int
	Scheme     Scheme
	// MaxIterations caps the nonces tried per block. 0 means unbounded.
	MaxIterations uint64

	Now    func() time.Time
	NewID  func() string
	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.Difficulty < 0 {
		o.Difficulty = 0
	}
	if o.Scheme == "" {
		o.Scheme = SchemeFold32
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	return o
}

// DefaultOptions returns the options New uses when none are given.
func DefaultOptions() Options {
	return Options{Difficulty: DefaultDifficulty}.withDefaults()
}

// Ledger is an immutable value: every transition returns a new Ledger and leaves the
// receiver untouched, so a published Ledger can be read from any goroutine.
type Ledger struct {
	opts Options

	chain    []Block
	pending  []Block
	messages MessageLog
}

// New returns a ledger holding only the genesis block.
func New(opts Options) *Ledger {
	opts = opts.withDefaults()
	l := &Ledger{opts: opts}
	l.chain = []Block{l.createGenesisBlock()}
	return l
}

func (l *Ledger) createGenesisBlock() Block {
	return NewBlock(l.opts.Scheme, GenesisID, l.now(), GenesisContent, GenesisAuthor, GenesisPreviousHash)
}

func (l *Ledger) now() int64 {
	return l.opts.Now().UnixMilli()
}

func (l *Ledger) clone() *Ledger {
	return &Ledger{
		opts:     l.opts,
		chain:    append([]Block(nil), l.chain...),
		pending:  append([]Block(nil), l.pending...),
		messages: l.messages.clone(),
	}
}

// CreatePost queues a new unmined post. Its previous link stays empty until mining.
func (l *Ledger) CreatePost(content, author string) (*Ledger, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &InputError{Op: "create post", Field: "content"}
	}
	if strings.TrimSpace(author) == "" {
		return nil, &InputError{Op: "create post", Field: "author"}
	}
	next := l.clone()
	b := NewBlock(l.opts.Scheme, l.opts.NewID(), l.now(), content, author, "")
	next.pending = append(next.pending, b)
	return next, nil
}

// MineReport describes one mining pass.
type MineReport struct {
	Miner    string
	Blocks   int
	Attempts uint64
	Duration time.Duration
	TailHash string
}

// MinePendingPosts mines every pending post in queue order onto the chain tail and
// clears the queue. With nothing pending it returns the receiver itself.
// On error the receiver is unchanged and no new ledger is returned.
func (l *Ledger) MinePendingPosts(ctx context.Context, miner string) (*Ledger, MineReport, error) {
	rep := MineReport{Miner: miner}
	if len(l.pending) == 0 {
		rep.TailHash = l.tail().Hash
		return l, rep, nil
	}
	start := time.Now()
	next := l.clone()
	for _, b := range next.pending {
		b.PreviousHash = next.tail().Hash
		b.RecomputeHash(l.opts.Scheme)
		n, err := b.Mine(ctx, l.opts.Scheme, l.opts.Difficulty, l.opts.MaxIterations)
		rep.Attempts += n
		if err != nil {
			return nil, rep, fmt.Errorf("mine pending posts: %w", err)
		}
		l.opts.Logger.Printf("block mined: id=%s hash=%s nonce=%d", b.ID, b.Hash, b.Nonce)
		next.chain = append(next.chain, b)
		rep.Blocks++
	}
	next.pending = nil
	rep.Duration = time.Since(start)
	rep.TailHash = next.tail().Hash
	l.opts.Logger.Printf("mined %d block(s) for %s in %s (%d attempts)", rep.Blocks, miner, rep.Duration, rep.Attempts)
	return next, rep, nil
}

// SendMessage appends a direct message. Messages bypass mining.
func (l *Ledger) SendMessage(sender, recipient, content string) (*Ledger, error) {
	switch {
	case strings.TrimSpace(sender) == "":
		return nil, &InputError{Op: "send message", Field: "sender"}
	case strings.TrimSpace(recipient) == "":
		return nil, &InputError{Op: "send message", Field: "recipient"}
	case strings.TrimSpace(content) == "":
		return nil, &InputError{Op: "send message", Field: "content"}
	}
	next := l.clone()
	next.messages.append(Message{
		ID:        l.opts.NewID(),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: l.now(),
	})
	return next, nil
}

// Rebase carries writes published on current after base was taken over to l, which
// must have been mined from base. Pending posts still queued on current that were not
// in base, and messages appended after base, are kept.
func (l *Ledger) Rebase(base, current *Ledger) *Ledger {
	if current == base {
		return l
	}
	mined := make(map[string]struct{}, len(base.pending))
	for _, b := range base.pending {
		mined[b.ID] = struct{}{}
	}
	next := l.clone()
	for _, b := range current.pending {
		if _, ok := mined[b.ID]; !ok {
			next.pending = append(next.pending, b)
		}
	}
	if n := base.messages.Len(); current.messages.Len() > n {
		for _, m := range current.messages.messages[n:] {
			next.messages.append(m)
		}
	}
	return next
}

// IsChainValid reports whether Verify finds no violation.
func (l *Ledger) IsChainValid() bool {
	return l.Verify() == nil
}

// Verify scans the chain front to back and returns the first integrity violation.
func (l *Ledger) Verify() error {
	if len(l.chain) == 0 {
		return &ChainError{Index: 0, Reason: "empty chain"}
	}
	s := l.opts.Scheme
	for i := range l.chain {
		cur := &l.chain[i]
		if want := cur.ComputeHash(s); cur.Hash != want {
			return &ChainError{Index: i, Reason: fmt.Sprintf("hash mismatch: stored %s, computed %s", cur.Hash, want)}
		}
		if i == 0 {
			if cur.PreviousHash != GenesisPreviousHash {
				return &ChainError{Index: 0, Reason: "genesis previous hash is not the sentinel"}
			}
			continue
		}
		if prev := l.chain[i-1].Hash; cur.PreviousHash != prev {
			return &ChainError{Index: i, Reason: fmt.Sprintf("previous hash %s does not link to %s", cur.PreviousHash, prev)}
		}
	}
	return nil
}

func (l *Ledger) tail() Block {
	return l.chain[len(l.chain)-1]
}

// Posts returns the mined posts (genesis excluded) in chain order.
func (l *Ledger) Posts() []Block {
	out := make([]Block, 0, len(l.chain)-1)
	for _, b := range l.chain[1:] {
		out = append(out, b.Snapshot())
	}
	return out
}

func (l *Ledger) Chain() []Block   { return append([]Block(nil), l.chain...) }
func (l *Ledger) Pending() []Block { return append([]Block(nil), l.pending...) }
func (l *Ledger) Messages() []Message {
	return l.messages.All()
}

func (l *Ledger) Difficulty() int  { return l.opts.Difficulty }
func (l *Ledger) Scheme() Scheme   { return l.opts.Scheme }
func (l *Ledger) Height() int      { return len(l.chain) }
func (l *Ledger) TailHash() string { return l.tail().Hash }

func (l *Ledger) Conversation(a, b string) []Message {
	return l.messages.Conversation(a, b)
}

func (l *Ledger) MessagedUsers(user string) []string {
	return l.messages.ParticipantsOf(user)
}
