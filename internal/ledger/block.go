package ledger

import (
	"context"
)

// ctxCheckEvery is how many nonces are tried between cancellation checks.
const ctxCheckEvery = 4096

// Block is a timestamped, authored post with a self-referential hash.
// A block is pending until mined; once it is in a chain it is treated as immutable.
type Block struct {
	ID           string `json:"id"`
	Timestamp    int64  `json:"timestamp"`
	Content      string `json:"content"`
	Author       string `json:"author"`
	PreviousHash string `json:"previousHash"`
	Hash         string `json:"hash"`
	Nonce        uint64 `json:"nonce"`
}

// NewBlock builds a block with nonce 0 and a fresh hash. Inputs are not validated.
func NewBlock(s Scheme, id string, timestamp int64, content, author, previousHash string) Block {
	b := Block{
		ID:           id,
		Timestamp:    timestamp,
		Content:      content,
		Author:       author,
		PreviousHash: previousHash,
	}
	b.RecomputeHash(s)
	return b
}

// ComputeHash returns the digest of the block's fields without storing it.
func (b *Block) ComputeHash(s Scheme) string {
	return s.Sum(b.ID, b.Timestamp, b.Content, b.Author, b.PreviousHash, b.Nonce)
}

func (b *Block) RecomputeHash(s Scheme) {
	b.Hash = b.ComputeHash(s)
}

func (b *Block) HasValidHash(s Scheme) bool {
	return b.Hash == b.ComputeHash(s)
}

func (b *Block) MeetsDifficulty(difficulty int) bool {
	return meetsDifficulty(b.Hash, difficulty)
}

// Mine increments the nonce until the hash has difficulty leading '0' characters.
// limit bounds the number of nonces tried (0 means no bound). It returns the number of
// nonces tried. The block is left with the last nonce tried when mining fails.
func (b *Block) Mine(ctx context.Context, s Scheme, difficulty int, limit uint64) (uint64, error) {
	if difficulty > s.MaxDifficulty() {
		return 0, &ExhaustedError{BlockID: b.ID, Difficulty: difficulty}
	}
	var attempts uint64
	for !meetsDifficulty(b.Hash, difficulty) {
		if limit > 0 && attempts >= limit {
			return attempts, &ExhaustedError{BlockID: b.ID, Difficulty: difficulty, Attempts: attempts}
		}
		if attempts%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return attempts, err
			}
		}
		b.Nonce++
		b.RecomputeHash(s)
		attempts++
	}
	return attempts, nil
}

// Snapshot returns a plain copy of all seven fields.
func (b Block) Snapshot() Block {
	return b
}
