package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrMalformedLedger = errors.New("malformed ledger")
	ErrMiningExhausted = errors.New("mining exhausted")
)

// InputError names the write-operation argument that was empty.
type InputError struct {
	Op    string
	Field string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s must not be empty", e.Op, e.Field)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// MalformedError is returned by Unmarshal when the text does not have the ledger shape.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed ledger: %s: %v", e.Reason, e.Err)
	}
	return "malformed ledger: " + e.Reason
}

func (e *MalformedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedLedger, e.Err}
	}
	return []error{ErrMalformedLedger}
}

// ExhaustedError reports a mining pass that gave up on a block.
type ExhaustedError struct {
	BlockID    string
	Difficulty int
	Attempts   uint64
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("block %s: no nonce meets difficulty %d after %d attempts", e.BlockID, e.Difficulty, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return ErrMiningExhausted }

// ChainError is the first integrity violation found by Verify.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("block %d invalid: %s", e.Index, e.Reason)
}
