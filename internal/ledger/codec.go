package ledger

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed ledger.schema.json
var ledgerSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func ledgerSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("ledger.schema.json", ledgerSchemaJSON)
	})
	return schema, schemaErr
}

// document is the persisted representation of a ledger.
type document struct {
	Chain        []Block   `json:"chain"`
	PendingPosts []Block   `json:"pendingPosts"`
	Messages     []Message `json:"messages"`
	Difficulty   int       `json:"difficulty"`
	HashScheme   Scheme    `json:"hashScheme,omitempty"`
}

// Marshal encodes chain, pending posts, messages, difficulty and hash scheme.
func Marshal(l *Ledger) ([]byte, error) {
	doc := document{
		Chain:        nonNil(l.chain),
		PendingPosts: nonNil(l.pending),
		Messages:     l.messages.messages,
		Difficulty:   l.opts.Difficulty,
		HashScheme:   l.opts.Scheme,
	}
	if doc.Messages == nil {
		doc.Messages = []Message{}
	}
	return json.Marshal(doc)
}

func nonNil(bs []Block) []Block {
	if bs == nil {
		return []Block{}
	}
	return bs
}

// Unmarshal decodes a ledger written by Marshal (or by the browser client, which omits
// hashScheme). Difficulty and scheme come from the text; the remaining options from opts.
// It checks shape only; call Verify to check integrity.
func Unmarshal(data []byte, opts Options) (*Ledger, error) {
	s, err := ledgerSchema()
	if err != nil {
		return nil, fmt.Errorf("compile ledger schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &MalformedError{Reason: "invalid json", Err: err}
	}
	if dec.More() {
		return nil, &MalformedError{Reason: "trailing data after ledger"}
	}
	if err := s.Validate(raw); err != nil {
		return nil, &MalformedError{Reason: "shape", Err: err}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &MalformedError{Reason: "decode", Err: err}
	}
	if doc.HashScheme == "" {
		doc.HashScheme = SchemeFold32Signed
	}

	opts.Difficulty = doc.Difficulty
	opts.Scheme = doc.HashScheme
	l := &Ledger{
		opts:     opts.withDefaults(),
		chain:    doc.Chain,
		pending:  doc.PendingPosts,
		messages: MessageLog{messages: doc.Messages},
	}
	if len(l.pending) == 0 {
		l.pending = nil
	}
	if len(l.messages.messages) == 0 {
		l.messages.messages = nil
	}
	return l, nil
}
