package protocol

import "chainfeed.app/internal/ledger"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Username        string            `json:"username"`
	Capabilities    HelloCapabilities `json:"capabilities,omitempty"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	SessionID       string  `json:"session_id"`
	Username        string  `json:"username"`
	Info            InfoMsg `json:"info"`
}

// RequestMsg carries every client request after HELLO. Fields that a type does not
// use are left empty.
type RequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`

	Content   string `json:"content,omitempty"`   // POST, SEND
	Recipient string `json:"recipient,omitempty"` // SEND
	With      string `json:"with,omitempty"`      // CONVERSATION
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Height          int    `json:"height,omitempty"`
}

type PostView struct {
	ID           string `json:"id"`
	Author       string `json:"author"`
	Content      string `json:"content"`
	Timestamp    int64  `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
	Nonce        uint64 `json:"nonce"`
}

func PostViews(bs []ledger.Block) []PostView {
	out := make([]PostView, 0, len(bs))
	for _, b := range bs {
		out = append(out, PostView{
			ID:           b.ID,
			Author:       b.Author,
			Content:      b.Content,
			Timestamp:    b.Timestamp,
			PreviousHash: b.PreviousHash,
			Hash:         b.Hash,
			Nonce:        b.Nonce,
		})
	}
	return out
}

// FEED (server -> client). Posts are in chain order; NewestFirst tells the client how to
// present them.
type FeedMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ReplyTo         string     `json:"reply_to,omitempty"`
	Posts           []PostView `json:"posts"`
	Pending         []PostView `json:"pending"`
	NewestFirst     bool       `json:"newest_first"`
	Height          int        `json:"height"`
	TailHash        string     `json:"tail_hash"`
}

type MessageView struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func MessageViews(ms []ledger.Message) []MessageView {
	out := make([]MessageView, 0, len(ms))
	for _, m := range ms {
		out = append(out, MessageView{
			ID:        m.ID,
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return out
}

type ConversationMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	ReplyTo         string        `json:"reply_to,omitempty"`
	With            string        `json:"with"`
	Messages        []MessageView `json:"messages"`
}

type ContactsMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ReplyTo         string   `json:"reply_to,omitempty"`
	Users           []string `json:"users"`
}

type InfoMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReplyTo         string `json:"reply_to,omitempty"`
	Height          int    `json:"height"`
	Pending         int    `json:"pending"`
	Messages        int    `json:"messages"`
	Difficulty      int    `json:"difficulty"`
	HashScheme      string `json:"hash_scheme"`
	Valid           bool   `json:"valid"`
	Mining          bool   `json:"mining"`
	TailHash        string `json:"tail_hash"`
}

func Info(l *ledger.Ledger, mining bool) InfoMsg {
	return InfoMsg{
		Type:            TypeInfo,
		ProtocolVersion: Version,
		Height:          l.Height(),
		Pending:         len(l.Pending()),
		Messages:        len(l.Messages()),
		Difficulty:      l.Difficulty(),
		HashScheme:      string(l.Scheme()),
		Valid:           l.IsChainValid(),
		Mining:          mining,
		TailHash:        l.TailHash(),
	}
}

type MiningStartedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReplyTo         string `json:"reply_to,omitempty"`
	Miner           string `json:"miner"`
	Pending         int    `json:"pending"`
	Difficulty      int    `json:"difficulty"`
}

type MinedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReplyTo         string `json:"reply_to,omitempty"`
	Miner           string `json:"miner"`
	Blocks          int    `json:"blocks"`
	Attempts        uint64 `json:"attempts"`
	DurationMS      int64  `json:"duration_ms"`
	TailHash        string `json:"tail_hash"`
}

// FEED_UPDATE (server -> client) is pushed to every connection after a published change.
type FeedUpdateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Kind            string `json:"kind"`
	Actor           string `json:"actor,omitempty"`
	Height          int    `json:"height"`
	Pending         int    `json:"pending"`
	TailHash        string `json:"tail_hash"`
}
