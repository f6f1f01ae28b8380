package protocol

import "encoding/json"

const Version = "1.0"

// Client -> server.
const (
	TypeHello        = "HELLO"
	TypePost         = "POST"
	TypeMine         = "MINE"
	TypeSend         = "SEND"
	TypeFeed         = "FEED"
	TypeConversation = "CONVERSATION"
	TypeContacts     = "CONTACTS"
	TypeInfo         = "INFO"
)

// Server -> client. FEED, CONVERSATION, CONTACTS and INFO reuse the request type.
const (
	TypeWelcome       = "WELCOME"
	TypeAck           = "ACK"
	TypeMiningStarted = "MINING_STARTED"
	TypeMined         = "MINED"
	TypeFeedUpdate    = "FEED_UPDATE"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	ID              string `json:"id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
