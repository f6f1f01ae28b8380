package ledger

// Message is a direct message between two users. Messages are not mined and not
// linked into the hash chain.
type Message struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (m Message) involves(a, b string) bool {
	return (m.Sender == a && m.Recipient == b) || (m.Sender == b && m.Recipient == a)
}

// MessageLog is an append-only list of messages, queried by conversation.
type MessageLog struct {
	messages []Message
}

func (l *MessageLog) append(m Message) {
	l.messages = append(l.messages, m)
}

// Conversation returns the messages exchanged between a and b in send order.
// The pair is unordered.
func (l *MessageLog) Conversation(a, b string) []Message {
	var out []Message
	for _, m := range l.messages {
		if m.involves(a, b) {
			out = append(out, m)
		}
	}
	return out
}

// ParticipantsOf returns everyone user has exchanged a message with, in order of
// first occurrence.
func (l *MessageLog) ParticipantsOf(user string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, m := range l.messages {
		switch user {
		case m.Sender:
			add(m.Recipient)
		case m.Recipient:
			add(m.Sender)
		}
	}
	return out
}

func (l *MessageLog) Len() int { return len(l.messages) }

func (l *MessageLog) All() []Message {
	return append([]Message(nil), l.messages...)
}

func (l MessageLog) clone() MessageLog {
	return MessageLog{messages: append([]Message(nil), l.messages...)}
}
