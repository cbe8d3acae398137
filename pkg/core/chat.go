package core

// ChatMessage is one immutable entry in the session's append-only chat
// channel. IDs sort in channel order.
type ChatMessage struct {
	ID         string
	SenderID   string
	SenderName string
	Text       string
	Timestamp  int64
}
