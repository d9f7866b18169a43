package store

import "fmt"

// Queue entry statuses. Sent entries are not persisted: confirmed delivery
// removes the row, so the remote store holds the only durable copy.
const (
	StatusPending = "PENDING"
	StatusSending = "SENDING"
	StatusFailed  = "FAILED"
)

// Message types accepted on the wire.
const (
	TypeText   = "text"
	TypeImage  = "image"
	TypeFile   = "file"
	TypeSystem = "system"
)

// Room types.
const (
	RoomPublic  = "public"
	RoomPrivate = "private"
	RoomDirect  = "direct"
)

// Message is a chat message. MsgID is the idempotency key: it is fixed at
// enqueue time and reused on every retry, so the remote store can discard
// duplicate writes.
type Message struct {
	MsgID      string
	RoomID     string
	SenderID   string
	SenderName string
	Body       string
	Type       string
	Timestamp  int64
	Metadata   map[string]string
}

// QueuedEntry wraps a Message with delivery bookkeeping. LocalID is generated
// client-side, never sent over the wire, and correlates optimistic UI state
// with later ack/failure events.
type QueuedEntry struct {
	LocalID       string
	Message       Message
	Status        string
	RetryCount    int
	NextAttemptAt int64
	LastError     string
	CreatedAt     int64
}

// Room is a locally cached mirror of a remote room record.
type Room struct {
	RoomID             string
	Name               string
	Description        string
	Type               string
	CreatedBy          string
	CreatedAt          int64
	MemberCount        int
	LastMessageAt      int64
	LastMessagePreview string
	Active             bool
}

// Page is one page of messages, newest first. NextCursor is the oldest
// returned message's ID, usable as the before-cursor of a follow-up call.
type Page struct {
	Messages   []Message
	HasMore    bool
	NextCursor string
}

// PersistenceError reports a failed local read or write. The triggering call
// fails synchronously and nothing is queued or cached.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("local persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ValidMessageType reports whether t is an accepted message type.
func ValidMessageType(t string) bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeSystem:
		return true
	}
	return false
}

// ValidateMessage rejects records missing required fields. Malformed records
// from the wire or from callers never reach the tables.
func ValidateMessage(m *Message) error {
	switch {
	case m == nil:
		return &PersistenceError{Op: "validate", Err: fmt.Errorf("nil message")}
	case m.MsgID == "":
		return &PersistenceError{Op: "validate", Err: fmt.Errorf("empty message id")}
	case m.RoomID == "":
		return &PersistenceError{Op: "validate", Err: fmt.Errorf("empty room id")}
	case m.SenderID == "":
		return &PersistenceError{Op: "validate", Err: fmt.Errorf("empty sender id")}
	case m.Timestamp <= 0:
		return &PersistenceError{Op: "validate", Err: fmt.Errorf("non-positive timestamp %d", m.Timestamp)}
	case !ValidMessageType(m.Type):
		return &PersistenceError{Op: "validate", Err: fmt.Errorf("unknown message type %q", m.Type)}
	}
	return nil
}
