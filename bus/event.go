package bus

import (
	"time"

	"github.com/tmacedo/courier/store"
)

// Event kinds published on the bus. Kinds share a dotted namespace so
// subscribers can filter by prefix.
const (
	// Inbound events from the remote store, pre-ingestion.
	KindRemoteMessage = "remote.message"
	KindRemoteRoom    = "remote.room"
	KindRemoteTyping  = "remote.typing"

	// Domain events fanned out to room listeners.
	KindMessageAdded  = "message.added"
	KindMessageAck    = "message.ack"
	KindMessageFailed = "message.failed"
	KindSyncState     = "sync.state"
	KindRoomUpdated   = "room.updated"
	KindTyping        = "typing"

	// Engine connectivity transitions.
	KindStatusChanged = "status.changed"
)

// Event represents a domain event published on the bus. Room is empty for
// events that concern no single room (sync state, connectivity).
type Event struct {
	Kind      string
	Room      string
	Timestamp time.Time
	Payload   any
}

// MessageAdded is the payload for KindMessageAdded. LocalID is set only for
// optimistic events about our own queued messages; inbound messages carry an
// empty LocalID.
type MessageAdded struct {
	LocalID string
	Message *store.Message
}

// Ack is the payload for KindMessageAck.
type Ack struct {
	LocalID   string
	MessageID string
}

// Failure is the payload for KindMessageFailed.
type Failure struct {
	LocalID string
	Reason  string
}

// SyncState is the payload for KindSyncState. State is "syncing" or "idle".
type SyncState struct {
	State string
}

// Typing is the payload for KindTyping.
type Typing struct {
	UserID string
}
