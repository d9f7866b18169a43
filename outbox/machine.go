// Package outbox owns the lifecycle of every outgoing message: durably
// queued before any network attempt, then PENDING -> SENDING -> removed on
// ack, back to PENDING on a transient failure, or FAILED once the retry
// budget is gone.
package outbox

import (
	"fmt"
	"time"

	"github.com/tmacedo/courier/bus"
	"github.com/tmacedo/courier/msgid"
	"github.com/tmacedo/courier/store"
	"go.uber.org/zap"
)

// Identity is the sender stamped on outgoing messages.
type Identity struct {
	UserID      string
	DisplayName string
}

// Payload is the caller-supplied content of an outgoing message.
type Payload struct {
	Text     string
	Type     string // defaults to text
	Metadata map[string]string
}

// Machine is the outbox state machine. Enqueue is safe from any goroutine,
// including concurrently with a running drain; the transition methods are
// called only by the sync engine.
type Machine struct {
	db     *store.DB
	bus    *bus.Bus
	sender Identity
	logger *zap.Logger
	kick   func()
}

// NewMachine creates the outbox state machine.
func NewMachine(db *store.DB, b *bus.Bus, sender Identity, logger *zap.Logger) *Machine {
	return &Machine{
		db:     db,
		bus:    b,
		sender: sender,
		logger: logger,
	}
}

// BindDrain attaches the sync engine's drain trigger. Until bound, enqueued
// messages wait for the periodic drain.
func (m *Machine) BindDrain(kick func()) {
	m.kick = kick
}

// Enqueue persists a new outgoing message and emits the optimistic
// message_added event. It never touches the network: the only failure mode
// is local storage, surfaced synchronously, in which case nothing is queued.
func (m *Machine) Enqueue(roomID string, p Payload) (*store.QueuedEntry, error) {
	if roomID == "" {
		return nil, &store.PersistenceError{Op: "enqueue", Err: fmt.Errorf("empty room id")}
	}
	if m.sender.UserID == "" {
		return nil, &store.PersistenceError{Op: "enqueue", Err: fmt.Errorf("no sender identity configured")}
	}
	msgType := p.Type
	if msgType == "" {
		msgType = store.TypeText
	}
	if !store.ValidMessageType(msgType) {
		return nil, &store.PersistenceError{Op: "enqueue", Err: fmt.Errorf("unknown message type %q", msgType)}
	}

	now := time.Now().UnixMilli()
	entry := &store.QueuedEntry{
		LocalID: msgid.NewLocalID(),
		Message: store.Message{
			MsgID:      msgid.NewKey(m.sender.UserID, now),
			RoomID:     roomID,
			SenderID:   m.sender.UserID,
			SenderName: m.sender.DisplayName,
			Body:       p.Text,
			Type:       msgType,
			Timestamp:  now,
			Metadata:   p.Metadata,
		},
		Status:    store.StatusPending,
		CreatedAt: now,
	}

	if err := m.db.EnqueueOutbox(entry); err != nil {
		return nil, err
	}

	m.bus.Publish(bus.Event{
		Kind: bus.KindMessageAdded,
		Room: roomID,
		Payload: bus.MessageAdded{
			LocalID: entry.LocalID,
			Message: &entry.Message,
		},
	})
	m.logger.Info("message queued",
		zap.String("local_id", entry.LocalID),
		zap.String("msg_id", entry.Message.MsgID),
		zap.String("room", roomID))

	if m.kick != nil {
		m.kick()
	}
	return entry, nil
}

// MarkSending flags an entry as in flight so no concurrent attempt picks it
// up. Sync engine only.
func (m *Machine) MarkSending(localID string) error {
	return m.db.MarkOutboxSending(localID)
}

// MarkSent removes the entry and emits message_ack. Durability of the
// confirmed message is the remote store's responsibility from here on.
// Sync engine only.
func (m *Machine) MarkSent(localID, roomID, messageID string) error {
	if err := m.db.DeleteOutbox(localID); err != nil {
		return err
	}
	m.bus.Publish(bus.Event{
		Kind: bus.KindMessageAck,
		Room: roomID,
		Payload: bus.Ack{
			LocalID:   localID,
			MessageID: messageID,
		},
	})
	return nil
}

// MarkRetryScheduled records a failed attempt and schedules the next one.
// Transient failures are never surfaced as events. Sync engine only.
func (m *Machine) MarkRetryScheduled(localID string, retryCount int, nextAttemptAt int64, cause error) error {
	return m.db.ScheduleOutboxRetry(localID, retryCount, nextAttemptAt, cause.Error())
}

// MarkFailed parks the entry as FAILED and emits message_failed. Reachable
// only once the retry budget is exhausted; the entry stays persisted so the
// UI can offer retry or discard. Sync engine only.
func (m *Machine) MarkFailed(localID string, roomID string, retryCount int, reason string) error {
	if err := m.db.MarkOutboxFailed(localID, retryCount, reason); err != nil {
		return err
	}
	m.bus.Publish(bus.Event{
		Kind: bus.KindMessageFailed,
		Room: roomID,
		Payload: bus.Failure{
			LocalID: localID,
			Reason:  reason,
		},
	})
	return nil
}

// RetryFailed returns every FAILED entry to PENDING with a fresh retry
// budget and triggers an immediate drain. Returns the number of entries
// reset.
func (m *Machine) RetryFailed() (int, error) {
	n, err := m.db.ResetFailedOutbox()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("failed entries reset for retry", zap.Int("count", n))
		if m.kick != nil {
			m.kick()
		}
	}
	return n, nil
}

// Discard drops a FAILED entry for good. The only way a message disappears
// without being delivered.
func (m *Machine) Discard(localID string) error {
	entry, err := m.db.GetOutbox(localID)
	if err != nil {
		return err
	}
	if entry == nil {
		return &store.PersistenceError{Op: "discard", Err: fmt.Errorf("no entry %q", localID)}
	}
	if entry.Status != store.StatusFailed {
		return &store.PersistenceError{Op: "discard", Err: fmt.Errorf("entry %q is %s, only FAILED entries can be discarded", localID, entry.Status)}
	}
	return m.db.DeleteOutbox(localID)
}

// Failed lists entries whose retry budget is exhausted.
func (m *Machine) Failed() ([]store.QueuedEntry, error) {
	return m.db.FailedOutbox()
}

// Recover returns crash-stranded SENDING entries to PENDING. Run once at
// startup, before the first drain.
func (m *Machine) Recover() (int, error) {
	n, err := m.db.RecoverSendingOutbox()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("recovered in-flight entries after restart", zap.Int("count", n))
	}
	return n, nil
}
