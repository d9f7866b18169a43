// Package remote defines the contract with the remote message store and
// provides a websocket-backed implementation.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmacedo/courier/store"
)

// Handle identifies an active room subscription.
type Handle int64

// InboundHandler receives events pushed by the remote store for a
// subscribed room.
type InboundHandler interface {
	MessageAdded(roomID string, msg *store.Message)
	RoomUpdated(room *store.Room)
	Typing(roomID, userID string)
}

// Store is the remote message store. Put is idempotent on the key: a write
// with a previously seen key is accepted without side effect, which is what
// makes blind retries safe.
type Store interface {
	Put(ctx context.Context, roomID, key string, msg *store.Message) error
	Subscribe(roomID string, h InboundHandler) (Handle, error)
	Unsubscribe(h Handle) error

	CreateRoom(ctx context.Context, r *store.Room) (*store.Room, error)
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	MarkRead(ctx context.Context, roomID, msgID string) error
	Rooms(ctx context.Context) ([]store.Room, error)
	Room(ctx context.Context, roomID string) (*store.Room, error)
}

// TransientError is a delivery failure worth retrying: the remote was
// unreachable, timed out, or reported a temporary condition.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("remote %s (transient): %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a delivery failure that retrying cannot fix, such as a
// request the remote rejected as malformed.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("remote %s (permanent): %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient classifies a delivery error. Unknown errors (raw network
// failures, deadline expiry) count as transient: the retry budget bounds the
// damage of guessing wrong.
func IsTransient(err error) bool {
	var perm *PermanentError
	return !errors.As(err, &perm)
}
