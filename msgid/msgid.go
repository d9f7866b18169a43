// Package msgid generates message identifiers.
//
// The idempotency key is derived once at enqueue time from the sender, the
// sender-side creation timestamp and a random nonce, and is never regenerated:
// every retry of the same logical message submits the same key, so the remote
// store can discard duplicates deterministically.
package msgid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Key derives the idempotency key for the given triple. It is a pure
// function: the same inputs always produce the same key.
func Key(senderID string, createdAt int64, nonce string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%s", senderID, createdAt, nonce)))
	return hex.EncodeToString(sum[:16])
}

// NewKey derives an idempotency key with a fresh random nonce.
func NewKey(senderID string, createdAt int64) string {
	return Key(senderID, createdAt, uuid.NewString())
}

// NewLocalID returns a fresh local identifier for a queue entry. Local IDs
// never go over the wire; they only correlate optimistic UI state with later
// ack and failure events.
func NewLocalID() string {
	return uuid.NewString()
}
