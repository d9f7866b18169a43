// Package inbox maintains the local message cache. It ingests inbound events
// from the remote store, persists them, and republishes them as domain events
// once they are durable, so readers never see a message the cache could lose.
package inbox

import (
	"context"
	"sync"

	"github.com/tmacedo/courier/bus"
	"github.com/tmacedo/courier/store"
	"go.uber.org/zap"
)

// DefaultPageSize is the page size used when a caller asks for zero messages.
const DefaultPageSize = 50

// Cache ingests remote events into the local store.
type Cache struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an inbox cache over db.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Cache {
	return &Cache{db: db, bus: b, logger: logger}
}

// Start begins consuming inbound remote events.
func (c *Cache) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("remote.", 1024)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.handle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the consumer.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Cache) handle(evt bus.Event) {
	switch evt.Kind {
	case bus.KindRemoteMessage:
		added, ok := evt.Payload.(bus.MessageAdded)
		if !ok {
			return
		}
		if err := c.Ingest(evt.Room, added.Message); err != nil {
			c.logger.Error("failed to ingest message",
				zap.Error(err),
				zap.String("room_id", evt.Room),
				zap.String("msg_id", added.Message.MsgID))
		}
	case bus.KindRemoteRoom:
		room, ok := evt.Payload.(*store.Room)
		if !ok {
			return
		}
		if err := c.ingestRoom(room); err != nil {
			c.logger.Error("failed to ingest room", zap.Error(err), zap.String("room_id", room.RoomID))
		}
	case bus.KindRemoteTyping:
		typing, ok := evt.Payload.(bus.Typing)
		if !ok {
			return
		}
		// Typing is ephemeral: passed through, never persisted.
		c.bus.Publish(bus.Event{Kind: bus.KindTyping, Room: evt.Room, Payload: typing})
	}
}

// Ingest persists an inbound message and republishes it as a domain event.
// Replaying the same message is harmless: the (room, msg id) pair is upserted,
// and listeners are expected to dedupe on msg id.
func (c *Cache) Ingest(roomID string, msg *store.Message) error {
	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	if err := store.ValidateMessage(msg); err != nil {
		return err
	}
	if err := c.db.UpsertInboxMessage(msg); err != nil {
		return err
	}
	if err := c.db.TouchRoomPreview(msg.RoomID, msg.Timestamp, preview(msg)); err != nil {
		// The message itself is durable; a stale room preview self-heals on
		// the next message.
		c.logger.Warn("failed to update room preview", zap.Error(err), zap.String("room_id", msg.RoomID))
	}
	c.bus.Publish(bus.Event{
		Kind:    bus.KindMessageAdded,
		Room:    msg.RoomID,
		Payload: bus.MessageAdded{Message: msg},
	})
	return nil
}

func (c *Cache) ingestRoom(room *store.Room) error {
	if err := c.db.UpsertRoom(room); err != nil {
		return err
	}
	c.bus.Publish(bus.Event{Kind: bus.KindRoomUpdated, Room: room.RoomID, Payload: room})
	return nil
}

// Messages returns a page of cached messages for a room, newest first. An
// empty before cursor starts from the newest message; limit <= 0 falls back
// to DefaultPageSize.
func (c *Cache) Messages(roomID string, limit int, before string) (*store.Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return c.db.ListInboxMessages(roomID, limit, before)
}

func preview(msg *store.Message) string {
	const max = 120
	if len(msg.Body) > max {
		return msg.Body[:max]
	}
	return msg.Body
}
