// Package courier is an offline-first chat delivery engine. Outgoing messages
// are queued durably and drained to a remote store with idempotent retries;
// inbound messages are cached locally so rooms stay readable without a
// connection.
package courier

import (
	"context"
	"fmt"

	"github.com/tmacedo/courier/bus"
	"github.com/tmacedo/courier/config"
	"github.com/tmacedo/courier/inbox"
	"github.com/tmacedo/courier/outbox"
	"github.com/tmacedo/courier/remote"
	"github.com/tmacedo/courier/rooms"
	"github.com/tmacedo/courier/status"
	"github.com/tmacedo/courier/store"
	"github.com/tmacedo/courier/syncer"
	"go.uber.org/zap"
)

// Listener re-exports the room listener type for embedders.
type Listener = rooms.Listener

// Client is the engine facade. All methods are safe for concurrent use.
type Client struct {
	cfg    *config.Config
	db     *store.DB
	bus    *bus.Bus
	status *status.Machine
	queue  *outbox.Machine
	engine *syncer.Engine
	cache  *inbox.Cache
	rooms  *rooms.Registry
	remote remote.Store
	logger *zap.Logger

	recovered int
}

// New opens the local database at dbPath, runs migrations, and wires the
// engine against the given remote store. The client is inert until Start.
func New(cfg *config.Config, rs remote.Store, dbPath string, logger *zap.Logger) (*Client, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	res, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if res.Changed {
		logger.Info("database migrated", zap.Uint("version", res.Version))
	}

	b := bus.New()
	sm := status.NewMachine(b)
	queue := outbox.NewMachine(db, b, outbox.Identity{
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
	}, logger)
	engine := syncer.New(db, queue, rs, b, syncer.Options{
		Interval:       cfg.Engine.DrainInterval(),
		MaxAttempts:    cfg.Engine.MaxAttempts,
		BackoffCap:     cfg.Engine.BackoffCap(),
		AttemptTimeout: cfg.Engine.AttemptTimeout(),
	}, logger)
	queue.BindDrain(engine.Kick)

	return &Client{
		cfg:    cfg,
		db:     db,
		bus:    b,
		status: sm,
		queue:  queue,
		engine: engine,
		cache:  inbox.New(db, b, logger),
		rooms:  rooms.New(rs, b, logger),
		remote: rs,
		logger: logger,
	}, nil
}

// Start recovers interrupted deliveries and starts the engine's background
// loops. Entries caught mid-send by a crash go back to the queue; their
// idempotency keys make a second delivery of an already-sent message a no-op
// at the remote.
func (c *Client) Start(ctx context.Context) error {
	recovered, err := c.queue.Recover()
	if err != nil {
		return fmt.Errorf("failed to recover outbox: %w", err)
	}
	c.recovered = recovered

	c.cache.Start(ctx)
	c.rooms.Start(ctx)
	c.engine.Start(ctx)
	if recovered > 0 {
		c.logger.Info("recovered interrupted deliveries", zap.Int("count", recovered))
		c.engine.Kick()
	}
	return nil
}

// Close stops the background loops and closes the local database. Queued
// messages stay on disk for the next run.
func (c *Client) Close() error {
	c.engine.Stop()
	c.rooms.Stop()
	c.cache.Stop()
	_ = c.status.Transition(status.Closed)
	return c.db.Close()
}

// SendMessage queues a message for delivery and returns the queued entry. The
// entry is durable before this returns; delivery happens asynchronously and
// is reported through the room's event stream as an ack or a failure.
func (c *Client) SendMessage(roomID string, p outbox.Payload) (*store.QueuedEntry, error) {
	return c.queue.Enqueue(roomID, p)
}

// SubscribeRoom registers a listener for a room's events: message_added,
// message_ack, message_failed, typing, room_updated, and sync_state. The
// returned cancel closure releases the subscription.
func (c *Client) SubscribeRoom(roomID string, fn Listener) (func(), error) {
	return c.rooms.Subscribe(roomID, fn)
}

// GetMessages returns a page of cached messages for a room, newest first.
// The cursor protocol: pass an empty before for the newest page, then the
// returned NextCursor for each older page until HasMore is false.
func (c *Client) GetMessages(roomID string, limit int, before string) (*store.Page, error) {
	return c.cache.Messages(roomID, limit, before)
}

// GetRooms lists rooms from the remote store, refreshing the local cache.
// When the remote is unreachable it falls back to the cached list.
func (c *Client) GetRooms(ctx context.Context) ([]store.Room, error) {
	list, err := c.remote.Rooms(ctx)
	if err != nil {
		if remote.IsTransient(err) {
			c.logger.Warn("listing rooms from cache, remote unreachable", zap.Error(err))
			return c.db.ListRooms()
		}
		return nil, err
	}
	for i := range list {
		if err := c.db.UpsertRoom(&list[i]); err != nil {
			c.logger.Warn("failed to cache room", zap.Error(err), zap.String("room_id", list[i].RoomID))
		}
	}
	return list, nil
}

// GetRoom fetches a single room, remote first with cache fallback. Returns
// nil without error when the room is unknown to both.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	room, err := c.remote.Room(ctx, roomID)
	if err != nil {
		if remote.IsTransient(err) {
			return c.db.GetRoom(roomID)
		}
		return nil, err
	}
	if room != nil {
		if err := c.db.UpsertRoom(room); err != nil {
			c.logger.Warn("failed to cache room", zap.Error(err), zap.String("room_id", roomID))
		}
	}
	return room, nil
}

// CreateRoom creates a room at the remote store and caches it locally.
// Room creation needs the remote: there is no offline room identity.
func (c *Client) CreateRoom(ctx context.Context, r *store.Room) (*store.Room, error) {
	created, err := c.remote.CreateRoom(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := c.db.UpsertRoom(created); err != nil {
		c.logger.Warn("failed to cache room", zap.Error(err), zap.String("room_id", created.RoomID))
	}
	return created, nil
}

// JoinRoom joins a room at the remote store.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.remote.JoinRoom(ctx, roomID)
}

// LeaveRoom leaves a room at the remote store.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.remote.LeaveRoom(ctx, roomID)
}

// MarkAsRead records the read position locally and forwards it to the remote
// on a best effort basis. The local mark is authoritative for this device.
func (c *Client) MarkAsRead(ctx context.Context, roomID, msgID string) error {
	if err := c.db.SetReadMark(roomID, msgID); err != nil {
		return err
	}
	if err := c.remote.MarkRead(ctx, roomID, msgID); err != nil {
		c.logger.Warn("failed to forward read mark", zap.Error(err), zap.String("room_id", roomID))
	}
	return nil
}

// ReadMark returns the last read message id for a room, empty if none.
func (c *Client) ReadMark(roomID string) (string, error) {
	return c.db.ReadMark(roomID)
}

// RetryFailed returns every FAILED entry to the queue with a fresh retry
// budget and triggers an immediate drain. Returns how many entries were
// reset.
func (c *Client) RetryFailed() (int, error) {
	return c.queue.RetryFailed()
}

// DiscardFailed drops a FAILED entry from the queue for good.
func (c *Client) DiscardFailed(localID string) error {
	return c.queue.Discard(localID)
}

// FailedMessages lists entries whose retry budget is exhausted.
func (c *Client) FailedMessages() ([]store.QueuedEntry, error) {
	return c.queue.Failed()
}

// Status returns the engine's connectivity state.
func (c *Client) Status() status.State {
	return c.status.Current()
}

// StatusMachine exposes the connectivity state machine so a transport can
// drive it.
func (c *Client) StatusMachine() *status.Machine {
	return c.status
}

// Events subscribes directly to the engine's event stream by namespace
// prefix; an empty namespace matches everything. Most embedders want
// SubscribeRoom instead.
func (c *Client) Events(namespace string, buf int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(namespace, buf)
}

// RecoveredCount reports how many interrupted deliveries the last Start
// returned to the queue.
func (c *Client) RecoveredCount() int {
	return c.recovered
}
