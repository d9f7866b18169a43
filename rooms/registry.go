// Package rooms tracks room subscriptions and fans domain events out to
// per-room listeners. The first listener on a room opens the remote
// subscription, the last one closing tears it down.
package rooms

import (
	"context"
	"fmt"
	"sync"

	"github.com/tmacedo/courier/bus"
	"github.com/tmacedo/courier/remote"
	"github.com/tmacedo/courier/store"
	"go.uber.org/zap"
)

// listenerBuf bounds each listener's event backlog. A listener that cannot
// keep up loses events rather than stalling the rest.
const listenerBuf = 256

// Listener receives the domain events of one room. It runs on a dedicated
// goroutine per subscription; a slow or panicking listener never affects
// other listeners.
type Listener func(evt bus.Event)

// SubscriptionError reports a room subscription the remote store refused.
type SubscriptionError struct {
	RoomID string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe room %s: %v", e.RoomID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Registry multiplexes room subscriptions over the remote store.
type Registry struct {
	remote remote.Store
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	rooms     map[string]*roomSub
	listeners map[int]*listener
	nextID    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type roomSub struct {
	refs   int
	handle remote.Handle
}

type listener struct {
	roomID string
	ch     chan bus.Event
}

// New creates a registry over the given remote store.
func New(rs remote.Store, b *bus.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		remote:    rs,
		bus:       b,
		logger:    logger,
		rooms:     make(map[string]*roomSub),
		listeners: make(map[int]*listener),
	}
}

// Start begins dispatching domain events to listeners.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("", 1024)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.dispatch(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops dispatching. Individual subscriptions stay registered; their
// cancel closures remain valid.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Subscribe registers a listener for a room's events and returns a cancel
// closure. The first subscription for a room also subscribes at the remote
// store; if the remote refuses, no listener is registered and the error is a
// *SubscriptionError.
func (r *Registry) Subscribe(roomID string, fn Listener) (func(), error) {
	r.mu.Lock()
	sub, ok := r.rooms[roomID]
	if !ok {
		handle, err := r.remote.Subscribe(roomID, inbound{bus: r.bus})
		if err != nil {
			r.mu.Unlock()
			return nil, &SubscriptionError{RoomID: roomID, Err: err}
		}
		sub = &roomSub{handle: handle}
		r.rooms[roomID] = sub
	}
	sub.refs++

	id := r.nextID
	r.nextID++
	l := &listener{roomID: roomID, ch: make(chan bus.Event, listenerBuf)}
	r.listeners[id] = l
	r.mu.Unlock()

	// The goroutine exits when cancel closes the channel, so it is not tied
	// to the dispatcher's lifetime.
	go func() {
		for evt := range l.ch {
			r.invoke(fn, evt)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			sub.refs--
			last := sub.refs == 0
			if last {
				delete(r.rooms, roomID)
			}
			r.mu.Unlock()
			close(l.ch)
			if last {
				if err := r.remote.Unsubscribe(sub.handle); err != nil {
					r.logger.Warn("failed to unsubscribe room", zap.Error(err), zap.String("room_id", roomID))
				}
			}
		})
	}
	return cancel, nil
}

// Subscribed reports whether a room currently has an active remote
// subscription.
func (r *Registry) Subscribed(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

func (r *Registry) dispatch(evt bus.Event) {
	switch evt.Kind {
	case bus.KindRemoteMessage, bus.KindRemoteRoom, bus.KindRemoteTyping, bus.KindStatusChanged:
		// Pre-ingestion and connectivity events are not listener-facing.
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		// An empty room targets every listener (sync state transitions).
		if evt.Room != "" && evt.Room != l.roomID {
			continue
		}
		select {
		case l.ch <- evt:
		default:
			r.logger.Warn("listener buffer full, dropping event",
				zap.String("kind", evt.Kind),
				zap.String("room_id", l.roomID))
		}
	}
}

func (r *Registry) invoke(fn Listener, evt bus.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener panicked",
				zap.Any("panic", rec),
				zap.String("kind", evt.Kind),
				zap.String("room_id", evt.Room))
		}
	}()
	fn(evt)
}

// inbound bridges remote pushes onto the bus as pre-ingestion events. The
// inbox cache persists them and republishes the listener-facing versions.
type inbound struct {
	bus *bus.Bus
}

func (i inbound) MessageAdded(roomID string, msg *store.Message) {
	i.bus.Publish(bus.Event{
		Kind:    bus.KindRemoteMessage,
		Room:    roomID,
		Payload: bus.MessageAdded{Message: msg},
	})
}

func (i inbound) RoomUpdated(room *store.Room) {
	i.bus.Publish(bus.Event{Kind: bus.KindRemoteRoom, Room: room.RoomID, Payload: room})
}

func (i inbound) Typing(roomID, userID string) {
	i.bus.Publish(bus.Event{Kind: bus.KindRemoteTyping, Room: roomID, Payload: bus.Typing{UserID: userID}})
}
