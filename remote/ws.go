package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tmacedo/courier/status"
	"github.com/tmacedo/courier/store"
	"go.uber.org/zap"
)

const (
	subscribeTimeout = 5 * time.Second
	redialDelay      = 5 * time.Second
)

// Link is a websocket connection to the remote message store implementing
// the Store interface. It redials with a fixed delay after a connection
// drop and replays active subscriptions on reconnect.
type Link struct {
	url     string
	logger  *zap.Logger
	machine *status.Machine

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan *frame
	subs    map[string]*roomSub // roomID -> subscription
	handles map[Handle]string   // handle -> roomID
	nextSub Handle
	closed  bool

	done chan struct{}
}

type roomSub struct {
	handle  Handle
	handler InboundHandler
}

// NewLink creates a disconnected link. Call Connect to dial.
func NewLink(url string, logger *zap.Logger) *Link {
	return &Link{
		url:     url,
		logger:  logger,
		pending: make(map[int64]chan *frame),
		subs:    make(map[string]*roomSub),
		handles: make(map[Handle]string),
		done:    make(chan struct{}),
	}
}

// BindStatus attaches the connectivity state machine the link drives.
// Optional; a nil machine disables transitions.
func (l *Link) BindStatus(m *status.Machine) {
	l.machine = m
}

// Connect dials the remote store and starts the read loop. On a later
// connection drop the link redials by itself until Close.
func (l *Link) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		l.transition(status.Offline)
		return &TransientError{Op: "dial", Err: err}
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.transition(status.Online)
	l.logger.Info("remote link connected", zap.String("url", l.url))

	go l.readLoop(conn)
	return nil
}

// Close shuts the link down. Pending requests fail, no redial happens.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.conn = nil
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
	l.mu.Unlock()

	close(l.done)
	l.transition(status.Closed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Put writes a message record keyed by its idempotency key.
func (l *Link) Put(ctx context.Context, roomID, key string, msg *store.Message) error {
	resp, err := l.request(ctx, &frame{Op: "put", Room: roomID, Key: key, Msg: encodeMessage(msg)})
	if err != nil {
		return err
	}
	return ackError("put", resp)
}

// Subscribe registers for a room's fan-out. The handler is invoked from the
// read loop for every child_added, room_updated and typing push.
func (l *Link) Subscribe(roomID string, h InboundHandler) (Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	resp, err := l.request(ctx, &frame{Op: "subscribe", Room: roomID})
	if err != nil {
		return 0, err
	}
	if err := ackError("subscribe", resp); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	handle := l.nextSub
	l.subs[roomID] = &roomSub{handle: handle, handler: h}
	l.handles[handle] = roomID
	return handle, nil
}

// Unsubscribe tears down a room subscription.
func (l *Link) Unsubscribe(h Handle) error {
	l.mu.Lock()
	roomID, ok := l.handles[h]
	if ok {
		delete(l.handles, h)
		delete(l.subs, roomID)
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown subscription handle %d", h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	resp, err := l.request(ctx, &frame{Op: "unsubscribe", Room: roomID})
	if err != nil {
		return err
	}
	return ackError("unsubscribe", resp)
}

// CreateRoom creates a room on the remote store and returns the stored record.
func (l *Link) CreateRoom(ctx context.Context, r *store.Room) (*store.Room, error) {
	resp, err := l.request(ctx, &frame{Op: "create_room", Info: encodeRoom(r)})
	if err != nil {
		return nil, err
	}
	if err := ackError("create_room", resp); err != nil {
		return nil, err
	}
	room, err := parseRoom(resp.Info)
	if err != nil {
		return nil, &PermanentError{Op: "create_room", Err: err}
	}
	return room, nil
}

// JoinRoom joins a room.
func (l *Link) JoinRoom(ctx context.Context, roomID string) error {
	resp, err := l.request(ctx, &frame{Op: "join_room", Room: roomID})
	if err != nil {
		return err
	}
	return ackError("join_room", resp)
}

// LeaveRoom leaves a room.
func (l *Link) LeaveRoom(ctx context.Context, roomID string) error {
	resp, err := l.request(ctx, &frame{Op: "leave_room", Room: roomID})
	if err != nil {
		return err
	}
	return ackError("leave_room", resp)
}

// MarkRead reports the newest message the user has read in a room.
func (l *Link) MarkRead(ctx context.Context, roomID, msgID string) error {
	resp, err := l.request(ctx, &frame{Op: "mark_read", Room: roomID, MsgID: msgID})
	if err != nil {
		return err
	}
	return ackError("mark_read", resp)
}

// Rooms lists the rooms visible to the user.
func (l *Link) Rooms(ctx context.Context) ([]store.Room, error) {
	resp, err := l.request(ctx, &frame{Op: "list_rooms"})
	if err != nil {
		return nil, err
	}
	if err := ackError("list_rooms", resp); err != nil {
		return nil, err
	}
	rooms := make([]store.Room, 0, len(resp.Rooms))
	for i := range resp.Rooms {
		room, err := parseRoom(&resp.Rooms[i])
		if err != nil {
			l.logger.Warn("skipping malformed room record", zap.Error(err))
			continue
		}
		rooms = append(rooms, *room)
	}
	return rooms, nil
}

// Room fetches a single room record.
func (l *Link) Room(ctx context.Context, roomID string) (*store.Room, error) {
	resp, err := l.request(ctx, &frame{Op: "get_room", Room: roomID})
	if err != nil {
		return nil, err
	}
	if err := ackError("get_room", resp); err != nil {
		return nil, err
	}
	room, err := parseRoom(resp.Info)
	if err != nil {
		return nil, &PermanentError{Op: "get_room", Err: err}
	}
	return room, nil
}

// request sends a frame and waits for its ack or context expiry.
func (l *Link) request(ctx context.Context, f *frame) (*frame, error) {
	l.mu.Lock()
	if l.closed || l.conn == nil {
		l.mu.Unlock()
		return nil, &TransientError{Op: f.Op, Err: fmt.Errorf("link offline")}
	}
	l.nextID++
	f.ID = l.nextID
	ch := make(chan *frame, 1)
	l.pending[f.ID] = ch
	conn := l.conn
	err := conn.WriteJSON(f)
	if err != nil {
		delete(l.pending, f.ID)
		l.mu.Unlock()
		return nil, &TransientError{Op: f.Op, Err: err}
	}
	l.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &TransientError{Op: f.Op, Err: fmt.Errorf("link closed")}
		}
		return resp, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.pending, f.ID)
		l.mu.Unlock()
		return nil, &TransientError{Op: f.Op, Err: ctx.Err()}
	}
}

func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			l.logger.Warn("remote link dropped", zap.Error(err))
			l.transition(status.Offline)
			l.redial()
			return
		}
		l.dispatch(&f)
	}
}

func (l *Link) dispatch(f *frame) {
	switch f.Op {
	case "ack":
		l.mu.Lock()
		ch, ok := l.pending[f.ID]
		if ok {
			delete(l.pending, f.ID)
		}
		l.mu.Unlock()
		if ok {
			ch <- f
		}
	case "child_added":
		msg, err := parseMessage(f.Msg)
		if err != nil {
			l.logger.Warn("dropping malformed inbound message", zap.String("room", f.Room), zap.Error(err))
			return
		}
		if h := l.handlerFor(msg.RoomID); h != nil {
			h.MessageAdded(msg.RoomID, msg)
		}
	case "room_updated":
		room, err := parseRoom(f.Info)
		if err != nil {
			l.logger.Warn("dropping malformed room update", zap.Error(err))
			return
		}
		if h := l.handlerFor(room.RoomID); h != nil {
			h.RoomUpdated(room)
		}
	case "typing":
		if f.Room == "" || f.User == "" {
			return
		}
		if h := l.handlerFor(f.Room); h != nil {
			h.Typing(f.Room, f.User)
		}
	default:
		l.logger.Warn("unknown frame op", zap.String("op", f.Op))
	}
}

func (l *Link) handlerFor(roomID string) InboundHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subs[roomID]; ok {
		return sub.handler
	}
	return nil
}

// redial re-establishes the connection and replays subscriptions. Runs until
// success or Close.
func (l *Link) redial() {
	for {
		select {
		case <-l.done:
			return
		case <-time.After(redialDelay):
		}

		conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
		if err != nil {
			l.logger.Warn("redial failed", zap.Error(err))
			continue
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = conn.Close()
			return
		}
		l.conn = conn
		rooms := make([]string, 0, len(l.subs))
		for roomID := range l.subs {
			rooms = append(rooms, roomID)
		}
		l.mu.Unlock()

		go l.readLoop(conn)

		// Replay subscriptions before announcing Online so no fan-out
		// window is missed by subscribers that were already attached.
		for _, roomID := range rooms {
			ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
			resp, err := l.request(ctx, &frame{Op: "subscribe", Room: roomID})
			cancel()
			if err == nil {
				err = ackError("subscribe", resp)
			}
			if err != nil {
				l.logger.Warn("resubscribe failed", zap.String("room", roomID), zap.Error(err))
			}
		}

		l.transition(status.Online)
		l.logger.Info("remote link reconnected", zap.String("url", l.url))
		return
	}
}

func (l *Link) transition(s status.State) {
	if l.machine == nil {
		return
	}
	if err := l.machine.Transition(s); err != nil {
		l.logger.Warn("status transition rejected", zap.Error(err))
	}
}

// ackError converts a negative ack into a typed delivery error. The remote
// flags unfixable requests with code "invalid"; everything else is worth a
// retry.
func ackError(op string, resp *frame) error {
	if resp.OK {
		return nil
	}
	err := fmt.Errorf("%s", resp.Error)
	if resp.Code == "invalid" {
		return &PermanentError{Op: op, Err: err}
	}
	return &TransientError{Op: op, Err: err}
}
