package courier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tmacedo/courier/bus"
	"github.com/tmacedo/courier/config"
	"github.com/tmacedo/courier/outbox"
	"github.com/tmacedo/courier/remote"
	"github.com/tmacedo/courier/status"
	"github.com/tmacedo/courier/store"
	"go.uber.org/zap"
)

// fakeStore is an in-memory remote store with scriptable delivery failures.
type fakeStore struct {
	mu        sync.Mutex
	messages  map[string][]store.Message // roomID -> delivered messages
	seen      map[string]bool            // idempotency keys
	puts      int
	failPuts  int // fail this many Put calls, -1 for all
	rooms     map[string]*store.Room
	offline   bool // all ctx ops fail transient
	handlers  map[string]remote.InboundHandler
	nextSub   remote.Handle
	subRooms  map[remote.Handle]string
	readMarks map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:  make(map[string][]store.Message),
		seen:      make(map[string]bool),
		rooms:     make(map[string]*store.Room),
		handlers:  make(map[string]remote.InboundHandler),
		subRooms:  make(map[remote.Handle]string),
		readMarks: make(map[string]string),
	}
}

func (f *fakeStore) Put(ctx context.Context, roomID, key string, msg *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.offline {
		return &remote.TransientError{Op: "put", Err: errors.New("offline")}
	}
	if f.failPuts != 0 {
		if f.failPuts > 0 {
			f.failPuts--
		}
		return &remote.TransientError{Op: "put", Err: errors.New("connection reset")}
	}
	if f.seen[key] {
		return nil // duplicate write, accepted without effect
	}
	f.seen[key] = true
	f.messages[roomID] = append(f.messages[roomID], *msg)
	return nil
}

func (f *fakeStore) Subscribe(roomID string, h remote.InboundHandler) (remote.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	f.handlers[roomID] = h
	f.subRooms[f.nextSub] = roomID
	return f.nextSub, nil
}

func (f *fakeStore) Unsubscribe(h remote.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, f.subRooms[h])
	delete(f.subRooms, h)
	return nil
}

func (f *fakeStore) CreateRoom(ctx context.Context, r *store.Room) (*store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, &remote.TransientError{Op: "create_room", Err: errors.New("offline")}
	}
	cp := *r
	if cp.RoomID == "" {
		cp.RoomID = "room-" + cp.Name
	}
	f.rooms[cp.RoomID] = &cp
	return &cp, nil
}

func (f *fakeStore) JoinRoom(ctx context.Context, roomID string) error  { return nil }
func (f *fakeStore) LeaveRoom(ctx context.Context, roomID string) error { return nil }

func (f *fakeStore) MarkRead(ctx context.Context, roomID, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return &remote.TransientError{Op: "mark_read", Err: errors.New("offline")}
	}
	f.readMarks[roomID] = msgID
	return nil
}

func (f *fakeStore) Rooms(ctx context.Context) ([]store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, &remote.TransientError{Op: "list_rooms", Err: errors.New("offline")}
	}
	out := make([]store.Room, 0, len(f.rooms))
	for _, r := range f.rooms {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeStore) Room(ctx context.Context, roomID string) (*store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, &remote.TransientError{Op: "get_room", Err: errors.New("offline")}
	}
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *fakeStore) delivered(roomID string) []store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message(nil), f.messages[roomID]...)
}

func (f *fakeStore) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeStore) handler(roomID string) remote.InboundHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[roomID]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Identity = config.Identity{UserID: "u1", DisplayName: "User One"}
	cfg.Engine.DrainIntervalMS = 3_600_000 // tests drive drains explicitly
	return cfg
}

func testClient(t *testing.T, rs remote.Store, dbPath string) *Client {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	c, err := New(testConfig(), rs, dbPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func forceDue(t *testing.T, c *Client) {
	t.Helper()
	if _, err := c.db.Exec(`UPDATE outbox SET next_attempt_at = 0`); err != nil {
		t.Fatal(err)
	}
}

func drain(c *Client) {
	c.engine.DrainOnce(context.Background())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for " + what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendQueuesDurablyWhileOffline(t *testing.T) {
	rs := newFakeStore()
	rs.setOffline(true)
	c := testClient(t, rs, filepath.Join(t.TempDir(), "c.db"))

	events, unsub := c.Events("message.", 16)
	defer unsub()

	entry, err := c.SendMessage("r1", outbox.Payload{Text: "sent offline"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if entry.Status != store.StatusPending {
		t.Errorf("status = %q, want PENDING", entry.Status)
	}
	if entry.Message.SenderID != "u1" {
		t.Errorf("sender = %q", entry.Message.SenderID)
	}

	// The optimistic event fires even though nothing was delivered.
	select {
	case evt := <-events:
		if evt.Kind != bus.KindMessageAdded {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message_added")
	}

	drain(c)
	if len(rs.delivered("r1")) != 0 {
		t.Error("message delivered while remote offline")
	}
	stored, err := c.db.GetOutbox(entry.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.Status != store.StatusPending {
		t.Fatalf("entry = %+v, want still PENDING", stored)
	}
}

func TestDeliveryAfterTransientFailures(t *testing.T) {
	rs := newFakeStore()
	rs.failPuts = 3
	c := testClient(t, rs, filepath.Join(t.TempDir(), "c.db"))

	events, unsub := c.Events(bus.KindMessageAck, 16)
	defer unsub()

	entry, err := c.SendMessage("r1", outbox.Payload{Text: "eventually"})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		forceDue(t, c)
		drain(c)
	}

	delivered := rs.delivered("r1")
	if len(delivered) != 1 || delivered[0].Body != "eventually" {
		t.Fatalf("delivered = %+v", delivered)
	}
	if delivered[0].MsgID != entry.Message.MsgID {
		t.Error("delivered message lost its idempotency key")
	}

	select {
	case evt := <-events:
		ack := evt.Payload.(bus.Ack)
		if ack.LocalID != entry.LocalID {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for ack")
	}

	stored, err := c.db.GetOutbox(entry.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if stored != nil {
		t.Errorf("queue not empty after delivery: %+v", stored)
	}
}

func TestExhaustedRetriesThenManualRetry(t *testing.T) {
	rs := newFakeStore()
	rs.failPuts = 5
	c := testClient(t, rs, filepath.Join(t.TempDir(), "c.db"))

	entry, err := c.SendMessage("r1", outbox.Payload{Text: "stubborn"})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		forceDue(t, c)
		drain(c)
	}

	failed, err := c.FailedMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].LocalID != entry.LocalID {
		t.Fatalf("failed = %+v, want the stubborn entry", failed)
	}
	if failed[0].RetryCount != 5 || failed[0].LastError == "" {
		t.Errorf("entry = %+v, want retry 5 with last error", failed[0])
	}

	// The remote recovered; a manual retry delivers with the original key.
	n, err := c.RetryFailed()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("RetryFailed() = %d, want 1", n)
	}
	drain(c)

	delivered := rs.delivered("r1")
	if len(delivered) != 1 || delivered[0].MsgID != entry.Message.MsgID {
		t.Fatalf("delivered = %+v, want original message", delivered)
	}
	failed, err = c.FailedMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 0 {
		t.Errorf("failed list not empty: %+v", failed)
	}
}

func TestDiscardFailed(t *testing.T) {
	rs := newFakeStore()
	rs.failPuts = 5
	c := testClient(t, rs, filepath.Join(t.TempDir(), "c.db"))

	entry, err := c.SendMessage("r1", outbox.Payload{Text: "give up"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		forceDue(t, c)
		drain(c)
	}

	if err := c.DiscardFailed(entry.LocalID); err != nil {
		t.Fatalf("DiscardFailed() error = %v", err)
	}
	stored, err := c.db.GetOutbox(entry.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if stored != nil {
		t.Errorf("entry survived discard: %+v", stored)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "c.db")
	rs := newFakeStore()
	rs.setOffline(true)

	logger, _ := zap.NewDevelopment()
	c1, err := New(testConfig(), rs, dbPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := c1.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	entry, err := c1.SendMessage("r1", outbox.Payload{Text: "across restarts"})
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-send: the entry is SENDING when the process dies.
	if err := c1.queue.MarkSending(entry.LocalID); err != nil {
		t.Fatal(err)
	}
	if err := c1.Close(); err != nil {
		t.Fatal(err)
	}

	rs.setOffline(false)
	c2 := testClient(t, rs, dbPath)
	if c2.RecoveredCount() != 1 {
		t.Errorf("recovered = %d, want 1", c2.RecoveredCount())
	}

	forceDue(t, c2)
	drain(c2)
	delivered := rs.delivered("r1")
	if len(delivered) != 1 || delivered[0].Body != "across restarts" {
		t.Fatalf("delivered = %+v", delivered)
	}
}

func TestRoomSubscriptionEndToEnd(t *testing.T) {
	rs := newFakeStore()
	c := testClient(t, rs, filepath.Join(t.TempDir(), "c.db"))

	received := make(chan bus.Event, 16)
	cancel, err := c.SubscribeRoom("r1", func(evt bus.Event) { received <- evt })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	// The remote pushes a message; it must land in the cache before the
	// listener hears about it.
	h := rs.handler("r1")
	if h == nil {
		t.Fatal("subscription did not reach the remote")
	}
	h.MessageAdded("r1", &store.Message{
		MsgID:     "m-inbound",
		RoomID:    "r1",
		SenderID:  "u2",
		Body:      "hello from afar",
		Type:      store.TypeText,
		Timestamp: 1000,
	})

	select {
	case evt := <-received:
		if evt.Kind != bus.KindMessageAdded {
			t.Fatalf("event = %+v", evt)
		}
		added := evt.Payload.(bus.MessageAdded)
		if added.LocalID != "" || added.Message.MsgID != "m-inbound" {
			t.Errorf("payload = %+v", added)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inbound message")
	}

	page, err := c.GetMessages("r1", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 1 || page.Messages[0].MsgID != "m-inbound" {
		t.Fatalf("cached = %+v", page.Messages)
	}
}

func TestGetRoomsFallsBackToCache(t *testing.T) {
	rs := newFakeStore()
	c := testClient(t, rs, filepath.Join(t.TempDir(), "c.db"))

	created, err := c.CreateRoom(context.Background(), &store.Room{Name: "general", Type: store.RoomPublic})
	if err != nil {
		t.Fatal(err)
	}

	// Online: rooms come from the remote and refresh the cache.
	list, err := c.GetRooms(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].RoomID != created.RoomID {
		t.Fatalf("rooms = %+v", list)
	}

	// Offline: the cached copy answers.
	rs.setOffline(true)
	list, err = c.GetRooms(context.Background())
	if err != nil {
		t.Fatalf("GetRooms() offline error = %v", err)
	}
	if len(list) != 1 || list[0].RoomID != created.RoomID {
		t.Fatalf("cached rooms = %+v", list)
	}

	room, err := c.GetRoom(context.Background(), created.RoomID)
	if err != nil {
		t.Fatal(err)
	}
	if room == nil || room.Name != "general" {
		t.Errorf("cached room = %+v", room)
	}
}

func TestMarkAsReadSurvivesOffline(t *testing.T) {
	rs := newFakeStore()
	rs.setOffline(true)
	c := testClient(t, rs, filepath.Join(t.TempDir(), "c.db"))

	if err := c.MarkAsRead(context.Background(), "r1", "m7"); err != nil {
		t.Fatalf("MarkAsRead() error = %v", err)
	}
	mark, err := c.ReadMark("r1")
	if err != nil {
		t.Fatal(err)
	}
	if mark != "m7" {
		t.Errorf("read mark = %q, want m7", mark)
	}
}

func TestReconnectDrainsBacklog(t *testing.T) {
	rs := newFakeStore()
	rs.setOffline(true)
	c := testClient(t, rs, filepath.Join(t.TempDir(), "c.db"))

	if _, err := c.SendMessage("r1", outbox.Payload{Text: "backlog"}); err != nil {
		t.Fatal(err)
	}
	drain(c)
	if len(rs.delivered("r1")) != 0 {
		t.Fatal("delivered while offline")
	}

	rs.setOffline(false)
	forceDue(t, c)
	if err := c.StatusMachine().Transition(status.Online); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "backlog delivery", func() bool { return len(rs.delivered("r1")) == 1 })
}
