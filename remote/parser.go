package remote

import (
	"fmt"

	"github.com/tmacedo/courier/store"
)

// frame is the websocket wire envelope, both directions.
//
// Client to server ops: put, subscribe, unsubscribe, create_room, join_room,
// leave_room, mark_read, list_rooms, get_room.
// Server to client ops: ack, child_added, room_updated, typing.
type frame struct {
	Op    string `json:"op"`
	ID    int64  `json:"id,omitempty"`
	OK    bool   `json:"ok,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	Room  string       `json:"room,omitempty"`
	Key   string       `json:"key,omitempty"`
	User  string       `json:"user,omitempty"`
	MsgID string       `json:"msg_id,omitempty"`
	Msg   *wireMessage `json:"msg,omitempty"`
	Info  *wireRoom    `json:"room_info,omitempty"`
	Rooms []wireRoom   `json:"rooms,omitempty"`
}

// wireMessage is a message record as it travels over the websocket.
type wireMessage struct {
	ID         string            `json:"id"`
	Room       string            `json:"room"`
	Sender     string            `json:"sender"`
	SenderName string            `json:"sender_name,omitempty"`
	Body       string            `json:"body"`
	Type       string            `json:"type"`
	TS         int64             `json:"ts"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// wireRoom is a room record as it travels over the websocket.
type wireRoom struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	CreatedBy   string `json:"created_by,omitempty"`
	CreatedAt   int64  `json:"created_at,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
	Active      bool   `json:"active"`
}

// parseMessage validates and normalizes a wire message. Malformed records
// are rejected here instead of propagating half-empty rows into the cache.
func parseMessage(w *wireMessage) (*store.Message, error) {
	if w == nil {
		return nil, fmt.Errorf("missing msg field")
	}
	m := &store.Message{
		MsgID:      w.ID,
		RoomID:     w.Room,
		SenderID:   w.Sender,
		SenderName: w.SenderName,
		Body:       w.Body,
		Type:       w.Type,
		Timestamp:  w.TS,
		Metadata:   w.Metadata,
	}
	if m.Type == "" {
		m.Type = store.TypeText
	}
	if err := store.ValidateMessage(m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeMessage(m *store.Message) *wireMessage {
	return &wireMessage{
		ID:         m.MsgID,
		Room:       m.RoomID,
		Sender:     m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		Type:       m.Type,
		TS:         m.Timestamp,
		Metadata:   m.Metadata,
	}
}

func parseRoom(w *wireRoom) (*store.Room, error) {
	if w == nil {
		return nil, fmt.Errorf("missing room_info field")
	}
	if w.ID == "" {
		return nil, fmt.Errorf("empty room id")
	}
	roomType := w.Type
	if roomType == "" {
		roomType = store.RoomPublic
	}
	switch roomType {
	case store.RoomPublic, store.RoomPrivate, store.RoomDirect:
	default:
		return nil, fmt.Errorf("unknown room type %q", w.Type)
	}
	return &store.Room{
		RoomID:      w.ID,
		Name:        w.Name,
		Description: w.Description,
		Type:        roomType,
		CreatedBy:   w.CreatedBy,
		CreatedAt:   w.CreatedAt,
		MemberCount: w.MemberCount,
		Active:      w.Active,
	}, nil
}

func encodeRoom(r *store.Room) *wireRoom {
	return &wireRoom{
		ID:          r.RoomID,
		Name:        r.Name,
		Description: r.Description,
		Type:        r.Type,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   r.CreatedAt,
		MemberCount: r.MemberCount,
		Active:      r.Active,
	}
}
