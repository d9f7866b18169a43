package remote

import (
	"reflect"
	"testing"

	"github.com/tmacedo/courier/store"
)

func TestParseMessage(t *testing.T) {
	w := &wireMessage{
		ID:       "m1",
		Room:     "r1",
		Sender:   "u2",
		Body:     "hello",
		Type:     "text",
		TS:       1000,
		Metadata: map[string]string{"k": "v"},
	}
	m, err := parseMessage(w)
	if err != nil {
		t.Fatal(err)
	}
	if m.MsgID != "m1" || m.RoomID != "r1" || m.SenderID != "u2" {
		t.Errorf("identity fields = %+v", m)
	}
	if m.Body != "hello" || m.Type != store.TypeText || m.Timestamp != 1000 {
		t.Errorf("content fields = %+v", m)
	}
	if m.Metadata["k"] != "v" {
		t.Errorf("metadata = %v", m.Metadata)
	}
}

func TestParseMessageDefaultsType(t *testing.T) {
	m, err := parseMessage(&wireMessage{ID: "m1", Room: "r1", Sender: "u2", Body: "x", TS: 1})
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != store.TypeText {
		t.Errorf("type = %q, want text", m.Type)
	}
}

func TestParseMessageRejectsMalformed(t *testing.T) {
	cases := []struct {
		desc string
		w    *wireMessage
	}{
		{"nil", nil},
		{"no id", &wireMessage{Room: "r1", Sender: "u2", TS: 1}},
		{"no room", &wireMessage{ID: "m1", Sender: "u2", TS: 1}},
		{"no sender", &wireMessage{ID: "m1", Room: "r1", TS: 1}},
		{"zero ts", &wireMessage{ID: "m1", Room: "r1", Sender: "u2"}},
		{"bad type", &wireMessage{ID: "m1", Room: "r1", Sender: "u2", TS: 1, Type: "sticker"}},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := parseMessage(tc.w); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	m := &store.Message{
		MsgID: "m1", RoomID: "r1", SenderID: "u2", SenderName: "Bea",
		Body: "hi", Type: store.TypeFile, Timestamp: 42,
	}
	got, err := parseMessage(encodeMessage(m))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("round trip = %+v, want %+v", got, m)
	}
}

func TestParseRoom(t *testing.T) {
	w := &wireRoom{ID: "r1", Name: "General", Type: "private", MemberCount: 3, Active: true}
	r, err := parseRoom(w)
	if err != nil {
		t.Fatal(err)
	}
	if r.RoomID != "r1" || r.Type != store.RoomPrivate || r.MemberCount != 3 || !r.Active {
		t.Errorf("room = %+v", r)
	}
}

func TestParseRoomDefaultsType(t *testing.T) {
	r, err := parseRoom(&wireRoom{ID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Type != store.RoomPublic {
		t.Errorf("type = %q, want public", r.Type)
	}
}

func TestParseRoomRejectsMalformed(t *testing.T) {
	if _, err := parseRoom(nil); err == nil {
		t.Error("expected error for nil room")
	}
	if _, err := parseRoom(&wireRoom{Name: "no id"}); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := parseRoom(&wireRoom{ID: "r1", Type: "broadcast"}); err == nil {
		t.Error("expected error for unknown type")
	}
}
