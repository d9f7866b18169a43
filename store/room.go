package store

import (
	"database/sql"
	"time"
)

// UpsertRoom inserts or updates a cached room record.
func (db *DB) UpsertRoom(r *Room) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rooms (room_id, name, description, room_type, created_by, created_at, member_count, last_message_at, last_message_preview, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			room_type = excluded.room_type,
			member_count = excluded.member_count,
			active = excluded.active,
			last_message_at = MAX(rooms.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= rooms.last_message_at THEN excluded.last_message_preview ELSE rooms.last_message_preview END,
			updated_at = excluded.updated_at`,
		r.RoomID, r.Name, r.Description, r.Type, r.CreatedBy, r.CreatedAt,
		r.MemberCount, r.LastMessageAt, r.LastMessagePreview, r.Active, now)
	if err != nil {
		return &PersistenceError{Op: "upsert room", Err: err}
	}
	return nil
}

// TouchRoomPreview advances a room's last-message summary if the message is
// newer than what is cached. Creates a stub row for unknown rooms.
func (db *DB) TouchRoomPreview(roomID string, ts int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rooms (room_id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			last_message_at = MAX(rooms.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > rooms.last_message_at THEN excluded.last_message_preview ELSE rooms.last_message_preview END,
			updated_at = excluded.updated_at`,
		roomID, ts, preview, now)
	if err != nil {
		return &PersistenceError{Op: "touch room preview", Err: err}
	}
	return nil
}

// GetRoom returns the cached room, or nil if unknown.
func (db *DB) GetRoom(roomID string) (*Room, error) {
	var r Room
	err := db.QueryRow(`
		SELECT room_id, name, description, room_type, created_by, created_at, member_count, last_message_at, last_message_preview, active
		FROM rooms WHERE room_id = ?`, roomID).
		Scan(&r.RoomID, &r.Name, &r.Description, &r.Type, &r.CreatedBy, &r.CreatedAt,
			&r.MemberCount, &r.LastMessageAt, &r.LastMessagePreview, &r.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get room", Err: err}
	}
	return &r, nil
}

// ListRooms returns cached rooms ordered by most recent activity.
func (db *DB) ListRooms() ([]Room, error) {
	rows, err := db.Query(`
		SELECT room_id, name, description, room_type, created_by, created_at, member_count, last_message_at, last_message_preview, active
		FROM rooms ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, &PersistenceError{Op: "list rooms", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.RoomID, &r.Name, &r.Description, &r.Type, &r.CreatedBy, &r.CreatedAt,
			&r.MemberCount, &r.LastMessageAt, &r.LastMessagePreview, &r.Active); err != nil {
			return nil, &PersistenceError{Op: "list rooms", Err: err}
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list rooms", Err: err}
	}
	return rooms, nil
}

// SetReadMark records the newest message the user has read in a room.
func (db *DB) SetReadMark(roomID, msgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO read_marks (room_id, msg_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET msg_id = excluded.msg_id, updated_at = excluded.updated_at`,
		roomID, msgID, now)
	if err != nil {
		return &PersistenceError{Op: "set read mark", Err: err}
	}
	return nil
}

// ReadMark returns the read mark for a room, or empty string if none.
func (db *DB) ReadMark(roomID string) (string, error) {
	var msgID string
	err := db.QueryRow(`SELECT msg_id FROM read_marks WHERE room_id = ?`, roomID).Scan(&msgID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &PersistenceError{Op: "read mark", Err: err}
	}
	return msgID, nil
}
