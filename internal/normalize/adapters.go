package normalize

import (
	"fmt"
	"strings"
	"time"
)

// The backend produces three distinct payload shapes for the same logical
// message: direct-message REST rows, room REST rows, and the real-time
// socket envelope. Rather than probing one unordered candidate chain, each
// shape gets its own named adapter so the supported field sets stay
// auditable. DetectShape picks the adapter from explicit discriminants.
//
// All adapters are pure given their inputs plus Options: no I/O, no input
// mutation, and missing fields degrade to defaults instead of failing.
// A payload missing every expected field still yields a plausible Message;
// tolerating heterogeneous backends is preferred over rejecting frames.

// Options carries the caller's conversation context, since a raw payload
// alone can be ambiguous about which local conversation it belongs to.
type Options struct {
	SelfID      string
	ChatID      string
	ChatType    ChatType // forces the chat type when set
	OtherUserID string
}

// Shape discriminates the known upstream payload layouts.
type Shape int

const (
	ShapeDirectREST Shape = iota
	ShapeRoomREST
	ShapeRealtime
)

// DetectShape classifies a raw payload by explicit discriminant fields.
// The socket envelope is the only shape carrying recipientId, sentAt or
// messageType; room REST rows are the only remaining shape with a room id.
func DetectShape(raw map[string]any) Shape {
	if hasAny(raw, "recipientId", "sentAt", "messageType") {
		return ShapeRealtime
	}
	if hasAny(raw, "roomId", "room_id") {
		return ShapeRoomREST
	}
	return ShapeDirectREST
}

// FromRaw detects the payload shape and applies the matching adapter.
func FromRaw(raw map[string]any, opts Options) Message {
	switch DetectShape(raw) {
	case ShapeRealtime:
		return Realtime(raw, opts)
	case ShapeRoomREST:
		return RoomREST(raw, opts)
	default:
		return DirectREST(raw, opts)
	}
}

// DirectREST maps a direct-message history row: sender/receiver ids under
// snake_case or camelCase, body under "message" or "content".
func DirectREST(raw map[string]any, opts Options) Message {
	senderID := stringField(raw, "senderId", "sender_id", "from")
	receiverID := stringField(raw, "receiverId", "receiver_id", "to")
	m := Message{
		ID:         stringField(raw, "id", "messageId", "_id"),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    stringField(raw, "content", "message", "body"),
		Type:       typeField(raw, "type"),
		Timestamp:  timestampField(raw, "timestamp", "createdAt", "created_at", "time"),
	}
	finish(&m, opts, ChatContact)
	return m
}

// RoomREST maps a room history row: the room id doubles as the receiver.
func RoomREST(raw map[string]any, opts Options) Message {
	m := Message{
		ID:       stringField(raw, "id", "messageId", "_id"),
		SenderID: stringField(raw, "senderId", "sender_id", "userId", "user_id"),
		Content:  stringField(raw, "content", "message", "body"),
		Type:     typeField(raw, "type"),
		Timestamp: timestampField(raw,
			"timestamp", "createdAt", "created_at", "time"),
	}
	m.ReceiverID = stringField(raw, "roomId", "room_id")
	finish(&m, opts, ChatRoom)
	return m
}

// Realtime maps the socket event envelope: camelCase ids, body under
// "content", timestamp under "sentAt", type under "messageType". A roomId
// marks a room broadcast; otherwise it is a direct delivery.
func Realtime(raw map[string]any, opts Options) Message {
	m := Message{
		ID:        stringField(raw, "id", "messageId"),
		SenderID:  stringField(raw, "senderId", "from"),
		Content:   stringField(raw, "content", "message"),
		Type:      typeField(raw, "messageType", "type"),
		Timestamp: timestampField(raw, "sentAt", "timestamp", "createdAt"),
	}
	chatType := ChatContact
	if roomID := stringField(raw, "roomId"); roomID != "" {
		chatType = ChatRoom
		m.ReceiverID = roomID
	} else {
		m.ReceiverID = stringField(raw, "recipientId", "receiverId")
	}
	finish(&m, opts, chatType)
	return m
}

// finish derives the fields that depend on the caller's context: chat type,
// self/other side, receiver fallback, chat id, and a deterministic local id
// when the payload carried none.
func finish(m *Message, opts Options, detected ChatType) {
	m.ChatType = detected
	if opts.ChatType != "" {
		m.ChatType = opts.ChatType
	}

	// String comparison on purpose: different endpoints disagree on whether
	// ids are numbers or strings.
	if m.SenderID != "" && m.SenderID == opts.SelfID {
		m.Sender = SideSelf
	} else {
		m.Sender = SideOther
	}

	if m.ChatType == ChatRoom {
		if m.ReceiverID == "" {
			m.ReceiverID = opts.ChatID
		}
	} else if m.ReceiverID == "" {
		// For contact messages the receiver is whichever side is not the
		// resolved sender.
		if m.Sender == SideSelf {
			m.ReceiverID = opts.OtherUserID
		} else {
			m.ReceiverID = opts.SelfID
		}
	}

	m.ChatID = opts.ChatID
	if m.ChatID == "" {
		m.ChatID = m.ReceiverID
	}

	if m.ID == "" {
		m.ID = fmt.Sprintf("local-%s-%d", m.SenderID, m.Timestamp)
	}
}

func hasAny(raw map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := raw[k]; ok {
			return true
		}
	}
	return false
}

// stringField returns the first present candidate rendered as a string.
// Numeric ids become their decimal form so "1" and 1 compare equal.
func stringField(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			if t == float64(int64(t)) {
				return fmt.Sprintf("%d", int64(t))
			}
			return fmt.Sprintf("%v", t)
		case bool:
			return fmt.Sprintf("%v", t)
		}
	}
	return ""
}

// typeField lowercases the message type, defaulting to text.
func typeField(raw map[string]any, keys ...string) string {
	if v := stringField(raw, keys...); v != "" {
		return strings.ToLower(v)
	}
	return TypeText
}

// timestampField resolves the first parseable candidate to epoch
// milliseconds, falling back to the processing time. Numeric values under
// the millisecond range are treated as epoch seconds.
func timestampField(raw map[string]any, keys ...string) int64 {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			ms := int64(t)
			if ms <= 0 {
				continue
			}
			if ms < 1e12 {
				ms *= 1000
			}
			return ms
		case string:
			if ts, err := time.Parse(time.RFC3339, t); err == nil {
				return ts.UnixMilli()
			}
			if ts, err := time.Parse("2006-01-02 15:04:05", t); err == nil {
				return ts.UnixMilli()
			}
		}
	}
	return time.Now().UnixMilli()
}
