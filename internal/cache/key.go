package cache

import "strings"

const roomPrefix = "room_"

// PairKey derives the canonical key for a direct conversation between two
// participants. The ids are sorted lexicographically before joining, so
// PairKey(a, b) == PairKey(b, a) and every caller referencing the same pair
// hits the same cache slot.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// RoomKey derives the canonical key for a room conversation. The prefix
// keeps room keys in a distinct namespace: a room id that happens to equal
// a user id can never collide with a pair key.
func RoomKey(roomID string) string {
	return roomPrefix + roomID
}

// IsRoomKey reports whether key addresses a room conversation.
func IsRoomKey(key string) bool {
	return strings.HasPrefix(key, roomPrefix)
}

// StorageKey maps a conversation key to its persisted-store key: pair keys
// gain the chat_ namespace, room keys are stored as-is.
func StorageKey(convKey string) string {
	if IsRoomKey(convKey) {
		return convKey
	}
	return "chat_" + convKey
}
