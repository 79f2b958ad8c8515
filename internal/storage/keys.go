package storage

// Well-known keys. Conversation message lists live under "chat_<pairKey>"
// for direct chats and "room_<roomId>" for rooms; everything else is a
// singleton key.
const (
	KeyAllUsers          = "all_users"
	KeyGroups            = "chat_groups"
	KeyAuthenticatedUser = "authenticated_user"
	KeyAuthToken         = "auth_token"
	KeyRefreshToken      = "refresh_token"
	KeyOutbox            = "outbox"
)
