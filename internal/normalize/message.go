package normalize

// ChatType identifies which kind of conversation a message belongs to.
type ChatType string

const (
	ChatContact ChatType = "contact"
	ChatRoom    ChatType = "room"
)

// Side is the rendering side of a message relative to the current user.
// It is derived, never authoritative.
type Side string

const (
	SideSelf  Side = "self"
	SideOther Side = "other"
)

// Message body types.
const (
	TypeText   = "text"
	TypeImage  = "image"
	TypeFiles  = "files"
	TypeSystem = "system"
)

// Delivery status values for locally originated messages. Messages mapped
// from backend payloads carry no status; only optimistic echoes do.
const (
	StatusSending = "sending"
	StatusFailed  = "failed"
)

// Message is the canonical client-side message shape. Every backend payload,
// regardless of which endpoint produced it, is mapped into this before it
// touches the cache.
type Message struct {
	ID         string   `json:"id"`
	SenderID   string   `json:"senderId"`
	ReceiverID string   `json:"receiverId"`
	Content    string   `json:"content"`
	Type       string   `json:"type"`
	Timestamp  int64    `json:"timestamp"` // epoch milliseconds
	ChatID     string   `json:"chatId"`
	ChatType   ChatType `json:"chatType"`
	Sender     Side     `json:"sender"`
	Read       bool     `json:"read"`
	Edited     bool     `json:"edited"`
	Deleted    bool     `json:"deleted"`
	Status     string   `json:"status,omitempty"`
}
