package bus

import "time"

// Event kinds are dot-separated namespaces. The transport publishes under
// "rt.", the cache and send path under "message.", the state machine under
// "session." and the presence tracker under "presence.".
const (
	KindInboundMessage  = "rt.message"
	KindInboundPresence = "rt.presence"
	KindMessageAppended = "message.appended"
	KindSendAck         = "message.send_ack"
	KindSendFailed      = "message.send_failed"
	KindStatusChanged   = "session.status_changed"
	KindPresenceChanged = "presence.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
