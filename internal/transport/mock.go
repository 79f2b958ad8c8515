package transport

import (
	"strings"
	"sync"
	"time"

	"github.com/hdhq1504/chatsync/internal/bus"
)

// Mock is an in-process Publisher for mock mode and tests. It records every
// publish; with Echo enabled, messages sent to the outbound destination are
// looped straight back as inbound events, so the full ingest path can run
// without a backend.
type Mock struct {
	mu        sync.Mutex
	bus       *bus.Bus
	connected bool
	published []MockPublish
	rooms     map[string]bool

	// Echo loops sends back as rt.message events.
	Echo bool
	// Err, when set, is returned from every Publish.
	Err error
}

// MockPublish is one recorded Publish call.
type MockPublish struct {
	Destination string
	Body        any
}

// NewMock creates a connected mock transport.
func NewMock(b *bus.Bus) *Mock {
	return &Mock{bus: b, connected: true, rooms: make(map[string]bool)}
}

// SubscribeRoom records a room topic subscription.
func (m *Mock) SubscribeRoom(roomID string) {
	m.mu.Lock()
	m.rooms[roomID] = true
	m.mu.Unlock()
}

// UnsubscribeRoom drops a recorded room subscription.
func (m *Mock) UnsubscribeRoom(roomID string) {
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
}

// SubscribedRooms returns the currently recorded room subscriptions.
func (m *Mock) SubscribedRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

// SetConnected flips the reported connection state.
func (m *Mock) SetConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// Connected implements Publisher.
func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Publish implements Publisher.
func (m *Mock) Publish(destination string, body any) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.Err != nil {
		err := m.Err
		m.mu.Unlock()
		return err
	}
	m.published = append(m.published, MockPublish{Destination: destination, Body: body})
	echo := m.Echo
	m.mu.Unlock()

	if echo && destination == DestSendMessage && m.bus != nil {
		if raw, ok := toRawMap(body); ok {
			dest := DestUserQueue
			if roomID, _ := raw["roomId"].(string); roomID != "" {
				dest = DestRoomPrefix + roomID
			}
			m.bus.Publish(bus.Event{
				Kind:      bus.KindInboundMessage,
				Timestamp: time.Now(),
				Payload:   InboundMessage{Destination: dest, Raw: raw},
			})
		}
	}
	return nil
}

// Published returns a snapshot of recorded publishes.
func (m *Mock) Published() []MockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockPublish, len(m.published))
	copy(out, m.published)
	return out
}

// PublishedTo returns recorded publishes whose destination has the prefix.
func (m *Mock) PublishedTo(prefix string) []MockPublish {
	var out []MockPublish
	for _, p := range m.Published() {
		if strings.HasPrefix(p.Destination, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func toRawMap(body any) (map[string]any, bool) {
	switch v := body.(type) {
	case map[string]any:
		return v, true
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}
