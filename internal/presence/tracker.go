package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hdhq1504/chatsync/internal/bus"
	"github.com/hdhq1504/chatsync/internal/transport"
	"go.uber.org/zap"
)

// ChangePayload is the bus payload for presence.changed.
type ChangePayload struct {
	UserID string
	Online bool
}

// Tracker maintains the set of currently online users from the transport's
// presence topics. State is in-memory only; a reconnect rebuilds it from the
// backend's announcements.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}

	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a presence tracker.
func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		online: make(map[string]struct{}),
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to rt.presence events.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	events, unsub := t.bus.Subscribe(bus.KindInboundPresence, 64)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-events:
				if pe, ok := evt.Payload.(transport.PresenceEvent); ok {
					t.apply(pe)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the event loop and waits for it to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// apply updates the set; only actual changes are re-published, so repeated
// online announcements from the backend stay quiet.
func (t *Tracker) apply(pe transport.PresenceEvent) {
	t.mu.Lock()
	_, was := t.online[pe.UserID]
	if pe.Online {
		t.online[pe.UserID] = struct{}{}
	} else {
		delete(t.online, pe.UserID)
	}
	t.mu.Unlock()

	if was == pe.Online {
		return
	}
	t.logger.Debug("presence changed",
		zap.String("user", pe.UserID), zap.Bool("online", pe.Online))
	t.bus.Publish(bus.Event{
		Kind:      bus.KindPresenceChanged,
		Timestamp: time.Now(),
		Payload:   ChangePayload{UserID: pe.UserID, Online: pe.Online},
	})
}

// Online reports whether a user is currently online.
func (t *Tracker) Online(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Snapshot returns the sorted ids of all online users.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}
