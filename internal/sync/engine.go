package sync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hdhq1504/chatsync/internal/auth"
	"github.com/hdhq1504/chatsync/internal/bus"
	"github.com/hdhq1504/chatsync/internal/cache"
	"github.com/hdhq1504/chatsync/internal/metrics"
	"github.com/hdhq1504/chatsync/internal/normalize"
	"github.com/hdhq1504/chatsync/internal/outbox"
	"github.com/hdhq1504/chatsync/internal/rest"
	"github.com/hdhq1504/chatsync/internal/rooms"
	"github.com/hdhq1504/chatsync/internal/transport"
	"go.uber.org/zap"
)

const (
	defaultPageSize        = 50
	defaultRefreshInterval = 30 * time.Second
	refreshFetchTimeout    = 10 * time.Second
)

// Engine ingests real-time messages into the conversation cache and keeps
// watched conversations topped up from REST history. It subscribes to
// rt.message events on the bus; the transport never touches the cache
// directly.
type Engine struct {
	bus     *bus.Bus
	cache   *cache.Index
	rest    *rest.Client
	auth    *auth.Manager
	rooms   *rooms.Service
	metrics *metrics.Metrics
	logger  *zap.Logger

	pageSize     int
	refreshEvery time.Duration

	mu      sync.Mutex
	watched map[string]watchSpec
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// watchSpec remembers how to re-fetch one conversation's latest page.
type watchSpec struct {
	roomID  string
	otherID string
}

// Option tweaks engine behavior.
type Option func(*Engine)

// WithPageSize overrides the history page size.
func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

// WithRefreshInterval overrides the watched-conversation refresh cadence.
func WithRefreshInterval(d time.Duration) Option {
	return func(e *Engine) { e.refreshEvery = d }
}

// NewEngine creates an ingestion engine.
func NewEngine(b *bus.Bus, ix *cache.Index, rc *rest.Client, am *auth.Manager, rs *rooms.Service, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		bus:          b,
		cache:        ix,
		rest:         rc,
		auth:         am,
		rooms:        rs,
		metrics:      m,
		logger:       logger,
		pageSize:     defaultPageSize,
		refreshEvery: defaultRefreshInterval,
		watched:      make(map[string]watchSpec),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes to inbound events and launches the refresh ticker.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	events, unsub := e.bus.Subscribe(bus.KindInboundMessage, 256)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-events:
				if im, ok := evt.Payload.(transport.InboundMessage); ok {
					e.Ingest(im)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go e.refreshLoop(ctx)
}

// Stop cancels the loops and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Ingest normalizes one inbound frame and appends it to the right
// conversation. A frame carrying our own client correlation id is an echo of
// an optimistic send: the echo is replaced in place instead of appended, so
// the message keeps its position and gains the server id.
func (e *Engine) Ingest(im transport.InboundMessage) {
	self := e.auth.SelfID()

	opts := normalize.Options{SelfID: self}
	var roomID string
	if strings.HasPrefix(im.Destination, transport.DestRoomPrefix) {
		roomID = strings.TrimPrefix(im.Destination, transport.DestRoomPrefix)
		opts.ChatID = roomID
		opts.ChatType = normalize.ChatRoom
	}
	msg := normalize.Realtime(im.Raw, opts)

	var key string
	if msg.ChatType == normalize.ChatRoom {
		if roomID == "" {
			roomID = msg.ReceiverID
		}
		key = cache.RoomKey(roomID)
	} else {
		other := msg.SenderID
		if msg.Sender == normalize.SideSelf {
			other = msg.ReceiverID
		}
		key = cache.PairKey(self, other)
	}

	if cid, _ := im.Raw["clientMsgId"].(string); cid != "" && msg.Sender == normalize.SideSelf {
		if e.cache.Replace(key, cid, msg) {
			e.bus.Publish(bus.Event{
				Kind:      bus.KindSendAck,
				Timestamp: time.Now(),
				Payload:   outbox.AckPayload{Key: key, ClientMsgID: cid, ServerID: msg.ID},
			})
			return
		}
		// No echo left to reconcile: the REST fallback got there first, and
		// Append below dedupes on the server id.
	}

	if e.cache.Append(key, msg) {
		e.metrics.MessagesIngested.Inc()
		if roomID != "" {
			e.rooms.NoteMessage(roomID, msg.Timestamp, msg.Sender == normalize.SideSelf)
		}
	}
}

// BackfillDirect pages direct-message history with another user into the
// cache, newest page first, stopping at maxPages or a short page. Returns
// the number of messages actually added.
func (e *Engine) BackfillDirect(ctx context.Context, otherUserID string, maxPages int) (int, error) {
	self := e.auth.SelfID()
	key := cache.PairKey(self, otherUserID)
	opts := normalize.Options{SelfID: self, ChatID: otherUserID, ChatType: normalize.ChatContact, OtherUserID: otherUserID}

	total := 0
	for page := 0; page < maxPages; page++ {
		rows, err := e.rest.DirectMessages(ctx, self, otherUserID, page, e.pageSize)
		if err != nil {
			return total, err
		}
		total += e.mergeRows(key, rows, normalize.DirectREST, opts)
		if len(rows) < e.pageSize {
			break
		}
	}
	return total, nil
}

// BackfillRoom pages a room's history into the cache.
func (e *Engine) BackfillRoom(ctx context.Context, roomID string, maxPages int) (int, error) {
	key := cache.RoomKey(roomID)
	opts := normalize.Options{SelfID: e.auth.SelfID(), ChatID: roomID, ChatType: normalize.ChatRoom}

	total := 0
	for page := 0; page < maxPages; page++ {
		rows, err := e.rest.RoomMessages(ctx, roomID, page, e.pageSize)
		if err != nil {
			return total, err
		}
		total += e.mergeRows(key, rows, normalize.RoomREST, opts)
		if len(rows) < e.pageSize {
			break
		}
	}
	return total, nil
}

func (e *Engine) mergeRows(key string, rows []map[string]any, adapt func(map[string]any, normalize.Options) normalize.Message, opts normalize.Options) int {
	if len(rows) == 0 {
		return 0
	}
	msgs := make([]normalize.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, adapt(row, opts))
	}
	added := e.cache.Merge(key, msgs)
	if added > 0 {
		e.metrics.MessagesIngested.Add(float64(added))
	}
	return added
}

// WatchDirect adds a direct conversation to the periodic latest-page
// refresh. Returns the conversation key.
func (e *Engine) WatchDirect(otherUserID string) string {
	key := cache.PairKey(e.auth.SelfID(), otherUserID)
	e.mu.Lock()
	e.watched[key] = watchSpec{otherID: otherUserID}
	e.mu.Unlock()
	return key
}

// WatchRoom adds a room to the periodic refresh. Returns the conversation
// key.
func (e *Engine) WatchRoom(roomID string) string {
	key := cache.RoomKey(roomID)
	e.mu.Lock()
	e.watched[key] = watchSpec{roomID: roomID}
	e.mu.Unlock()
	return key
}

// Unwatch removes a conversation from the periodic refresh.
func (e *Engine) Unwatch(key string) {
	e.mu.Lock()
	delete(e.watched, key)
	e.mu.Unlock()
}

// refreshLoop re-fetches the latest history page of every watched
// conversation, catching messages that arrived while the socket was down.
func (e *Engine) refreshLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.refreshWatched(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) refreshWatched(ctx context.Context) {
	e.mu.Lock()
	specs := make(map[string]watchSpec, len(e.watched))
	for k, v := range e.watched {
		specs[k] = v
	}
	e.mu.Unlock()

	for key, spec := range specs {
		fetchCtx, cancel := context.WithTimeout(ctx, refreshFetchTimeout)
		var err error
		if spec.roomID != "" {
			_, err = e.BackfillRoom(fetchCtx, spec.roomID, 1)
		} else {
			_, err = e.BackfillDirect(fetchCtx, spec.otherID, 1)
		}
		cancel()
		if err != nil {
			e.logger.Warn("refresh fetch failed", zap.String("key", key), zap.Error(err))
		}
	}
}
