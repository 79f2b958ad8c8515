package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hdhq1504/chatsync/internal/auth"
	"github.com/hdhq1504/chatsync/internal/bus"
	"github.com/hdhq1504/chatsync/internal/cache"
	"github.com/hdhq1504/chatsync/internal/metrics"
	"github.com/hdhq1504/chatsync/internal/normalize"
	"github.com/hdhq1504/chatsync/internal/rest"
	"github.com/hdhq1504/chatsync/internal/storage"
	"github.com/hdhq1504/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Entry is one queued outbound message, persisted so a crash between
// enqueue and dispatch loses nothing.
type Entry struct {
	ClientMsgID string `json:"clientMsgId"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	QueuedAt    int64  `json:"queuedAt"`
	Attempts    int    `json:"attempts"`
}

// AckPayload is the bus payload for message.send_ack: the optimistic echo
// under ClientMsgID has been replaced by the server's message.
type AckPayload struct {
	Key         string
	ClientMsgID string
	ServerID    string
}

// FailedPayload is the bus payload for message.send_failed.
type FailedPayload struct {
	Key         string
	ClientMsgID string
	Reason      string
}

const (
	defaultDrainInterval = 2 * time.Second
	defaultMaxAttempts   = 5
)

// Sender owns the optimistic send path. Every send appends a client-id echo
// to the cache immediately, queues a persisted entry, and the drain loop
// dispatches it: socket first, REST when the socket is down. A server echo
// carrying the client correlation id replaces the optimistic message, so the
// same logical message never appears twice.
type Sender struct {
	store     *storage.Store
	cache     *cache.Index
	rest      *rest.Client
	transport transport.Publisher
	auth      *auth.Manager
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger

	drainEvery  time.Duration
	maxAttempts int

	mu     sync.Mutex
	queue  []Entry
	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option tweaks sender behavior.
type Option func(*Sender)

// WithDrainInterval overrides the drain tick.
func WithDrainInterval(d time.Duration) Option {
	return func(s *Sender) { s.drainEvery = d }
}

// WithMaxAttempts overrides the per-entry dispatch budget.
func WithMaxAttempts(n int) Option {
	return func(s *Sender) { s.maxAttempts = n }
}

// NewSender creates a sender, restoring any queue persisted by a previous
// run.
func NewSender(st *storage.Store, ix *cache.Index, rc *rest.Client, pub transport.Publisher, am *auth.Manager, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Sender {
	s := &Sender{
		store:       st,
		cache:       ix,
		rest:        rc,
		transport:   pub,
		auth:        am,
		bus:         b,
		metrics:     m,
		logger:      logger,
		drainEvery:  defaultDrainInterval,
		maxAttempts: defaultMaxAttempts,
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	st.Get(storage.KeyOutbox, &s.queue)
	if len(s.queue) > 0 {
		logger.Info("restored outbox queue", zap.Int("entries", len(s.queue)))
	}
	return s
}

// SendDirect queues a direct message to another user and returns the client
// correlation id of the optimistic echo.
func (s *Sender) SendDirect(otherUserID, content, msgType string) string {
	return s.send(Entry{ReceiverID: otherUserID, Content: content, Type: msgType})
}

// SendRoom queues a message to a room.
func (s *Sender) SendRoom(roomID, content, msgType string) string {
	return s.send(Entry{RoomID: roomID, Content: content, Type: msgType})
}

func (s *Sender) send(entry Entry) string {
	entry.ClientMsgID = uuid.NewString()
	entry.SenderID = s.auth.SelfID()
	entry.QueuedAt = time.Now().UnixMilli()
	if entry.Type == "" {
		entry.Type = normalize.TypeText
	}

	s.cache.Append(s.key(entry), s.echo(entry, normalize.StatusSending))

	s.mu.Lock()
	s.queue = append(s.queue, entry)
	s.persistLocked()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return entry.ClientMsgID
}

// key returns the conversation cache key an entry belongs to.
func (s *Sender) key(entry Entry) string {
	if entry.RoomID != "" {
		return cache.RoomKey(entry.RoomID)
	}
	return cache.PairKey(entry.SenderID, entry.ReceiverID)
}

// echo builds the optimistic local rendering of a queued entry.
func (s *Sender) echo(entry Entry, status string) normalize.Message {
	m := normalize.Message{
		ID:        entry.ClientMsgID,
		SenderID:  entry.SenderID,
		Content:   entry.Content,
		Type:      entry.Type,
		Timestamp: entry.QueuedAt,
		Sender:    normalize.SideSelf,
		Status:    status,
	}
	if entry.RoomID != "" {
		m.ReceiverID = entry.RoomID
		m.ChatID = entry.RoomID
		m.ChatType = normalize.ChatRoom
	} else {
		m.ReceiverID = entry.ReceiverID
		m.ChatID = entry.ReceiverID
		m.ChatType = normalize.ChatContact
	}
	return m
}

// Caller holds s.mu.
func (s *Sender) persistLocked() {
	s.store.Set(storage.KeyOutbox, s.queue)
}

// Start begins the drain loop.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the drain loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sender) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.drainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Drain(ctx)
		case <-s.wake:
			s.Drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Drain dispatches queued entries in order until the queue is empty or a
// dispatch fails. A failed entry stays at the head for the next tick; once
// its attempt budget is spent it is dropped and its echo marked failed.
func (s *Sender) Drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		entry := s.queue[0]
		s.mu.Unlock()

		err := s.dispatch(ctx, entry)
		s.mu.Lock()
		if err == nil {
			s.queue = s.queue[1:]
			s.persistLocked()
			s.mu.Unlock()
			continue
		}

		s.queue[0].Attempts++
		exhausted := s.queue[0].Attempts >= s.maxAttempts
		if exhausted {
			s.queue = s.queue[1:]
		}
		s.persistLocked()
		s.mu.Unlock()

		s.logger.Warn("dispatch failed",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.Int("attempts", entry.Attempts+1),
			zap.Error(err))
		if exhausted {
			s.markFailed(entry, err)
			continue
		}
		return
	}
}

// dispatch tries the live socket first; the REST fallback reconciles the
// optimistic echo inline, since the server response carries the final row.
// For the socket path the acknowledgement arrives later as an inbound echo
// frame and is reconciled by the ingestion engine.
func (s *Sender) dispatch(ctx context.Context, entry Entry) error {
	body := map[string]any{
		"senderId":    entry.SenderID,
		"content":     entry.Content,
		"type":        entry.Type,
		"clientMsgId": entry.ClientMsgID,
	}
	if entry.RoomID != "" {
		body["roomId"] = entry.RoomID
	} else {
		body["recipientId"] = entry.ReceiverID
	}

	if s.transport != nil && s.transport.Connected() {
		if err := s.transport.Publish(transport.DestSendMessage, body); err == nil {
			s.metrics.Sends.WithLabelValues("socket").Inc()
			return nil
		} else {
			s.logger.Warn("socket publish failed, falling back to rest",
				zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		}
	}

	raw, err := s.rest.SendMessage(ctx, rest.SendMessageRequest{
		SenderID:    entry.SenderID,
		ReceiverID:  entry.ReceiverID,
		RoomID:      entry.RoomID,
		Content:     entry.Content,
		Type:        entry.Type,
		ClientMsgID: entry.ClientMsgID,
	})
	if err != nil {
		return err
	}
	s.metrics.Sends.WithLabelValues("rest").Inc()

	key := s.key(entry)
	opts := normalize.Options{SelfID: entry.SenderID}
	if entry.RoomID != "" {
		opts.ChatID = entry.RoomID
		opts.ChatType = normalize.ChatRoom
	} else {
		opts.ChatID = entry.ReceiverID
		opts.ChatType = normalize.ChatContact
		opts.OtherUserID = entry.ReceiverID
	}
	serverMsg := normalize.FromRaw(raw, opts)

	if !s.cache.Replace(key, entry.ClientMsgID, serverMsg) {
		// Echo already reconciled (e.g. socket echo raced us); dedupe via Append.
		s.cache.Append(key, serverMsg)
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindSendAck,
		Timestamp: time.Now(),
		Payload:   AckPayload{Key: key, ClientMsgID: entry.ClientMsgID, ServerID: serverMsg.ID},
	})
	return nil
}

// markFailed rewrites the optimistic echo with failed status and publishes
// the failure.
func (s *Sender) markFailed(entry Entry, cause error) {
	key := s.key(entry)
	s.cache.Replace(key, entry.ClientMsgID, s.echo(entry, normalize.StatusFailed))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindSendFailed,
		Timestamp: time.Now(),
		Payload:   FailedPayload{Key: key, ClientMsgID: entry.ClientMsgID, Reason: cause.Error()},
	})
}

// Pending returns a snapshot of the queued entries.
func (s *Sender) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.queue))
	copy(out, s.queue)
	return out
}
