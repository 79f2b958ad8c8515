package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hdhq1504/chatsync/internal/auth"
	"github.com/hdhq1504/chatsync/internal/bus"
	"github.com/hdhq1504/chatsync/internal/metrics"
	"github.com/hdhq1504/chatsync/internal/status"
	"github.com/hdhq1504/chatsync/internal/stomp"
	"go.uber.org/zap"
)

// STOMP destinations the backend exposes.
const (
	DestUserQueue      = "/user/queue/messages"
	DestOnline         = "/topic/online"
	DestOffline        = "/topic/offline"
	DestRoomPrefix     = "/topic/room/"
	DestSendMessage    = "/app/sendMessage"
	DestUserConnect    = "/app/user/connect"
	DestUserDisconnect = "/app/user/disconnect"
)

const (
	defaultBaseDelay   = 2 * time.Second
	defaultMaxAttempts = 5
	handshakeTimeout   = 10 * time.Second
)

// ErrNotConnected is returned by Publish when no live socket exists; the
// caller is expected to fall back to REST.
var ErrNotConnected = fmt.Errorf("transport: not connected")

// InboundMessage is the bus payload for rt.message events: the raw decoded
// frame body plus the destination it arrived on, so the ingestion engine can
// pick the right normalizer adapter.
type InboundMessage struct {
	Destination string
	Raw         map[string]any
}

// PresenceEvent is the bus payload for rt.presence events.
type PresenceEvent struct {
	UserID string
	Online bool
}

// Publisher is the send-path view of the transport.
type Publisher interface {
	Connected() bool
	Publish(destination string, body any) error
}

// Adapter wraps a STOMP-over-WebSocket connection to the chat backend. It
// subscribes to the per-user queue, presence topics and joined room topics,
// routes inbound frames onto the bus, and reconnects with a linearly growing
// delay up to a bounded attempt count. After the budget is exhausted it
// stays disconnected until Kick is called (e.g. on a network-online event).
type Adapter struct {
	wsURL       string
	auth        *auth.Manager
	machine     *status.Machine
	bus         *bus.Bus
	metrics     *metrics.Metrics
	logger      *zap.Logger
	baseDelay   time.Duration
	maxAttempts int

	mu         sync.Mutex
	conn       *websocket.Conn
	attempts   int
	retryTimer *time.Timer // single source of truth for "a retry is scheduled"
	nextSubID  int
	rooms      map[string]string // room id -> subscription id
	closed     bool
}

// Option tweaks adapter behavior.
type Option func(*Adapter)

// WithRetryPolicy overrides the reconnect base delay and attempt budget.
func WithRetryPolicy(base time.Duration, maxAttempts int) Option {
	return func(a *Adapter) {
		a.baseDelay = base
		a.maxAttempts = maxAttempts
	}
}

// NewAdapter creates a transport adapter. Nothing connects until Connect.
func NewAdapter(wsURL string, am *auth.Manager, machine *status.Machine, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		wsURL:       wsURL,
		auth:        am,
		machine:     machine,
		bus:         b,
		metrics:     m,
		logger:      logger,
		baseDelay:   defaultBaseDelay,
		maxAttempts: defaultMaxAttempts,
		rooms:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connected reports whether a live socket exists.
func (a *Adapter) Connected() bool {
	return a.machine.Current() == status.Connected
}

// Connect dials the backend, performs the STOMP handshake, subscribes to
// the standing destinations and announces presence. Safe to call from
// Disconnected or Reconnecting.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.machine.Transition(status.Connecting); err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.wsURL, nil)
	if err != nil {
		a.logger.Warn("websocket dial failed", zap.Error(err))
		_ = a.machine.Transition(status.Reconnecting)
		a.scheduleRetry()
		return fmt.Errorf("dial %s: %w", a.wsURL, err)
	}

	if err := a.handshake(conn); err != nil {
		_ = conn.Close()
		a.logger.Warn("stomp handshake failed", zap.Error(err))
		_ = a.machine.Transition(status.Reconnecting)
		a.scheduleRetry()
		return err
	}

	a.mu.Lock()
	a.conn = conn
	a.attempts = 0
	a.closed = false
	a.mu.Unlock()

	if err := a.machine.Transition(status.Connected); err != nil {
		// Machine disagrees (e.g. Close raced us); tear down quietly.
		_ = conn.Close()
		return err
	}

	a.subscribeStanding()
	a.announce(DestUserConnect)

	go a.readLoop(conn)

	a.logger.Info("transport connected", zap.String("url", a.wsURL))
	return nil
}

func (a *Adapter) handshake(conn *websocket.Conn) error {
	connect := stomp.NewConnect("chatsync", a.auth.AccessToken())
	if err := conn.WriteMessage(websocket.TextMessage, connect.Marshal()); err != nil {
		return fmt.Errorf("write CONNECT: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}
	frame, err := stomp.Parse(data)
	if err != nil {
		return fmt.Errorf("parse handshake reply: %w", err)
	}
	if frame.Command != stomp.CmdConnected {
		return fmt.Errorf("handshake rejected: %s %s", frame.Command, frame.Body)
	}
	return nil
}

// subscribeStanding subscribes the per-user queue, the presence topics, and
// any rooms joined before a reconnect.
func (a *Adapter) subscribeStanding() {
	a.subscribe(DestUserQueue)
	a.subscribe(DestOnline)
	a.subscribe(DestOffline)

	a.mu.Lock()
	roomIDs := make([]string, 0, len(a.rooms))
	for id := range a.rooms {
		roomIDs = append(roomIDs, id)
	}
	a.mu.Unlock()
	for _, id := range roomIDs {
		a.addRoomSubscription(id)
	}
}

func (a *Adapter) subscribe(destination string) string {
	a.mu.Lock()
	id := "sub-" + strconv.Itoa(a.nextSubID)
	a.nextSubID++
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return id
	}
	if err := conn.WriteMessage(websocket.TextMessage, stomp.NewSubscribe(id, destination).Marshal()); err != nil {
		a.logger.Warn("subscribe failed", zap.String("destination", destination), zap.Error(err))
	}
	return id
}

// SubscribeRoom registers interest in a room's broadcast topic. The
// subscription is re-established automatically after a reconnect.
func (a *Adapter) SubscribeRoom(roomID string) {
	a.mu.Lock()
	_, already := a.rooms[roomID]
	a.mu.Unlock()
	if already {
		return
	}
	a.addRoomSubscription(roomID)
}

func (a *Adapter) addRoomSubscription(roomID string) {
	id := a.subscribe(DestRoomPrefix + roomID)
	a.mu.Lock()
	a.rooms[roomID] = id
	a.mu.Unlock()
}

// UnsubscribeRoom drops a room topic.
func (a *Adapter) UnsubscribeRoom(roomID string) {
	a.mu.Lock()
	id, ok := a.rooms[roomID]
	delete(a.rooms, roomID)
	conn := a.conn
	a.mu.Unlock()
	if !ok || conn == nil {
		return
	}
	frame := &stomp.Frame{Command: stomp.CmdUnsubscribe, Headers: map[string]string{"id": id}}
	if err := conn.WriteMessage(websocket.TextMessage, frame.Marshal()); err != nil {
		a.logger.Warn("unsubscribe failed", zap.String("room", roomID), zap.Error(err))
	}
}

// announce publishes a presence announcement for the current user.
func (a *Adapter) announce(destination string) {
	self := a.auth.SelfID()
	if self == "" {
		return
	}
	if err := a.Publish(destination, map[string]string{"userId": self}); err != nil {
		a.logger.Warn("presence announce failed", zap.String("destination", destination), zap.Error(err))
	}
}

// Publish sends a JSON body to a destination over the live socket. Returns
// ErrNotConnected when no socket is up; a write failure also triggers the
// reconnect cycle before being returned.
func (a *Adapter) Publish(destination string, body any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil || a.machine.Current() != status.Connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal publish body: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, stomp.NewSend(destination, data).Marshal()); err != nil {
		a.logger.Warn("publish failed", zap.String("destination", destination), zap.Error(err))
		a.onTransportError()
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			closed := a.closed || a.conn != conn
			a.mu.Unlock()
			if !closed {
				a.logger.Warn("transport read error", zap.Error(err))
				a.onTransportError()
			}
			return
		}
		a.handleFrame(data)
	}
}

// handleFrame parses and routes one inbound frame. Malformed frames are
// dropped with a log line; they never close the connection and never reach
// the cache.
func (a *Adapter) handleFrame(data []byte) {
	frame, err := stomp.Parse(data)
	if err != nil {
		a.logger.Warn("dropping unparseable frame", zap.Error(err))
		a.countDropped()
		return
	}

	switch frame.Command {
	case stomp.CmdMessage:
		a.handleMessage(frame)
	case stomp.CmdError:
		a.logger.Warn("broker error frame", zap.ByteString("body", frame.Body))
	default:
		// Receipts, heartbeats and anything else are ignored.
	}
}

func (a *Adapter) handleMessage(frame *stomp.Frame) {
	dest := frame.Headers["destination"]

	var raw map[string]any
	if err := json.Unmarshal(frame.Body, &raw); err != nil {
		a.logger.Warn("dropping frame with malformed JSON body",
			zap.String("destination", dest), zap.Error(err))
		a.countDropped()
		return
	}

	switch dest {
	case DestOnline, DestOffline:
		userID, _ := raw["userId"].(string)
		if userID == "" {
			if n, ok := raw["userId"].(float64); ok {
				userID = strconv.FormatInt(int64(n), 10)
			}
		}
		if userID == "" {
			a.countDropped()
			return
		}
		a.bus.Publish(bus.Event{
			Kind:      bus.KindInboundPresence,
			Timestamp: time.Now(),
			Payload:   PresenceEvent{UserID: userID, Online: dest == DestOnline},
		})
	default:
		a.bus.Publish(bus.Event{
			Kind:      bus.KindInboundMessage,
			Timestamp: time.Now(),
			Payload:   InboundMessage{Destination: dest, Raw: raw},
		})
	}
}

func (a *Adapter) countDropped() {
	if a.metrics != nil {
		a.metrics.FramesDropped.Inc()
	}
}

// onTransportError tears down the current socket and enters the retry cycle.
func (a *Adapter) onTransportError() {
	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()

	if err := a.machine.Transition(status.Reconnecting); err != nil {
		return
	}
	a.scheduleRetry()
}

// scheduleRetry arms the single retry timer with a linearly growing delay.
// When the attempt budget is exhausted the machine drops to Disconnected
// and stays there until Kick.
func (a *Adapter) scheduleRetry() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.attempts++
	if a.attempts > a.maxAttempts {
		a.logger.Warn("reconnect budget exhausted", zap.Int("attempts", a.attempts-1))
		_ = a.machine.Transition(status.Disconnected)
		return
	}

	if a.metrics != nil {
		a.metrics.Reconnects.Inc()
	}
	delay := a.baseDelay * time.Duration(a.attempts)
	a.logger.Info("scheduling reconnect",
		zap.Int("attempt", a.attempts), zap.Duration("delay", delay))

	if a.retryTimer != nil {
		a.retryTimer.Stop()
	}
	a.retryTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		defer cancel()
		if err := a.Connect(ctx); err != nil {
			a.logger.Warn("reconnect attempt failed", zap.Error(err))
		}
	})
}

// Kick resets the retry budget and reconnects if currently disconnected.
// Wire this to external triggers such as a network-online notification.
func (a *Adapter) Kick() {
	a.mu.Lock()
	a.attempts = 0
	a.closed = false
	a.mu.Unlock()

	if a.machine.Current() == status.Disconnected {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
			defer cancel()
			if err := a.Connect(ctx); err != nil {
				a.logger.Warn("kick reconnect failed", zap.Error(err))
			}
		}()
	}
}

// Close announces offline while the socket is still live, cancels any
// pending retry and tears the connection down for good.
func (a *Adapter) Close() {
	a.announce(DestUserDisconnect)

	a.mu.Lock()
	a.closed = true
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.TextMessage, stomp.NewDisconnect().Marshal())
		_ = conn.Close()
	}
	if a.machine.Current() != status.Disconnected {
		_ = a.machine.Transition(status.Disconnected)
	}
	a.logger.Info("transport closed")
}
