package talentbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Realtime event names.
const (
	EventMessage   = "message"
	EventJoinRoom  = "joinRoom"
	EventLeaveRoom = "leaveRoom"
)

// ============================================================================
// Wire Types
// ============================================================================

// RealtimeEnvelope is the wire format for all inbound realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server event.
type RealtimeCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeManager.
type RealtimeConfig struct {
	// Path is appended to the API base URL. Default "/ws".
	Path string

	// MaxReconnectAttempts bounds consecutive failed reconnects. Negative
	// means unlimited. Default 5.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration // default 2s
	ReconnectMaxDelay    time.Duration // default 5s
	DisableReconnect     bool

	// HeartbeatInterval is the ping period. Negative disables the heartbeat.
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds the dial, each ping and the room resync.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// InboundBuffer is the capacity of the queue between the socket reader
	// and the single consumer.
	InboundBuffer int

	// HTTPClient is used for the upgrade request. It must not set Timeout.
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 64
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// ConversationLister returns the caller's conversations. The manager joins
// one room per conversation after every successful connect.
type ConversationLister interface {
	List(ctx context.Context) ([]Conversation, error)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

// nextDelay is min(base*2^attempt, max).
func (r *reconnector) nextDelay() time.Duration {
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt)),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// RealtimeManager
// ============================================================================

// RealtimeManager owns the single realtime connection. It tracks joined
// conversation rooms, rebuilds them from the server's conversation list after
// every (re)connect and feeds inbound messages, in arrival order, to one
// consumer goroutine.
type RealtimeManager struct {
	baseURL  string
	config   RealtimeConfig
	tokens   TokenStore
	lister   ConversationLister
	notifier *Notifier
	log      *zap.Logger
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  RealtimeState
	conn   *websocket.Conn
	gen    uint64
	closed bool
	recon  *reconnector

	// roomsMu serializes every change to the membership set, so a resync
	// never interleaves with a drop or a teardown.
	roomsMu sync.Mutex
	rooms   map[string]struct{}

	handlersMu    sync.RWMutex
	stateHandlers []func(RealtimeState)
	errHandlers   []func(error)
	generic       map[string][]RealtimeEventHandler

	inbound      chan RealtimeEnvelope
	consumerOnce sync.Once
	wg           sync.WaitGroup
}

// NewRealtimeManager creates a manager for the API at baseURL. It fails with
// ErrNoToken when tokens holds no session token. lister and notifier may be
// nil.
func NewRealtimeManager(ctx context.Context, baseURL string, tokens TokenStore, lister ConversationLister, notifier *Notifier, config *RealtimeConfig) (*RealtimeManager, error) {
	if tokens == nil {
		return nil, ErrNoToken
	}
	token, err := tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("read session token: %w", err)
	}
	if token == "" {
		return nil, ErrNoToken
	}

	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	lifetime, cancel := context.WithCancel(context.Background())
	m := &RealtimeManager{
		baseURL:  strings.TrimRight(baseURL, "/"),
		config:   cfg,
		tokens:   tokens,
		lister:   lister,
		notifier: notifier,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		ctx:      lifetime,
		cancel:   cancel,
		state:    StateDisconnected,
		recon:    newReconnector(&cfg),
		rooms:    make(map[string]struct{}),
		generic:  make(map[string][]RealtimeEventHandler),
		inbound:  make(chan RealtimeEnvelope, cfg.InboundBuffer),
	}
	m.metrics.setState(StateDisconnected)
	return m, nil
}

// OnStateChange registers a handler called after every state transition.
func (m *RealtimeManager) OnStateChange(h func(RealtimeState)) {
	m.handlersMu.Lock()
	m.stateHandlers = append(m.stateHandlers, h)
	m.handlersMu.Unlock()
}

// OnConnectError registers a handler for failed dials. Failures are not
// fatal; the reconnect policy decides whether another attempt follows.
func (m *RealtimeManager) OnConnectError(h func(error)) {
	m.handlersMu.Lock()
	m.errHandlers = append(m.errHandlers, h)
	m.handlersMu.Unlock()
}

// On registers a generic event handler. Handlers run on the consumer
// goroutine in arrival order.
func (m *RealtimeManager) On(eventType string, h RealtimeEventHandler) {
	m.handlersMu.Lock()
	m.generic[eventType] = append(m.generic[eventType], h)
	m.handlersMu.Unlock()
}

// State returns the current connection state.
func (m *RealtimeManager) State() RealtimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Rooms returns the joined conversation ids, sorted.
func (m *RealtimeManager) Rooms() []string {
	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()
	return sortedKeys(m.rooms)
}

// Connect opens the connection and joins the caller's rooms. When the first
// dial fails its error is returned and, unless reconnection is disabled, the
// manager keeps retrying in the background. Connect on an open or opening
// manager is a no-op.
func (m *RealtimeManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.recon.reset()
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notify()

	m.consumerOnce.Do(func() { go m.consume() })

	err := m.dial(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosed) {
		return err
	}
	m.connectError(err)
	if m.config.DisableReconnect || errors.Is(err, ErrNoToken) {
		m.settle(StateDisconnected)
		return err
	}
	m.startReconnect()
	return err
}

// Disconnect tears the manager down: pending reconnects are cancelled, a
// leave is sent for every joined room, the membership set is cleared and the
// socket is closed, in that order. A disconnected manager cannot reconnect.
func (m *RealtimeManager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	m.cancel()

	m.roomsMu.Lock()
	if conn != nil {
		for _, id := range sortedKeys(m.rooms) {
			if err := m.emit(context.Background(), conn, EventLeaveRoom, id); err != nil {
				m.log.Debug("leave room on disconnect", zap.String("conversation_id", id), zap.Error(err))
			}
		}
	}
	m.rooms = make(map[string]struct{})
	m.roomsMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	m.mu.Lock()
	notify := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	notify()

	m.wg.Wait()
	m.log.Info("realtime disconnected")
	return err
}

// JoinRoom joins a conversation room. Joining a room already in the set is a
// no-op.
func (m *RealtimeManager) JoinRoom(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("realtime: empty conversation id")
	}
	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()

	if _, ok := m.rooms[conversationID]; ok {
		return nil
	}
	conn := m.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	if err := m.emit(ctx, conn, EventJoinRoom, conversationID); err != nil {
		return fmt.Errorf("join room %s: %w", conversationID, err)
	}
	m.rooms[conversationID] = struct{}{}
	return nil
}

// LeaveRoom leaves a conversation room. Leaving a room not in the set is a
// no-op.
func (m *RealtimeManager) LeaveRoom(ctx context.Context, conversationID string) error {
	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()

	if _, ok := m.rooms[conversationID]; !ok {
		return nil
	}
	delete(m.rooms, conversationID)
	conn := m.currentConn()
	if conn == nil {
		return nil
	}
	if err := m.emit(ctx, conn, EventLeaveRoom, conversationID); err != nil {
		return fmt.Errorf("leave room %s: %w", conversationID, err)
	}
	return nil
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// dial performs one handshake with the token current at call time. On
// success the reader and heartbeat are started and rooms are resynced.
func (m *RealtimeManager) dial(ctx context.Context) error {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("read session token: %w", err)
	}
	if token == "" {
		return ErrNoToken
	}
	u, err := m.wsURL(token)
	if err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, m.config.HandshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, u, &websocket.DialOptions{
		HTTPClient: m.config.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrClosed
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.recon.reset()
	notify := m.setStateLocked(StateConnected)
	m.wg.Add(2)
	m.mu.Unlock()
	notify()

	m.log.Info("realtime connected", zap.Uint64("generation", gen))
	go m.readLoop(gen, conn)
	go m.heartbeat(gen, conn)

	m.resyncRooms(gen, conn)
	return nil
}

func (m *RealtimeManager) wsURL(token string) (string, error) {
	u, err := url.Parse(m.baseURL + m.config.Path)
	if err != nil {
		return "", fmt.Errorf("realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// resyncRooms joins every server-side conversation missing from the set.
func (m *RealtimeManager) resyncRooms(gen uint64, conn *websocket.Conn) {
	if m.lister == nil {
		return
	}
	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()

	if !m.current(gen) {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.config.HandshakeTimeout)
	defer cancel()

	convs, err := m.lister.List(ctx)
	if err != nil {
		m.log.Warn("list conversations for room resync", zap.Error(err))
		return
	}
	joined := 0
	for _, c := range convs {
		if _, ok := m.rooms[c.ID]; ok {
			continue
		}
		if !m.current(gen) {
			return
		}
		if err := m.emit(ctx, conn, EventJoinRoom, c.ID); err != nil {
			m.log.Warn("rejoin room", zap.String("conversation_id", c.ID), zap.Error(err))
			return
		}
		m.rooms[c.ID] = struct{}{}
		joined++
	}
	m.log.Debug("rooms resynced", zap.Int("joined", joined), zap.Int("total", len(m.rooms)))
}

// readLoop reads with a background context: cancelling a read closes the
// socket, and closing is Disconnect's job.
func (m *RealtimeManager) readLoop(gen uint64, conn *websocket.Conn) {
	defer m.wg.Done()
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			m.handleDrop(gen, err)
			return
		}

		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.log.Debug("drop unparseable realtime frame", zap.Error(err))
			continue
		}
		select {
		case m.inbound <- env:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *RealtimeManager) heartbeat(gen uint64, conn *websocket.Conn) {
	defer m.wg.Done()
	if m.config.HeartbeatInterval < 0 {
		return
	}
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.current(gen) {
			return
		}
		pctx, cancel := context.WithTimeout(context.Background(), m.config.HandshakeTimeout)
		err := conn.Ping(pctx)
		cancel()
		if err != nil {
			// The reader observes the close and drives the reconnect.
			m.log.Warn("realtime heartbeat failed", zap.Error(err))
			conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			return
		}
	}
}

// handleDrop reacts to the loss of connection gen. The server forgets rooms
// along with the socket, so the membership set is emptied before any rejoin.
func (m *RealtimeManager) handleDrop(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.conn = nil
	m.mu.Unlock()

	m.log.Warn("realtime connection dropped", zap.Error(err))

	m.roomsMu.Lock()
	m.rooms = make(map[string]struct{})
	m.roomsMu.Unlock()

	if m.config.DisableReconnect {
		m.settle(StateDisconnected)
		return
	}
	m.startReconnect()
}

func (m *RealtimeManager) startReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(StateReconnecting)
	m.wg.Add(1)
	m.mu.Unlock()
	notify()

	go m.reconnectLoop()
}

func (m *RealtimeManager) reconnectLoop() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if !m.recon.shouldReconnect() {
			attempts := m.recon.attempt
			m.mu.Unlock()
			m.log.Warn("realtime reconnect gave up", zap.Int("attempts", attempts))
			m.settle(StateDisconnected)
			return
		}
		delay := m.recon.nextDelay()
		attempt := m.recon.attempt
		m.mu.Unlock()

		m.metrics.reconnectAttempt()
		m.log.Info("realtime reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := m.dial(m.ctx)
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
		m.connectError(err)
		if errors.Is(err, ErrNoToken) {
			m.settle(StateDisconnected)
			return
		}
	}
}

// consume is the single consumer of inbound events.
func (m *RealtimeManager) consume() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case env := <-m.inbound:
			m.deliver(env)
		}
	}
}

func (m *RealtimeManager) deliver(env RealtimeEnvelope) {
	if env.Type == EventMessage && m.notifier != nil {
		m.notifier.HandleInbound(env.Payload)
	}
	m.handlersMu.RLock()
	handlers := append([]RealtimeEventHandler{}, m.generic[env.Type]...)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(env.Type, env.Payload)
	}
}

// ============================================================================
// helpers
// ============================================================================

// emit writes one room event. The write gets its own deadline because a
// cancelled write context closes the socket.
func (m *RealtimeManager) emit(ctx context.Context, conn *websocket.Conn, event, conversationID string) error {
	data, err := json.Marshal(&RealtimeCommand{
		Type:    event,
		Payload: roomPayload{ConversationID: conversationID},
	})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (m *RealtimeManager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && !m.closed
}

func (m *RealtimeManager) currentConn() *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// settle moves to s unless the manager was closed meanwhile.
func (m *RealtimeManager) settle(s RealtimeState) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(s)
	m.mu.Unlock()
	notify()
}

// setStateLocked records s and returns the notification to run once m.mu is
// released.
func (m *RealtimeManager) setStateLocked(s RealtimeState) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	m.metrics.setState(s)
	return func() {
		m.handlersMu.RLock()
		handlers := append([]func(RealtimeState){}, m.stateHandlers...)
		m.handlersMu.RUnlock()
		for _, h := range handlers {
			h(s)
		}
	}
}

func (m *RealtimeManager) connectError(err error) {
	m.log.Warn("realtime connect error", zap.Error(err))
	m.handlersMu.RLock()
	handlers := append([]func(error){}, m.errHandlers...)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
