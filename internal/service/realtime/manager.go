package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"MarketPulse/internal/domain/errs"
	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/domain/repository"
	applogger "MarketPulse/pkg/logger"

	"github.com/gorilla/websocket"
)

const providerName = "realtime"

// State is the channel lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

// Event names a listener topic.
type Event string

const (
	EventConnect    Event = "connect"
	EventDisconnect Event = "disconnect"
	EventError      Event = "error"
	EventMessage    Event = "message"
)

// Message is delivered to listeners. Raw is set for message events, Err for
// error events.
type Message struct {
	Event Event           `json:"event"`
	Type  string          `json:"type,omitempty"`
	Raw   json.RawMessage `json:"raw,omitempty"`
	Err   error           `json:"-"`
}

// Handler receives channel events.
type Handler func(Message)

// Conn is the subset of a websocket connection the manager uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Recorder receives channel failures.
type Recorder interface {
	Record(label string, err error) models.ErrorRecord
	RecordFatal(label string, err error) models.ErrorRecord
}

// ChannelState is a point-in-time view of the manager.
type ChannelState struct {
	Status            State     `json:"status"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	GaveUp            bool      `json:"gave_up"`
	Healthy           bool      `json:"healthy"`
}

// Config holds channel parameters.
type Config struct {
	URL                  string
	APIKey               string
	Symbols              []string
	ReconnectInterval    time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
}

type gorillaDialer struct {
	d *websocket.Dialer
}

func (g gorillaDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	conn, _, err := g.d.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Manager maintains one push connection with linear reconnect backoff and a
// JSON heartbeat.
type Manager struct {
	cfg Config

	mu            sync.Mutex
	state         State
	attempts      int
	lastHeartbeat time.Time
	gaveUp        bool
	gen           uint64
	conn          Conn
	stopHeartbeat context.CancelFunc
	reconnect     Timer

	writeMu sync.Mutex

	lmu       sync.RWMutex
	listeners map[Event]map[uint64]Handler
	nextID    uint64

	dialer    Dialer
	afterFunc func(time.Duration, func()) Timer
	now       func() time.Time
	recorder  Recorder
	metrics   repository.Metrics
	logger    *applogger.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithAfterFunc replaces reconnect scheduling.
func WithAfterFunc(f func(time.Duration, func()) Timer) Option {
	return func(m *Manager) { m.afterFunc = f }
}

// WithClock overrides time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRecorder sets where failures are reported.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithMetrics sets metrics recorder.
func WithMetrics(r repository.Metrics) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithLogger sets logger.
func WithLogger(l *applogger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func New(cfg Config, opts ...Option) *Manager {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	m := &Manager{
		cfg:       cfg,
		state:     StateDisconnected,
		listeners: make(map[Event]map[uint64]Handler),
		dialer:    gorillaDialer{d: websocket.DefaultDialer},
		afterFunc: func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		now:       time.Now,
		logger:    applogger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the channel. It is a no-op while connecting or connected and
// clears a previous give-up.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, true, 0)
}

// connect dials. A scheduled reconnect passes the generation it was
// scheduled under and is dropped once Disconnect or a newer connect moved on.
func (m *Manager) connect(ctx context.Context, manual bool, scheduled uint64) error {
	m.mu.Lock()
	if !manual && scheduled != m.gen {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if manual {
		m.gaveUp = false
		m.attempts = 0
	}
	m.cancelReconnectLocked()
	m.setStateLocked(StateConnecting)
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	conn, err := m.dialer.DialContext(dctx, m.endpoint(), nil)
	if err != nil {
		m.handleClose(gen, errs.Wrap(errs.KindWebSocket, providerName, fmt.Errorf("dial: %w", err)))
		return err
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.attempts = 0
	m.lastHeartbeat = m.now()
	m.setStateLocked(StateConnected)
	hbCtx, stop := context.WithCancel(context.Background())
	m.stopHeartbeat = stop
	m.mu.Unlock()

	m.logger.Info("channel.connected", applogger.String("url", m.cfg.URL))
	for _, s := range m.cfg.Symbols {
		if err := m.write(conn, map[string]string{"type": "subscribe", "symbol": s}); err != nil {
			m.logger.Warn("channel.subscribe_failed", applogger.String("symbol", s), applogger.Error(err))
		}
	}

	go m.heartbeatLoop(hbCtx, gen, conn)
	go m.readLoop(gen, conn)
	m.emit(Message{Event: EventConnect})
	return nil
}

func (m *Manager) endpoint() string {
	if m.cfg.APIKey == "" {
		return m.cfg.URL
	}
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL
	}
	q := u.Query()
	q.Set("token", m.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String()
}

// handleClose moves to Disconnected and schedules a reconnect, or gives up at
// the attempt cap. Calls from a superseded connection are ignored.
func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateDisconnected || m.state == StateClosing {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.stopHeartbeatLocked()
	m.setStateLocked(StateDisconnected)

	fatal := false
	var delay time.Duration
	if m.attempts < m.cfg.MaxReconnectAttempts {
		m.attempts++
		delay = m.cfg.ReconnectInterval * time.Duration(m.attempts)
		m.reconnect = m.afterFunc(delay, func() {
			_ = m.connect(context.Background(), false, gen)
		})
	} else if !m.gaveUp {
		m.gaveUp = true
		fatal = true
	}
	attempts := m.attempts
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	ce := errs.Classify(providerName, cause)
	if ce.Kind != errs.KindWebSocket {
		ce = &errs.Error{Kind: errs.KindWebSocket, Provider: providerName, Err: cause}
	}
	m.record(ce)
	m.emit(Message{Event: EventDisconnect})
	m.emit(Message{Event: EventError, Err: ce})

	if fatal {
		m.logger.Error("channel.gave_up", applogger.Int("attempts", attempts))
		if m.recorder != nil {
			m.recorder.RecordFatal("realtime.channel", errs.Errorf(errs.KindWebSocket, providerName,
				"reconnect stopped after %d attempts", attempts))
		}
		return
	}
	m.logger.Warn("channel.reconnect_scheduled",
		applogger.Int("attempt", attempts),
		applogger.Duration("delay_ms", delay),
		applogger.Error(cause),
	)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.touch(gen)

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(b, &env); err != nil {
			m.record(errs.Wrap(errs.KindValidation, providerName, fmt.Errorf("malformed frame: %w", err)))
			continue
		}
		if env.Type == "ping" || env.Type == "pong" {
			continue
		}
		m.emit(Message{Event: EventMessage, Type: env.Type, Raw: json.RawMessage(b)})
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, gen uint64, conn Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.write(conn, map[string]string{"type": "ping"}); err != nil {
				m.handleClose(gen, err)
				return
			}
		}
	}
}

func (m *Manager) touch(gen uint64) {
	m.mu.Lock()
	if gen == m.gen {
		m.lastHeartbeat = m.now()
	}
	m.mu.Unlock()
}

func (m *Manager) write(conn Conn, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.KindValidation, providerName, err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Send writes v as a JSON text frame.
func (m *Manager) Send(v interface{}) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return errs.New(errs.KindWebSocket, providerName, "not connected")
	}
	return m.write(conn, v)
}

// Disconnect closes the channel and cancels the heartbeat and any pending
// reconnect. No reconnect follows.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.cancelReconnectLocked()
	m.stopHeartbeatLocked()
	m.gen++
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateClosing)
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	var err error
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		err = conn.Close()
	}

	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.logger.Info("channel.disconnected")
	m.emit(Message{Event: EventDisconnect})
	return err
}

// On registers h for event and returns a function that removes it.
func (m *Manager) On(event Event, h Handler) func() {
	m.lmu.Lock()
	id := m.nextID
	m.nextID++
	if m.listeners[event] == nil {
		m.listeners[event] = make(map[uint64]Handler)
	}
	m.listeners[event][id] = h
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			delete(m.listeners[event], id)
			m.lmu.Unlock()
		})
	}
}

// Off removes every handler for event.
func (m *Manager) Off(event Event) {
	m.lmu.Lock()
	delete(m.listeners, event)
	m.lmu.Unlock()
}

func (m *Manager) emit(msg Message) {
	m.lmu.RLock()
	hs := make([]Handler, 0, len(m.listeners[msg.Event]))
	for _, h := range m.listeners[msg.Event] {
		hs = append(hs, h)
	}
	m.lmu.RUnlock()

	for _, h := range hs {
		m.dispatch(h, msg)
	}
}

func (m *Manager) dispatch(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("channel.listener_panic", applogger.String("event", string(msg.Event)), applogger.Any("panic", r))
		}
	}()
	h(msg)
}

// Status returns the lifecycle state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// State returns a snapshot of the channel.
func (m *Manager) State() ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ChannelState{
		Status:            m.state,
		ReconnectAttempts: m.attempts,
		LastHeartbeat:     m.lastHeartbeat,
		GaveUp:            m.gaveUp,
		Healthy:           m.healthyLocked(),
	}
}

// IsHealthy reports a connected channel that saw traffic within two
// heartbeat intervals.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthyLocked()
}

func (m *Manager) healthyLocked() bool {
	if m.state != StateConnected {
		return false
	}
	return m.now().Sub(m.lastHeartbeat) <= 2*m.cfg.HeartbeatInterval
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	if m.metrics != nil {
		m.metrics.RecordChannelState(string(s))
	}
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
		m.stopHeartbeat = nil
	}
}

func (m *Manager) record(err error) {
	if m.recorder != nil {
		m.recorder.Record("realtime.channel", err)
	}
}
