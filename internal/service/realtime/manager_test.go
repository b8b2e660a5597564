package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"MarketPulse/internal/domain/errs"
	"MarketPulse/internal/domain/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

type fakeDialer struct {
	mu    sync.Mutex
	calls int
	conn  func() (Conn, error)
}

func (d *fakeDialer) DialContext(context.Context, string, http.Header) (Conn, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.conn()
}

type fakeTimer struct {
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

type scheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	funcs  []func()
	timers []*fakeTimer
}

func (s *scheduler) after(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{}
	s.delays = append(s.delays, d)
	s.funcs = append(s.funcs, f)
	s.timers = append(s.timers, t)
	return t
}

func (s *scheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *scheduler) fireLast() {
	s.mu.Lock()
	f := s.funcs[len(s.funcs)-1]
	s.mu.Unlock()
	f()
}

type recorder struct {
	mu     sync.Mutex
	kinds  []errs.Kind
	fatals int
}

func (r *recorder) Record(label string, err error) models.ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := errs.KindOf(err)
	r.kinds = append(r.kinds, k)
	return models.ErrorRecord{Message: err.Error(), Context: label, Kind: string(k)}
}

func (r *recorder) RecordFatal(label string, err error) models.ErrorRecord {
	r.mu.Lock()
	r.fatals++
	r.mu.Unlock()
	return models.ErrorRecord{Message: err.Error(), Context: label, Fatal: true}
}

func (r *recorder) count(k errs.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.kinds {
		if got == k {
			n++
		}
	}
	return n
}

func (r *recorder) fatalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatals
}

func testConfig() Config {
	return Config{
		URL:                  "wss://example.invalid",
		Symbols:              []string{"SPY"},
		ReconnectInterval:    time.Second,
		HeartbeatInterval:    time.Hour,
		MaxReconnectAttempts: 3,
	}
}

func TestReconnectBackoffIsLinearAndStopsAtCap(t *testing.T) {
	d := &fakeDialer{conn: func() (Conn, error) { return nil, errors.New("refused") }}
	s := &scheduler{}
	rec := &recorder{}
	m := New(testConfig(), WithDialer(d), WithAfterFunc(s.after), WithRecorder(rec))

	require.Error(t, m.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, m.Status())

	s.fireLast()
	s.fireLast()
	s.fireLast()

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, s.scheduled())
	assert.Equal(t, 1, rec.fatalCount())
	assert.True(t, m.State().GaveUp)
	assert.Equal(t, 4, rec.count(errs.KindWebSocket))

	// No further schedule or fatal once given up.
	s.fireLast()
	assert.Len(t, s.scheduled(), 3)
	assert.Equal(t, 1, rec.fatalCount())

	conn := newFakeConn()
	d.conn = func() (Conn, error) { return conn, nil }
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.Status())
	assert.Equal(t, 0, m.State().ReconnectAttempts)
	assert.False(t, m.State().GaveUp)
	require.NoError(t, m.Disconnect())
}

func TestConnectSubscribesAndDispatches(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conn: func() (Conn, error) { return conn, nil }}
	rec := &recorder{}
	m := New(testConfig(), WithDialer(d), WithAfterFunc((&scheduler{}).after), WithRecorder(rec))

	got := make(chan Message, 4)
	m.On(EventMessage, func(msg Message) { got <- msg })

	require.NoError(t, m.Connect(context.Background()))
	assert.Contains(t, conn.frames(), `{"symbol":"SPY","type":"subscribe"}`)

	conn.in <- []byte(`not json`)
	conn.in <- []byte(`{"type":"pong"}`)
	conn.in <- []byte(`{"type":"trade","data":[{"s":"SPY","p":531.2,"v":10,"t":1716580800000}]}`)

	select {
	case msg := <-got:
		assert.Equal(t, "trade", msg.Type)
		ticks := ParseTrades(msg)
		require.Len(t, ticks, 1)
		assert.Equal(t, 531.2, ticks[0].Price)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
	assert.Equal(t, 1, rec.count(errs.KindValidation))
	assert.Empty(t, got, "pong is not dispatched")

	require.NoError(t, m.Disconnect())
}

func TestDropSchedulesReconnectAndDisconnectCancelsIt(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conn: func() (Conn, error) { return conn, nil }}
	s := &scheduler{}
	m := New(testConfig(), WithDialer(d), WithAfterFunc(s.after), WithRecorder(&recorder{}))

	var disconnects atomic.Int32
	m.On(EventDisconnect, func(Message) { disconnects.Add(1) })

	require.NoError(t, m.Connect(context.Background()))
	_ = conn.Close()

	require.Eventually(t, func() bool { return len(s.scheduled()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Second, s.scheduled()[0])
	assert.Equal(t, StateDisconnected, m.Status())
	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect())
	assert.True(t, s.timers[0].stopped.Load())
}

func TestDisconnectWinsOverFiredReconnect(t *testing.T) {
	d := &fakeDialer{conn: func() (Conn, error) { return nil, errors.New("refused") }}
	s := &scheduler{}
	m := New(testConfig(), WithDialer(d), WithAfterFunc(s.after), WithRecorder(&recorder{}))

	require.Error(t, m.Connect(context.Background()))
	require.Len(t, s.scheduled(), 1)

	// The timer has already fired, so Stop cannot cancel it.
	s.timers[0].stopped.Store(true)
	require.NoError(t, m.Disconnect())

	conn := newFakeConn()
	d.conn = func() (Conn, error) { return conn, nil }
	s.fireLast()

	assert.Equal(t, StateDisconnected, m.Status())
	assert.Equal(t, 1, d.calls)
	assert.Len(t, s.scheduled(), 1)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.Status())
	require.NoError(t, m.Disconnect())
}

func TestHeartbeatAndHealth(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conn: func() (Conn, error) { return conn, nil }}
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond

	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := New(cfg, WithDialer(d), WithAfterFunc((&scheduler{}).after), WithClock(clock))

	assert.False(t, m.IsHealthy())
	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsHealthy())

	require.Eventually(t, func() bool {
		for _, f := range conn.frames() {
			if f == `{"type":"ping"}` {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	now = now.Add(21 * time.Millisecond)
	mu.Unlock()
	assert.False(t, m.IsHealthy())

	conn.in <- []byte(`{"type":"pong"}`)
	require.Eventually(t, m.IsHealthy, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect())
}

func TestListenersAreIsolated(t *testing.T) {
	d := &fakeDialer{conn: func() (Conn, error) { return newFakeConn(), nil }}
	m := New(testConfig(), WithDialer(d), WithAfterFunc((&scheduler{}).after))

	var calls atomic.Int32
	m.On(EventConnect, func(Message) { panic("boom") })
	off := m.On(EventConnect, func(Message) { calls.Add(1) })

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	off()
	off()
	require.NoError(t, m.Disconnect())
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	require.NoError(t, m.Disconnect())
}

func TestSendRequiresConnection(t *testing.T) {
	m := New(testConfig(), WithAfterFunc((&scheduler{}).after))
	err := m.Send(map[string]string{"type": "subscribe"})
	assert.Equal(t, errs.KindWebSocket, errs.KindOf(err))
}

func TestWebsocketServerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, sub, err := c.ReadMessage()
		if err != nil {
			return
		}
		assert.Contains(t, string(sub), `"subscribe"`)
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"trade","data":[{"s":"SPY","p":500,"v":1,"t":1}]}`))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.APIKey = "secret"
	m := New(cfg, WithAfterFunc((&scheduler{}).after))

	got := make(chan []models.Tick, 1)
	m.On(EventMessage, func(msg Message) { got <- ParseTrades(msg) })

	require.NoError(t, m.Connect(context.Background()))
	select {
	case ticks := <-got:
		require.Len(t, ticks, 1)
		assert.Equal(t, "SPY", ticks[0].Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("no trade received")
	}
	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateDisconnected, m.Status())
}
