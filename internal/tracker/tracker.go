// Package tracker maintains the single realtime connection to the task
// endpoint and feeds authoritative task updates into the workflow engine.
package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mlehnert/themectl/internal/api"
)

// ConnState is the tracker's connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateClosed is terminal: the reconnect budget is spent or Close was
	// called. Only an explicit Connect or HandleFocus leaves it.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink receives decoded updates. The workflow engine implements it.
type Sink interface {
	ApplyTaskUpdate(task api.Task)
	RefreshActiveTask(ctx context.Context) error
	ConnectionLost()
}

// conn is the subset of *websocket.Conn the tracker uses; tests swap in a
// fake.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// command is an outbound control frame.
type command struct {
	Command string `json:"command"`
	ThemeID string `json:"theme_id,omitempty"`
}

// envelope is an inbound frame. Task payloads ride in Data.
type envelope struct {
	Type    string          `json:"type"`
	ThemeID string          `json:"theme_id"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
}

const pingInterval = 30 * time.Second

// Config configures a Tracker.
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	// Header supplies auth headers for the handshake; called per dial so a
	// refreshed token is picked up on reconnect.
	Header func() http.Header
}

// Tracker owns one websocket and at most one theme subscription.
type Tracker struct {
	cfg    Config
	logger *slog.Logger

	dial      func(url string, hdr http.Header) (conn, error)
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu             sync.Mutex
	sink           Sink
	ws             conn
	state          ConnState
	attempts       int
	current        string // theme subscribed on the live connection
	pending        string // theme requested while not connected
	gen            int    // bumped per connection, stale loops exit
	reconnectTimer *time.Timer
}

// New creates a tracker in the disconnected state.
func New(cfg Config, sink Sink, logger *slog.Logger) *Tracker {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
		afterFunc: time.AfterFunc,
	}
	t.dial = func(url string, hdr http.Header) (conn, error) {
		c, _, err := websocket.DefaultDialer.Dial(url, hdr)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return t
}

// SetSink installs the update consumer. The engine and the tracker
// reference each other, so one side binds late.
func (t *Tracker) SetSink(s Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = s
}

func (t *Tracker) getSink() Sink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sink
}

// State returns the current connection state.
func (t *Tracker) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether the socket is live.
func (t *Tracker) Connected() bool {
	return t.State() == StateConnected
}

// Connect establishes the socket if one is not already being established.
// A successful connect resets the reconnect budget and replays the wanted
// subscription.
func (t *Tracker) Connect() {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return
	}
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	if t.ws != nil {
		t.ws.Close()
		t.ws = nil
	}
	t.state = StateConnecting
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	var hdr http.Header
	if t.cfg.Header != nil {
		hdr = t.cfg.Header()
	}
	c, err := t.dial(t.cfg.URL, hdr)

	t.mu.Lock()
	if gen != t.gen || t.state == StateClosed {
		t.mu.Unlock()
		if c != nil {
			c.Close()
		}
		return
	}
	if err != nil {
		t.logger.Warn("task channel dial failed", "url", t.cfg.URL, "error", err)
		t.scheduleReconnectLocked()
		t.mu.Unlock()
		return
	}

	t.ws = c
	t.state = StateConnected
	t.attempts = 0
	theme := t.pending
	if theme == "" {
		theme = t.current
	}
	t.pending = ""
	t.current = theme
	t.mu.Unlock()

	if theme != "" {
		t.send(command{Command: "subscribe", ThemeID: theme})
	}
	t.send(command{Command: "ping"})

	go t.readLoop(gen, c)
	go t.pingLoop(gen)
	t.logger.Info("task channel connected", "url", t.cfg.URL)
}

// Close tears the connection down for good.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.state = StateClosed
	t.gen++
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	ws := t.ws
	t.ws = nil
	t.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

// Subscribe registers interest in one theme, replacing any previous one.
// While disconnected the request is queued and replayed on connect.
func (t *Tracker) Subscribe(themeID string) {
	if themeID == "" {
		return
	}
	t.mu.Lock()
	if t.state != StateConnected {
		t.pending = themeID
		t.mu.Unlock()
		return
	}
	if t.current == themeID {
		t.mu.Unlock()
		return
	}
	prev := t.current
	t.current = themeID
	t.mu.Unlock()

	if prev != "" {
		t.send(command{Command: "unsubscribe", ThemeID: prev})
	}
	t.send(command{Command: "subscribe", ThemeID: themeID})
}

// Unsubscribe drops the subscription for a theme if it is the active one.
func (t *Tracker) Unsubscribe(themeID string) {
	t.mu.Lock()
	if t.pending == themeID {
		t.pending = ""
	}
	if t.current != themeID {
		t.mu.Unlock()
		return
	}
	t.current = ""
	connected := t.state == StateConnected
	t.mu.Unlock()

	if connected {
		t.send(command{Command: "unsubscribe", ThemeID: themeID})
	}
}

// HandleFocus reconciles after the client regains attention: it re-pulls
// the authoritative task over REST and revives a dead connection, giving
// it a fresh reconnect budget.
func (t *Tracker) HandleFocus(ctx context.Context) {
	t.mu.Lock()
	dead := t.state == StateClosed || t.state == StateDisconnected
	if dead {
		t.state = StateDisconnected
		t.attempts = 0
	}
	t.mu.Unlock()

	if sink := t.getSink(); sink != nil {
		if err := sink.RefreshActiveTask(ctx); err != nil {
			t.logger.Warn("task reconciliation failed", "error", err)
		}
	}
	if dead {
		t.Connect()
	}
}

// ReconnectDelay returns the backoff before reconnect attempt n (1-based):
// base multiplied by 1.5 per prior attempt.
func (t *Tracker) ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(t.cfg.ReconnectBaseDelay) * math.Pow(1.5, float64(attempt-1)))
}

func (t *Tracker) scheduleReconnectLocked() {
	t.attempts++
	if t.attempts > t.cfg.MaxReconnectAttempts {
		t.state = StateClosed
		t.logger.Error("task channel gave up reconnecting", "attempts", t.cfg.MaxReconnectAttempts)
		if sink := t.sink; sink != nil {
			go sink.ConnectionLost()
		}
		return
	}
	t.state = StateReconnecting
	delay := t.ReconnectDelay(t.attempts)
	t.logger.Warn("task channel reconnecting", "attempt", t.attempts, "delay", delay)
	t.reconnectTimer = t.afterFunc(delay, t.Connect)
}

// handleDisconnect runs when a read loop dies. Stale generations are
// ignored so an old loop cannot tear down its successor.
func (t *Tracker) handleDisconnect(gen int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.state == StateClosed {
		return
	}
	if t.ws != nil {
		t.ws.Close()
		t.ws = nil
	}
	// A normal server close is final, not a failure; the reconnect budget
	// is reserved for abnormal drops.
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.state = StateDisconnected
		t.logger.Info("task channel closed by server")
		return
	}
	t.logger.Warn("task channel lost", "error", err)
	t.scheduleReconnectLocked()
}

func (t *Tracker) send(cmd command) {
	t.mu.Lock()
	ws := t.ws
	t.mu.Unlock()
	if ws == nil {
		return
	}
	if err := ws.WriteJSON(cmd); err != nil {
		t.logger.Warn("task channel write failed", "command", cmd.Command, "error", err)
	}
}

func (t *Tracker) readLoop(gen int, c conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.handleDisconnect(gen, err)
			return
		}
		t.mu.Lock()
		stale := gen != t.gen
		t.mu.Unlock()
		if stale {
			return
		}
		t.dispatch(data)
	}
}

func (t *Tracker) pingLoop(gen int) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		live := gen == t.gen && t.state == StateConnected
		t.mu.Unlock()
		if !live {
			return
		}
		t.send(command{Command: "ping"})
	}
}

// dispatch decodes one inbound frame and routes it.
func (t *Tracker) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.logger.Warn("undecodable task frame", "error", err)
		return
	}

	switch env.Type {
	case "task_update":
		var task api.Task
		if err := json.Unmarshal(env.Data, &task); err != nil {
			t.logger.Warn("undecodable task payload", "error", err)
			return
		}
		if task.ThemeID == "" {
			task.ThemeID = env.ThemeID
		}
		if task.Status == "" && env.Status != "" {
			task.Status = api.TaskStatus(env.Status)
		}
		if sink := t.getSink(); sink != nil {
			sink.ApplyTaskUpdate(task)
		}
	case "subscription", "subscribed", "unsubscribed", "pong":
		t.logger.Debug("task channel ack", "type", env.Type, "theme_id", env.ThemeID)
	default:
		t.logger.Debug("ignoring task frame", "type", env.Type)
	}
}
