package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlehnert/themectl/internal/api"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is a scriptable websocket connection.
type fakeConn struct {
	mu      sync.Mutex
	frames  []command
	inbound chan []byte
	closed  bool
	readErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return 0, nil, c.readErr
		}
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.frames = append(c.frames, cmd)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

// failRead makes the next ReadMessage return err.
func (c *fakeConn) failRead(err error) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.readErr = err
		close(c.inbound)
	}
	c.mu.Unlock()
}

func (c *fakeConn) sentFrames() []command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]command(nil), c.frames...)
}

func (c *fakeConn) push(t *testing.T, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.inbound <- data
}

// fakeSink records what the tracker delivered.
type fakeSink struct {
	mu        sync.Mutex
	tasks     []api.Task
	refreshes int
	lost      int
}

func (s *fakeSink) ApplyTaskUpdate(task api.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

func (s *fakeSink) RefreshActiveTask(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return nil
}

func (s *fakeSink) ConnectionLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost++
}

// timerQueue records scheduled reconnects so tests fire them by hand.
type timerQueue struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (q *timerQueue) afterFunc(d time.Duration, f func()) *time.Timer {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delays = append(q.delays, d)
	q.fns = append(q.fns, f)
	return time.NewTimer(time.Hour)
}

func (q *timerQueue) fireNext() bool {
	q.mu.Lock()
	if len(q.fns) == 0 {
		q.mu.Unlock()
		return false
	}
	fn := q.fns[0]
	q.fns = q.fns[1:]
	q.mu.Unlock()
	fn()
	return true
}

func (q *timerQueue) recordedDelays() []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]time.Duration(nil), q.delays...)
}

func newTestTracker(cfg Config) (*Tracker, *fakeSink, *timerQueue, *[]*fakeConn) {
	sink := &fakeSink{}
	trk := New(cfg, sink, testLogger())

	q := &timerQueue{}
	trk.afterFunc = q.afterFunc

	conns := &[]*fakeConn{}
	trk.dial = func(url string, hdr http.Header) (conn, error) {
		c := newFakeConn()
		*conns = append(*conns, c)
		return c, nil
	}
	return trk, sink, q, conns
}

func TestReconnectDelayGrows(t *testing.T) {
	trk, _, _, _ := newTestTracker(Config{ReconnectBaseDelay: time.Second})

	assert.Equal(t, time.Second, trk.ReconnectDelay(1))
	assert.Equal(t, 1500*time.Millisecond, trk.ReconnectDelay(2))
	assert.Equal(t, 2250*time.Millisecond, trk.ReconnectDelay(3))

	for n := 1; n < 6; n++ {
		assert.Less(t, trk.ReconnectDelay(n), trk.ReconnectDelay(n+1),
			"delays must strictly increase")
	}
}

func TestConnectReplaysPendingSubscription(t *testing.T) {
	trk, _, _, conns := newTestTracker(Config{})

	trk.Subscribe("theme-1")
	assert.False(t, trk.Connected())

	trk.Connect()
	require.True(t, trk.Connected())
	require.Len(t, *conns, 1)

	frames := (*conns)[0].sentFrames()
	require.NotEmpty(t, frames)
	assert.Equal(t, command{Command: "subscribe", ThemeID: "theme-1"}, frames[0])
}

func TestSubscribeSwitchesThemes(t *testing.T) {
	trk, _, _, conns := newTestTracker(Config{})
	trk.Connect()
	require.True(t, trk.Connected())

	trk.Subscribe("theme-a")
	trk.Subscribe("theme-a") // idempotent, no second frame
	trk.Subscribe("theme-b")

	var got []command
	for _, f := range (*conns)[0].sentFrames() {
		if f.Command != "ping" {
			got = append(got, f)
		}
	}
	assert.Equal(t, []command{
		{Command: "subscribe", ThemeID: "theme-a"},
		{Command: "unsubscribe", ThemeID: "theme-a"},
		{Command: "subscribe", ThemeID: "theme-b"},
	}, got)
}

func TestDispatchTaskUpdate(t *testing.T) {
	trk, sink, _, conns := newTestTracker(Config{})
	trk.Connect()
	require.True(t, trk.Connected())

	(*conns)[0].push(t, map[string]any{
		"type":     "task_update",
		"theme_id": "theme-1",
		"data": map[string]any{
			"id":       "task-1",
			"status":   "in_progress",
			"progress": 55,
		},
	})

	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.tasks) == 1
	}, time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	task := sink.tasks[0]
	sink.mu.Unlock()
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, api.TaskInProgress, task.Status)
	assert.Equal(t, 55, task.Progress)
	assert.Equal(t, "theme-1", task.ThemeID, "theme id comes from the envelope when the payload omits it")
}

func TestDispatchIgnoresUnknownFrames(t *testing.T) {
	trk, sink, _, conns := newTestTracker(Config{})
	trk.Connect()

	(*conns)[0].push(t, map[string]any{"type": "subscribed", "theme_id": "theme-1"})
	(*conns)[0].push(t, map[string]any{"type": "mystery"})

	time.Sleep(50 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.tasks)
}

func TestReadFailureSchedulesReconnect(t *testing.T) {
	trk, _, q, conns := newTestTracker(Config{ReconnectBaseDelay: time.Second})
	trk.Connect()
	require.True(t, trk.Connected())

	(*conns)[0].Close()

	assert.Eventually(t, func() bool {
		return trk.State() == StateReconnecting
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second}, q.recordedDelays())
}

func TestGivesUpAfterReconnectBudget(t *testing.T) {
	const maxAttempts = 3
	sink := &fakeSink{}
	trk := New(Config{MaxReconnectAttempts: maxAttempts, ReconnectBaseDelay: time.Second}, sink, testLogger())

	q := &timerQueue{}
	trk.afterFunc = q.afterFunc
	trk.dial = func(url string, hdr http.Header) (conn, error) {
		return nil, errors.New("connection refused")
	}

	trk.Connect()
	for q.fireNext() {
	}

	assert.Equal(t, StateClosed, trk.State())
	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.lost == 1
	}, time.Second, 10*time.Millisecond, "terminal failure is reported exactly once")

	delays := q.recordedDelays()
	require.Len(t, delays, maxAttempts)
	assert.Equal(t, []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
	}, delays)
}

func TestSuccessfulConnectResetsBudget(t *testing.T) {
	attempts := 0
	sink := &fakeSink{}
	trk := New(Config{MaxReconnectAttempts: 3, ReconnectBaseDelay: time.Second}, sink, testLogger())

	q := &timerQueue{}
	trk.afterFunc = q.afterFunc
	var live *fakeConn
	trk.dial = func(url string, hdr http.Header) (conn, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		live = newFakeConn()
		return live, nil
	}

	trk.Connect()
	for q.fireNext() {
	}
	require.True(t, trk.Connected())

	// A later drop starts over from the base delay.
	live.Close()
	assert.Eventually(t, func() bool {
		return trk.State() == StateReconnecting
	}, time.Second, 10*time.Millisecond)
	delays := q.recordedDelays()
	assert.Equal(t, time.Second, delays[len(delays)-1])
}

func TestHandleFocusReconcilesAndRevives(t *testing.T) {
	sink := &fakeSink{}
	trk := New(Config{MaxReconnectAttempts: 1, ReconnectBaseDelay: time.Second}, sink, testLogger())

	q := &timerQueue{}
	trk.afterFunc = q.afterFunc
	dials := 0
	trk.dial = func(url string, hdr http.Header) (conn, error) {
		dials++
		// Initial attempt and its single retry fail; focus revival succeeds.
		if dials <= 2 {
			return nil, errors.New("connection refused")
		}
		return newFakeConn(), nil
	}

	trk.Connect()
	for q.fireNext() {
	}
	require.Equal(t, StateClosed, trk.State())

	trk.HandleFocus(context.Background())

	sink.mu.Lock()
	refreshes := sink.refreshes
	sink.mu.Unlock()
	assert.Equal(t, 1, refreshes)
	assert.True(t, trk.Connected(), "focus revives a closed connection")
}

func TestUnsubscribeClearsState(t *testing.T) {
	trk, _, _, conns := newTestTracker(Config{})
	trk.Connect()
	trk.Subscribe("theme-1")

	trk.Unsubscribe("theme-1")

	frames := (*conns)[0].sentFrames()
	last := frames[len(frames)-1]
	assert.Equal(t, command{Command: "unsubscribe", ThemeID: "theme-1"}, last)

	// A pending request while disconnected can be withdrawn too.
	trk2, _, _, _ := newTestTracker(Config{})
	trk2.Subscribe("theme-2")
	trk2.Unsubscribe("theme-2")
	trk2.Connect()
	trk2.mu.Lock()
	current := trk2.current
	trk2.mu.Unlock()
	assert.Empty(t, current)
}

func TestCloseIsTerminal(t *testing.T) {
	trk, _, q, _ := newTestTracker(Config{})
	trk.Connect()
	require.True(t, trk.Connected())

	trk.Close()
	assert.Equal(t, StateClosed, trk.State())

	// No reconnect is scheduled after an explicit close.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, q.recordedDelays())
}

func TestConnectOverRealWebsocket(t *testing.T) {
	var (
		mu       sync.Mutex
		received []command
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for i := 0; i < 2; i++ {
			var cmd command
			if err := ws.ReadJSON(&cmd); err != nil {
				return
			}
			mu.Lock()
			received = append(received, cmd)
			mu.Unlock()
		}
		_ = ws.WriteJSON(map[string]any{
			"type":     "task_update",
			"theme_id": "theme-1",
			"status":   "processing",
			"data":     map[string]any{"id": "task-1", "progress": 40},
		})
		// Hold the socket open until the client hangs up.
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	sink := &fakeSink{}
	trk := New(Config{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Header: func() http.Header {
			h := http.Header{}
			h.Set("Authorization", "Bearer tok-1")
			return h
		},
	}, sink, testLogger())
	defer trk.Close()

	trk.Subscribe("theme-1")
	trk.Connect()
	require.True(t, trk.Connected())

	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.tasks) == 1
	}, time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	task := sink.tasks[0]
	sink.mu.Unlock()
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, "theme-1", task.ThemeID)

	mu.Lock()
	frames := append([]command(nil), received...)
	mu.Unlock()
	require.Len(t, frames, 2)
	assert.Equal(t, command{Command: "subscribe", ThemeID: "theme-1"}, frames[0])
	assert.Equal(t, command{Command: "ping"}, frames[1])
}

func TestNormalServerCloseDoesNotReconnect(t *testing.T) {
	trk, _, q, conns := newTestTracker(Config{ReconnectBaseDelay: time.Second})
	trk.Connect()
	require.True(t, trk.Connected())

	(*conns)[0].failRead(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"})

	assert.Eventually(t, func() bool {
		return trk.State() == StateDisconnected
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, q.recordedDelays(), "normal close must not spend the reconnect budget")
	assert.Len(t, *conns, 1)
}

func TestAbnormalCloseSchedulesReconnect(t *testing.T) {
	trk, _, q, conns := newTestTracker(Config{ReconnectBaseDelay: time.Second})
	trk.Connect()
	require.True(t, trk.Connected())

	(*conns)[0].failRead(&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "dropped"})

	assert.Eventually(t, func() bool {
		return trk.State() == StateReconnecting
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second}, q.recordedDelays())
}

func TestDispatchRecognizesSubscriptionAck(t *testing.T) {
	var buf bytes.Buffer
	sink := &fakeSink{}
	trk := New(Config{}, sink, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	trk.dispatch([]byte(`{"type":"subscription","status":"subscribed","theme_id":"theme-1"}`))

	assert.NotContains(t, buf.String(), "ignoring task frame")
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.tasks, "acks carry no task payload")
}
