package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elektrokapsel/audioplayer/internal/alarms"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingHandler struct {
	mu     sync.Mutex
	tags   map[string]string
	alarms []alarms.Event
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{tags: make(map[string]string)}
}

func (h *recordingHandler) HandleTagUpdate(name, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tags[name] = value
}

func (h *recordingHandler) HandleAlarmUpdate(events []alarms.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alarms = append(h.alarms, events...)
}

func (h *recordingHandler) tagValue(name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.tags[name]
	return v, ok
}

func listenUnix(t *testing.T) (net.Listener, string) {
	t.Helper()
	addr := filepath.Join(t.TempDir(), "hmi.sock")
	l, err := net.Listen("unix", addr)
	require.NoError(t, err)
	return l, addr
}

func TestClientSubscribesAndDispatchesTagUpdates(t *testing.T) {
	l, addr := listenUnix(t)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	handler := newRecordingHandler()
	client := New(addr, []string{"speed"}, handler, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	conn := <-accepted
	defer conn.Close()

	dec := json.NewDecoder(bufio.NewReader(conn))
	var subscribeTag envelope
	require.NoError(t, dec.Decode(&subscribeTag))
	assert.Equal(t, "SubscribeTag", subscribeTag.Method)

	var subscribeAlarm envelope
	require.NoError(t, dec.Decode(&subscribeAlarm))
	assert.Equal(t, "SubscribeAlarm", subscribeAlarm.Method)

	params, err := json.Marshal(notifySubscribeTagParams{Tags: []tagValue{{Name: "speed", Value: "42"}}})
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(conn).Encode(envelope{Method: "NotifySubscribeTag", Params: params}))

	require.Eventually(t, func() bool {
		v, ok := handler.tagValue("speed")
		return ok && v == "42"
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-runDone
}

func TestClientDispatchesAlarmUpdates(t *testing.T) {
	l, addr := listenUnix(t)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	handler := newRecordingHandler()
	client := New(addr, nil, handler, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	conn := <-accepted
	defer conn.Close()

	dec := json.NewDecoder(bufio.NewReader(conn))
	var discard envelope
	require.NoError(t, dec.Decode(&discard))
	require.NoError(t, dec.Decode(&discard))

	params, err := json.Marshal(notifySubscribeAlarmParams{Alarms: []alarmRecord{
		{ID: "A1", InstanceID: "1", Name: "pump failure", State: "active"},
	}})
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(conn).Encode(envelope{Method: "NotifySubscribeAlarm", Params: params}))

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.alarms) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-runDone
}

func TestWriteTagNoOpsWhileDisconnected(t *testing.T) {
	client := New("/nonexistent/socket", nil, newRecordingHandler(), testLogger())
	client.WriteTag("tag", "value") // must not panic or block
}

func TestSleepBackoffGrowsWithAttemptNumber(t *testing.T) {
	client := New("unused", nil, newRecordingHandler(), testLogger())

	start := time.Now()
	require.True(t, client.sleepBackoff(context.Background(), 0))
	first := time.Since(start)

	start = time.Now()
	require.True(t, client.sleepBackoff(context.Background(), 2))
	second := time.Since(start)

	assert.Greater(t, second, first)
}

func TestSleepBackoffReturnsFalseWhenContextDone(t *testing.T) {
	client := New("unused", nil, newRecordingHandler(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok := client.sleepBackoff(ctx, 0)
	assert.False(t, ok)
}

func TestRunReturnsNilOnGracefulShutdownBeforeConnecting(t *testing.T) {
	addr := filepath.Join(t.TempDir(), "never-listening.sock")
	client := New(addr, nil, newRecordingHandler(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Run(ctx)
	assert.NoError(t, err)
}
