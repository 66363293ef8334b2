package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/tickcast/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errWatchDone = errors.New("watch done")

// collectUntilTerminal 讀取事件直到第一個 done / stopped
func collectUntilTerminal(t *testing.T, events <-chan types.Event) []string {
	t.Helper()

	var got []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream ended early after %v", got)
			}
			got = append(got, label(ev))
			if ev.Type.Terminal() {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out after %v", got)
		}
	}
}

func TestCrossTransportDelivery(t *testing.T) {
	n := startNode(t, nil, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// WebSocket
	wsURL := "ws" + strings.TrimPrefix(n.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	wsEvents := make(chan types.Event, 64)
	go func() {
		defer close(wsEvents)
		for {
			var ev types.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			wsEvents <- ev
		}
	}()

	// SSE
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.http.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sseEvents := make(chan types.Event, 64)
	go func() {
		defer close(sseEvents)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev types.Event
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
				sseEvents <- ev
			}
		}
	}()

	// gRPC
	grpcEvents := make(chan types.Event, 64)
	client := n.client(t)
	go func() {
		defer close(grpcEvents)
		client.Watch(ctx, func(ev types.Event) error {
			grpcEvents <- ev
			if ev.Type.Terminal() {
				return errWatchDone
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return n.reg.Hub().Total() == 3
	}, 5*time.Second, 10*time.Millisecond, "observers never registered")

	counts := n.reg.Hub().Counts()
	assert.Equal(t, 1, counts[types.TransportWebSocket])
	assert.Equal(t, 1, counts[types.TransportSSE])
	assert.Equal(t, 1, counts[types.TransportGRPC])

	res, err := client.Start(ctx, 3)
	require.NoError(t, err)
	id := res.ID.String()

	want := []string{
		"bootstrap",
		"started:" + id + ":3",
		"update:" + id + ":2",
		"update:" + id + ":1",
		"update:" + id + ":0",
		"done:" + id,
	}
	assert.Equal(t, want, collectUntilTerminal(t, wsEvents), "websocket")
	assert.Equal(t, want, collectUntilTerminal(t, sseEvents), "sse")
	assert.Equal(t, want, collectUntilTerminal(t, grpcEvents), "grpc")
}

func TestStatusPollingFallback(t *testing.T) {
	n := startNode(t, nil, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := n.reg.Subscribe(ctx, types.TransportSSE)
	require.NoError(t, err)
	defer sub.Close()

	a := n.startTimer(t, 30)
	b := n.startTimer(t, 60)

	resp, err := http.Get(n.http.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status types.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, []types.TimerID{a, b}, idsOf(status.Timers))
	assert.Equal(t, 1, status.Connections[types.TransportSSE])
	assert.Equal(t, 0, status.Connections[types.TransportWebSocket])
	assert.Equal(t, 1, status.Total)

	// gRPC 與 HTTP 回報同一份狀態
	rpcStatus, err := n.client(t).Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, idsOf(status.Timers), idsOf(rpcStatus.Timers))
	assert.Equal(t, status.Total, rpcStatus.Total)
}
