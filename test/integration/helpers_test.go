package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/tickcast/internal/metrics"
	"github.com/ChuLiYu/tickcast/internal/registry"
	"github.com/ChuLiYu/tickcast/internal/rpc"
	"github.com/ChuLiYu/tickcast/internal/server"
	"github.com/ChuLiYu/tickcast/internal/store"
	"github.com/ChuLiYu/tickcast/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// node 一個完整的 tickcast 行程：registry + HTTP + gRPC
type node struct {
	reg      *registry.Registry
	http     *httptest.Server
	grpc     *grpc.Server
	grpcAddr string
	promReg  *prometheus.Registry
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startNode 啟動一個節點；st 可為 nil
func startNode(t *testing.T, st store.DurationStore, tick time.Duration) *node {
	t.Helper()

	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)
	log := quietLogger()

	reg := registry.New(registry.Config{
		TickInterval: tick,
		Store:        st,
		Logger:       log,
		Metrics:      collector,
	})

	httpSrv := server.New(reg, server.Config{
		WriteTimeout:      time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		MaxSeconds:        86400,
		Metrics:           metrics.Handler(promReg),
		Logger:            log,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcSrv := rpc.NewGRPCServer(rpc.NewServer(reg, 86400, log))
	go grpcSrv.Serve(ln)

	n := &node{
		reg:      reg,
		http:     httptest.NewServer(httpSrv.Handler()),
		grpc:     grpcSrv,
		grpcAddr: ln.Addr().String(),
		promReg:  promReg,
	}
	t.Cleanup(func() { n.stop(t) })
	return n
}

// stop 依正式關閉順序停止節點，重複呼叫安全
func (n *node) stop(t *testing.T) {
	if n.http == nil {
		return
	}
	n.reg.Hub().Close()
	n.http.Close()
	n.grpc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.reg.Shutdown(ctx))
	n.http = nil
}

func (n *node) client(t *testing.T) *rpc.Client {
	t.Helper()
	c, err := rpc.Dial(n.grpcAddr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (n *node) startTimer(t *testing.T, seconds int64) types.TimerID {
	t.Helper()

	body := strings.NewReader(`{"seconds": ` + strconv.FormatInt(seconds, 10) + `}`)
	resp, err := http.Post(n.http.URL+"/api/timers", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		ID      types.TimerID `json:"id"`
		Seconds int64         `json:"seconds"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, seconds, out.Seconds)
	return out.ID
}

func (n *node) stopTimer(t *testing.T, id types.TimerID) bool {
	t.Helper()

	req, err := http.NewRequest(http.MethodDelete, n.http.URL+"/api/timers/"+id.String(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Stopped bool `json:"stopped"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Stopped
}

func (n *node) listTimers(t *testing.T) []types.Timer {
	t.Helper()

	resp, err := http.Get(n.http.URL + "/api/timers")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Timers []types.Timer `json:"timers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Timers
}

func idsOf(timers []types.Timer) []types.TimerID {
	out := make([]types.TimerID, 0, len(timers))
	for _, tm := range timers {
		out = append(out, tm.ID)
	}
	return out
}

// label 以 "type" 或 "type:id:seconds" 形式描述事件，方便比較跨 transport 的序列
func label(ev types.Event) string {
	switch ev.Type {
	case types.EventStarted, types.EventUpdate:
		return string(ev.Type) + ":" + ev.ID.String() + ":" + strconv.FormatInt(ev.SecondsLeft, 10)
	case types.EventBootstrap:
		return string(ev.Type)
	default:
		return string(ev.Type) + ":" + ev.ID.String()
	}
}
