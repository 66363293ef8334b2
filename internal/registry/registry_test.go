package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/tickcast/internal/hub"
	"github.com/ChuLiYu/tickcast/internal/snapshot"
	"github.com/ChuLiYu/tickcast/internal/store/memory"
	"github.com/ChuLiYu/tickcast/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const testTick = 20 * time.Millisecond

// flakyStore wraps the memory store and fails on demand
type flakyStore struct {
	*memory.Store
	fail    atomic.Bool
	deletes atomic.Int32
}

var errUnreachable = errors.New("store unreachable")

func (s *flakyStore) Put(ctx context.Context, rec types.Record) error {
	if s.fail.Load() {
		return errUnreachable
	}
	return s.Store.Put(ctx, rec)
}

func (s *flakyStore) Delete(ctx context.Context, id types.TimerID) error {
	s.deletes.Add(1)
	if s.fail.Load() {
		return errUnreachable
	}
	return s.Store.Delete(ctx, id)
}

func (s *flakyStore) ListAll(ctx context.Context) ([]types.Record, error) {
	if s.fail.Load() {
		return nil, errUnreachable
	}
	return s.Store.ListAll(ctx)
}

type countingMetrics struct {
	mu                     sync.Mutex
	started, stopped, done int
	active                 int
	restored, orphans      int
}

func (m *countingMetrics) RecordTimerStarted() { m.mu.Lock(); m.started++; m.mu.Unlock() }
func (m *countingMetrics) RecordTimerStopped() { m.mu.Lock(); m.stopped++; m.mu.Unlock() }
func (m *countingMetrics) RecordTimerDone()    { m.mu.Lock(); m.done++; m.mu.Unlock() }
func (m *countingMetrics) SetActiveTimers(n int) {
	m.mu.Lock()
	m.active = n
	m.mu.Unlock()
}
func (m *countingMetrics) RecordRestore(restored, orphans int, _ time.Duration) {
	m.mu.Lock()
	m.restored, m.orphans = restored, orphans
	m.mu.Unlock()
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = testTick
	}
	r := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

// collectUntilTerminal reads events for id until its done or stopped event
func collectUntilTerminal(t *testing.T, events <-chan types.Event, id types.TimerID, timeout time.Duration) []types.Event {
	t.Helper()
	var got []types.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "subscription closed early")
			if ev.ID != id || ev.Type == types.EventBootstrap {
				continue
			}
			got = append(got, ev)
			if ev.Type.Terminal() {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event of timer %d, got %v", id, got)
			return got
		}
	}
}

// drainFor collects every event arriving within d
func drainFor(events <-chan types.Event, d time.Duration) []types.Event {
	var got []types.Event
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			return got
		}
	}
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestStartRejectsNonPositive(t *testing.T) {
	r := newTestRegistry(t, Config{})

	for _, s := range []int64{0, -1, -100} {
		_, err := r.Start(s)
		assert.ErrorIs(t, err, ErrInvalidDuration)
	}
	assert.Empty(t, r.List())
}

func TestIDsAreMonotonic(t *testing.T) {
	r := newTestRegistry(t, Config{TickInterval: time.Hour})

	a, err := r.Start(5)
	require.NoError(t, err)
	b, err := r.Start(5)
	require.NoError(t, err)
	assert.True(t, r.Stop(a.ID))
	c, err := r.Start(5)
	require.NoError(t, err)

	assert.Equal(t, types.TimerID(1), a.ID)
	assert.Equal(t, types.TimerID(2), b.ID)
	assert.Equal(t, types.TimerID(3), c.ID)
}

func TestEndToEndCountdown(t *testing.T) {
	r := newTestRegistry(t, Config{})
	sub, err := r.Subscribe(context.Background(), types.TransportWebSocket)
	require.NoError(t, err)
	defer sub.Close()

	timer, err := r.Start(2)
	require.NoError(t, err)

	got := collectUntilTerminal(t, sub.Events(), timer.ID, 2*time.Second)
	assert.Equal(t, []types.Event{
		types.NewStarted(types.Timer{ID: timer.ID, SecondsLeft: 2, OriginalSeconds: 2}),
		types.NewUpdate(timer.ID, 1),
		types.NewUpdate(timer.ID, 0),
		types.NewDone(timer.ID),
	}, got)

	// nothing follows done
	for _, ev := range drainFor(sub.Events(), 5*testTick) {
		assert.NotEqual(t, timer.ID, ev.ID, "unexpected event after done: %+v", ev)
	}
}

func TestMonotonicCountdown(t *testing.T) {
	r := newTestRegistry(t, Config{})
	sub, err := r.Subscribe(context.Background(), types.TransportSSE)
	require.NoError(t, err)
	defer sub.Close()

	timer, err := r.Start(6)
	require.NoError(t, err)

	got := collectUntilTerminal(t, sub.Events(), timer.ID, 3*time.Second)
	require.GreaterOrEqual(t, len(got), 3)

	last := int64(6)
	for _, ev := range got[1 : len(got)-1] {
		require.Equal(t, types.EventUpdate, ev.Type)
		assert.Equal(t, last-1, ev.SecondsLeft)
		last = ev.SecondsLeft
	}
	assert.Equal(t, int64(0), last)
	assert.Equal(t, types.EventDone, got[len(got)-1].Type)
}

func TestIndependentTimersNeverDoubleTick(t *testing.T) {
	r := newTestRegistry(t, Config{})
	sub, err := r.Subscribe(context.Background(), types.TransportGRPC)
	require.NoError(t, err)
	defer sub.Close()

	a, err := r.Start(5)
	require.NoError(t, err)
	b, err := r.Start(8)
	require.NoError(t, err)

	seen := map[types.TimerID][]int64{}
	done := map[types.TimerID]bool{}
	deadline := time.After(3 * time.Second)
	for !(done[a.ID] && done[b.ID]) {
		select {
		case ev := <-sub.Events():
			switch ev.Type {
			case types.EventUpdate:
				seen[ev.ID] = append(seen[ev.ID], ev.SecondsLeft)
			case types.EventDone:
				done[ev.ID] = true
			}
		case <-deadline:
			t.Fatal("timers did not finish")
		}
	}

	assert.Equal(t, []int64{4, 3, 2, 1, 0}, seen[a.ID])
	assert.Equal(t, []int64{7, 6, 5, 4, 3, 2, 1, 0}, seen[b.ID])
}

func TestStopIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, Config{})
	sub, err := r.Subscribe(context.Background(), types.TransportWebSocket)
	require.NoError(t, err)
	defer sub.Close()

	timer, err := r.Start(100)
	require.NoError(t, err)

	assert.True(t, r.Stop(timer.ID))
	assert.False(t, r.Stop(timer.ID))
	assert.False(t, r.Stop(999))

	events := drainFor(sub.Events(), 5*testTick)
	terminals := 0
	for _, ev := range events {
		if ev.ID == timer.ID && ev.Type.Terminal() {
			terminals++
			assert.Equal(t, types.EventStopped, ev.Type)
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Empty(t, r.List())
}

func TestStopAfterDoneIsNoop(t *testing.T) {
	r := newTestRegistry(t, Config{})
	sub, err := r.Subscribe(context.Background(), types.TransportWebSocket)
	require.NoError(t, err)
	defer sub.Close()

	timer, err := r.Start(1)
	require.NoError(t, err)
	collectUntilTerminal(t, sub.Events(), timer.ID, 2*time.Second)

	assert.False(t, r.Stop(timer.ID))
	for _, ev := range drainFor(sub.Events(), 3*testTick) {
		assert.NotEqual(t, types.EventStopped, ev.Type)
	}
}

func TestListReflectsLiveSet(t *testing.T) {
	r := newTestRegistry(t, Config{})
	sub, err := r.Subscribe(context.Background(), types.TransportSSE)
	require.NoError(t, err)
	defer sub.Close()

	timer, err := r.Start(5)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, timer.ID, list[0].ID)
	assert.Equal(t, int64(5), list[0].SecondsLeft)

	got, ok := r.Get(timer.ID)
	assert.True(t, ok)
	assert.Equal(t, int64(5), got.OriginalSeconds)

	collectUntilTerminal(t, sub.Events(), timer.ID, 2*time.Second)
	assert.Empty(t, r.List())
	_, ok = r.Get(timer.ID)
	assert.False(t, ok)
}

func TestListSortedByID(t *testing.T) {
	r := newTestRegistry(t, Config{TickInterval: time.Hour})
	for i := 0; i < 20; i++ {
		_, err := r.Start(int64(i + 1))
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 20)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}
}

func TestBootstrapCompleteness(t *testing.T) {
	r := newTestRegistry(t, Config{TickInterval: 50 * time.Millisecond})

	_, err := r.Start(10)
	require.NoError(t, err)
	_, err = r.Start(3)
	require.NoError(t, err)

	sub, err := r.Subscribe(context.Background(), types.TransportWebSocket)
	require.NoError(t, err)
	defer sub.Close()

	events := drainFor(sub.Events(), 120*time.Millisecond)
	require.NotEmpty(t, events)

	first := events[0]
	require.Equal(t, types.EventBootstrap, first.Type)
	require.Len(t, first.Timers, 2)
	assert.Equal(t, types.TimerID(1), first.Timers[0].ID)
	assert.Equal(t, int64(10), first.Timers[0].SecondsLeft)
	assert.Equal(t, types.TimerID(2), first.Timers[1].ID)
	assert.Equal(t, int64(3), first.Timers[1].SecondsLeft)

	for _, ev := range events[1:] {
		assert.NotEqual(t, types.EventBootstrap, ev.Type)
	}
}

// ============================================================================
// Persistence Tests
// ============================================================================

func TestPersistenceMirrorsLiveSet(t *testing.T) {
	st := memory.New()
	r := newTestRegistry(t, Config{Store: st, TickInterval: time.Hour})
	ctx := context.Background()

	timer, err := r.Start(30)
	require.NoError(t, err)
	require.NoError(t, r.Flush(ctx))

	rec, ok := st.Get(timer.ID)
	require.True(t, ok)
	assert.Equal(t, int64(30), rec.SecondsLeft)
	assert.Equal(t, int64(30), rec.OriginalSeconds)

	assert.True(t, r.Stop(timer.ID))
	require.NoError(t, r.Flush(ctx))
	_, ok = st.Get(timer.ID)
	assert.False(t, ok)
}

func TestTickPersistsAndDoneDeletes(t *testing.T) {
	st := memory.New()
	r := newTestRegistry(t, Config{Store: st})
	sub, err := r.Subscribe(context.Background(), types.TransportSSE)
	require.NoError(t, err)
	defer sub.Close()

	timer, err := r.Start(3)
	require.NoError(t, err)
	collectUntilTerminal(t, sub.Events(), timer.ID, 2*time.Second)
	require.NoError(t, r.Flush(context.Background()))

	_, ok := st.Get(timer.ID)
	assert.False(t, ok)
}

func TestBestEffortPersistence(t *testing.T) {
	st := &flakyStore{Store: memory.New()}
	r := newTestRegistry(t, Config{Store: st, TickInterval: time.Hour})

	timer, err := r.Start(60)
	require.NoError(t, err)
	require.NoError(t, r.Flush(context.Background()))

	st.fail.Store(true)

	assert.True(t, r.Stop(timer.ID))
	assert.Empty(t, r.List())

	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, int32(1), st.deletes.Load())

	// the stale record survives in the store, the live set does not
	_, ok := st.Store.Get(timer.ID)
	assert.True(t, ok)
}

func TestRestoreResumesFromPersistedValue(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.Put(context.Background(), types.Record{ID: 3, SecondsLeft: 7, OriginalSeconds: 30}))

	metrics := &countingMetrics{}
	r := newTestRegistry(t, Config{Store: st, Metrics: metrics})
	sub, err := r.Subscribe(context.Background(), types.TransportWebSocket)
	require.NoError(t, err)
	defer sub.Close()

	n, err := r.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := r.Get(3)
	require.True(t, ok)
	assert.LessOrEqual(t, got.SecondsLeft, int64(7))
	assert.Greater(t, got.SecondsLeft, int64(5))
	assert.Equal(t, int64(30), got.OriginalSeconds)

	events := collectUntilTerminal(t, sub.Events(), 3, 3*time.Second)
	require.Len(t, events, 8)
	assert.Equal(t, types.NewUpdate(3, 6), events[0])
	assert.Equal(t, types.NewUpdate(3, 0), events[6])
	assert.Equal(t, types.NewDone(3), events[7])

	// restored IDs are never handed out again
	next, err := r.Start(5)
	require.NoError(t, err)
	assert.Equal(t, types.TimerID(4), next.ID)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.restored)
}

func TestRestoreAcrossRegistries(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	first := New(Config{Store: st, TickInterval: time.Hour})
	timer, err := first.Start(7)
	require.NoError(t, err)
	require.NoError(t, first.Flush(ctx))

	// Shutdown closes the store; reopen it to simulate the restarted process
	require.NoError(t, first.Shutdown(ctx))
	st.Reopen()

	second := newTestRegistry(t, Config{Store: st, TickInterval: time.Hour})
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := second.Get(timer.ID)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.SecondsLeft)
}

func TestRestoreDeletesOrphans(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, types.Record{ID: 9, SecondsLeft: 0}))
	require.NoError(t, st.Put(ctx, types.Record{ID: 4, SecondsLeft: -2}))
	require.NoError(t, st.Put(ctx, types.Record{ID: 2, SecondsLeft: 5}))

	metrics := &countingMetrics{}
	r := newTestRegistry(t, Config{Store: st, Metrics: metrics, TickInterval: time.Hour})
	n, err := r.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, r.Flush(ctx))

	records, err := st.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.TimerID(2), records[0].ID)

	// legacy records without original seconds fall back to the stored value
	got, _ := r.Get(2)
	assert.Equal(t, int64(5), got.OriginalSeconds)

	next, err := r.Start(1)
	require.NoError(t, err)
	assert.Equal(t, types.TimerID(10), next.ID)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 2, metrics.orphans)
}

func TestRestoreStoreFailureLeavesEmptySet(t *testing.T) {
	st := &flakyStore{Store: memory.New()}
	st.fail.Store(true)

	r := newTestRegistry(t, Config{Store: st})
	n, err := r.Restore(context.Background())
	assert.ErrorIs(t, err, errUnreachable)
	assert.Equal(t, 0, n)
	assert.Empty(t, r.List())

	// the registry keeps serving
	_, err = r.Start(3)
	assert.NoError(t, err)
}

func TestRestoreWithoutStore(t *testing.T) {
	r := newTestRegistry(t, Config{})
	n, err := r.Restore(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestShutdownKeepsRecords(t *testing.T) {
	st := memory.New()
	metrics := &countingMetrics{}
	r := New(Config{Store: st, Metrics: metrics, TickInterval: time.Hour})

	for i := 0; i < 3; i++ {
		_, err := r.Start(int64(10 + i))
		require.NoError(t, err)
	}

	ctx := context.Background()
	require.NoError(t, r.Shutdown(ctx))
	require.NoError(t, r.Shutdown(ctx))

	st.Reopen()
	records, err := st.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	_, err = r.Start(5)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.Subscribe(ctx, types.TransportSSE)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, r.Stop(1))
	assert.Empty(t, r.List())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 3, metrics.started)
	assert.Equal(t, 0, metrics.active)
}

// TestStopRacingFinalTick starts one-second timers on a very fast tick and
// stops them around the moment they finish. Every timer must end with
// exactly one terminal event, and a successful Stop must mean "stopped".
func TestStopRacingFinalTick(t *testing.T) {
	const timerCount = 60

	h := hub.New(hub.Config{BufferSize: 4096})
	r := newTestRegistry(t, Config{TickInterval: 2 * time.Millisecond, Hub: h})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := r.Subscribe(ctx, types.TransportWebSocket)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		stopWon  = make(map[types.TimerID]bool)
		secondOK atomic.Int32
	)
	for i := 0; i < timerCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			timer, err := r.Start(1)
			if !assert.NoError(t, err) {
				return
			}
			// 0 到 3.5ms，落在最後一個 tick 前後
			time.Sleep(time.Duration(i%8) * 500 * time.Microsecond)
			won := r.Stop(timer.ID)
			if r.Stop(timer.ID) {
				secondOK.Add(1)
			}
			mu.Lock()
			stopWon[timer.ID] = won
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	terminals := make(map[types.TimerID][]types.EventType)
	deadline := time.After(5 * time.Second)
	for len(terminals) < timerCount {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription ended early")
			if ev.Type.Terminal() {
				terminals[ev.ID] = append(terminals[ev.ID], ev.Type)
			}
		case <-deadline:
			t.Fatalf("only %d of %d timers ended", len(terminals), timerCount)
		}
	}
	// 再收一段時間，捕捉重複的終止事件
	for _, ev := range drainFor(sub.Events(), 50*time.Millisecond) {
		if ev.Type.Terminal() {
			terminals[ev.ID] = append(terminals[ev.ID], ev.Type)
		}
	}

	assert.Zero(t, secondOK.Load(), "a second Stop must always be a no-op")
	require.Len(t, stopWon, timerCount)
	for id, won := range stopWon {
		got := terminals[id]
		require.Len(t, got, 1, "timer %d terminal events: %v", id, got)
		if won {
			assert.Equal(t, types.EventStopped, got[0], "timer %d", id)
		} else {
			assert.Equal(t, types.EventDone, got[0], "timer %d", id)
		}
	}
	assert.Empty(t, r.List())
}

// TestCorruptSnapshotDoesNotStopPersistence restores from an unreadable file
// store and checks that timers started afterwards are still persisted.
func TestCorruptSnapshotDoesNotStopPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timers.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	st := snapshot.NewManager(path, snapshot.EncodingJSON)
	r := newTestRegistry(t, Config{TickInterval: time.Hour, Store: st})
	ctx := context.Background()

	n, err := r.Restore(ctx)
	assert.Error(t, err)
	assert.Zero(t, n)

	timer, err := r.Start(30)
	require.NoError(t, err)
	require.NoError(t, r.Flush(ctx))

	records, err := st.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Record{{ID: timer.ID, SecondsLeft: 30, OriginalSeconds: 30}}, records)
	assert.FileExists(t, path+".corrupt")
}
