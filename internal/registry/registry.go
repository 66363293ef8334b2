// ============================================================================
// tickcast 計時器註冊表 - 倒數狀態機與生命週期協調
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 管理所有進行中的倒數計時器，並協調 Hub 與 Duration Store
//
// 計時器狀態轉換:
//   created (Start / Restore)
//      ↓ 每個 tick 遞減一秒
//   ticking
//      ↓ 歸零 (done) 或被取消 (stopped)
//   terminal → 從 live set 移除，並刪除 store 紀錄
//
// 數據結構:
//   timers map[TimerID]*entry - live set，唯一真實來源
//   每個 entry 擁有自己的 stopCh，對應一個 tick goroutine
//
// 並發安全:
//   - 單一 sync.Mutex 保護 live set 與 ID 分配
//   - tick 與 Stop 都在同一把鎖下轉換狀態，先移除者勝出
//   - entry 指標比對，防止已取消的 tick 仍然生效
//   - 事件在鎖內發布；Hub.Publish 與 Writer.Submit 皆不阻塞
//
// 持久化:
//   - 所有 store 操作經由 persist.Writer 非同步執行
//   - store 失敗只記錄日誌與指標，不影響呼叫端
//
// ============================================================================

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/tickcast/internal/hub"
	"github.com/ChuLiYu/tickcast/internal/persist"
	"github.com/ChuLiYu/tickcast/internal/store"
	"github.com/ChuLiYu/tickcast/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 倒數秒數必須為正整數
	ErrInvalidDuration = errors.New("duration must be a positive number of seconds")
	// Registry 已關閉
	ErrClosed = errors.New("registry closed")
)

// Metrics 接收計時器生命週期指標，nil 表示不記錄
type Metrics interface {
	RecordTimerStarted()
	RecordTimerStopped()
	RecordTimerDone()
	SetActiveTimers(n int)
	RecordRestore(restored, orphans int, duration time.Duration)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Registry 配置
type Config struct {
	TickInterval   time.Duration       // tick 間隔，預設 1s
	RestoreTimeout time.Duration       // Restore 列舉 store 的逾時，預設 5s
	Store          store.DurationStore // 可為 nil，表示純記憶體模式
	Hub            *hub.Hub            // 可為 nil，自動建立
	Persist        persist.Config      // 持久化 writer 配置
	Logger         *slog.Logger
	Metrics        Metrics
}

// entry live set 中的一筆倒數
type entry struct {
	timer  types.Timer
	stopCh chan struct{}
}

// Registry 計時器註冊表
type Registry struct {
	mu     sync.Mutex
	timers map[types.TimerID]*entry
	nextID types.TimerID
	closed bool

	cfg    Config
	log    *slog.Logger
	hub    *hub.Hub
	store  store.DurationStore
	writer *persist.Writer // store 為 nil 時亦為 nil
	loopWg sync.WaitGroup  // 等待所有 tick goroutine 退出
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Registry。傳入的 store（若有）在 Shutdown 時關閉。
func New(cfg Config) *Registry {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.RestoreTimeout <= 0 {
		cfg.RestoreTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = hub.New(hub.Config{Logger: cfg.Logger})
	}

	r := &Registry{
		timers: make(map[types.TimerID]*entry),
		nextID: 1,
		cfg:    cfg,
		log:    cfg.Logger,
		hub:    cfg.Hub,
		store:  cfg.Store,
	}
	if cfg.Store != nil {
		pc := cfg.Persist
		if pc.Logger == nil {
			pc.Logger = cfg.Logger
		}
		r.writer = persist.NewWriter(cfg.Store, pc)
	}
	return r
}

// Hub 回傳 Registry 發布事件的 Hub
func (r *Registry) Hub() *hub.Hub {
	return r.hub
}

// Start 建立新計時器並開始倒數
//
// 流程：
//  1. 分配 ID，安裝 tick goroutine
//  2. 發布 started 事件
//  3. 非同步寫入 store
//
// 錯誤處理：
//   - ErrInvalidDuration: seconds <= 0
//   - ErrClosed: Shutdown 之後呼叫
func (r *Registry) Start(seconds int64) (types.Timer, error) {
	if seconds <= 0 {
		return types.Timer{}, ErrInvalidDuration
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return types.Timer{}, ErrClosed
	}

	id := r.nextID
	r.nextID++

	t := types.Timer{
		ID:              id,
		SecondsLeft:     seconds,
		OriginalSeconds: seconds,
		StartedAt:       time.Now(),
	}
	r.installLocked(t)

	r.hub.Publish(types.NewStarted(t))
	r.submit(persist.Put(recordOf(t)))
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordTimerStarted()
	}

	r.log.Info("Timer started", "timerID", id, "seconds", seconds)
	return t, nil
}

// Stop 取消倒數。ID 不存在（或已結束）時回傳 false，不視為錯誤。
func (r *Registry) Stop(id types.TimerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.timers[id]
	if !ok {
		return false
	}
	r.removeLocked(id, e)

	r.submit(persist.Delete(id))
	r.hub.Publish(types.NewStopped(id))
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordTimerStopped()
	}

	r.log.Info("Timer stopped", "timerID", id, "seconds_left", e.timer.SecondsLeft)
	return true
}

// List 回傳 live set 快照，依 ID 排序
func (r *Registry) List() []types.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

// Get 查詢單一計時器
func (r *Registry) Get(id types.TimerID) (types.Timer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.timers[id]
	if !ok {
		return types.Timer{}, false
	}
	return e.timer, true
}

// Subscribe 註冊觀察者。快照與註冊在同一把鎖下完成，
// 因此 bootstrap 一定是第一個事件，且不會漏掉中間的事件。
func (r *Registry) Subscribe(ctx context.Context, transport types.Transport) (*hub.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	return r.hub.Subscribe(ctx, transport, r.listLocked()), nil
}

// Restore 從 store 恢復計時器
//
// 流程：
//  1. 在 RestoreTimeout 內列舉 store
//  2. SecondsLeft > 0 的紀錄從持久化的值繼續倒數（不補償停機時間，不發 started）
//  3. SecondsLeft <= 0 的孤兒紀錄直接刪除
//
// 返回值：
//   - int: 恢復的計時器數量
//   - error: 列舉失敗時回傳，live set 維持原狀，呼叫端可忽略
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	start := time.Now()

	listCtx, cancel := context.WithTimeout(ctx, r.cfg.RestoreTimeout)
	defer cancel()

	records, err := r.store.ListAll(listCtx)
	if err != nil {
		r.log.Error("Failed to restore timers", "error", err)
		return 0, fmt.Errorf("failed to list stored durations: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	restored, orphans := 0, 0
	for _, rec := range records {
		if rec.ID >= r.nextID {
			r.nextID = rec.ID + 1
		}

		if rec.SecondsLeft <= 0 {
			orphans++
			r.submit(persist.Delete(rec.ID))
			r.log.Warn("Discarding expired stored timer", "timerID", rec.ID, "seconds_left", rec.SecondsLeft)
			continue
		}

		original := rec.OriginalSeconds
		if original <= 0 {
			original = rec.SecondsLeft
		}
		r.installLocked(types.Timer{
			ID:              rec.ID,
			SecondsLeft:     rec.SecondsLeft,
			OriginalSeconds: original,
			StartedAt:       time.Now(),
		})
		restored++
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordRestore(restored, orphans, time.Since(start))
	}
	r.log.Info("Restore completed",
		"duration", time.Since(start),
		"restored", restored,
		"orphans", orphans,
		"next_id", r.nextID)
	return restored, nil
}

// Flush 等待所有已排入的 store 操作完成，主要供測試與關閉流程使用
func (r *Registry) Flush(ctx context.Context) error {
	if r.writer == nil {
		return nil
	}
	return r.writer.Flush(ctx)
}

// Shutdown 取消所有倒數並釋放資源，不刪除 store 紀錄，以便下次啟動恢復
//
// 流程：
//  1. 標記關閉，關閉所有 stopCh
//  2. 等待 tick goroutine 退出
//  3. 排空持久化 writer，關閉 store
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id, e := range r.timers {
		close(e.stopCh)
		delete(r.timers, id)
	}
	r.reportActiveLocked()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.loopWg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for tick loops: %w", ctx.Err()))
	}

	if r.writer != nil {
		r.writer.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}

	r.log.Info("Registry shut down")
	return errors.Join(errs...)
}

// ============================================================================
// 內部方法
// ============================================================================

// installLocked 安裝一筆倒數；同 ID 已存在時先取消舊的
func (r *Registry) installLocked(t types.Timer) {
	if old, ok := r.timers[t.ID]; ok {
		close(old.stopCh)
	}

	e := &entry{timer: t, stopCh: make(chan struct{})}
	r.timers[t.ID] = e
	r.reportActiveLocked()

	r.loopWg.Add(1)
	go r.tickLoop(e)
}

func (r *Registry) removeLocked(id types.TimerID, e *entry) {
	close(e.stopCh)
	delete(r.timers, id)
	r.reportActiveLocked()
}

// tickLoop 單一計時器的 tick 循環
func (r *Registry) tickLoop(e *entry) {
	defer r.loopWg.Done()

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if r.tick(e) {
				return
			}
		}
	}
}

// tick 遞減一秒並發布事件，回傳 true 表示此倒數已結束
func (r *Registry) tick(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := e.timer.ID
	// 已被 Stop、重新安裝或 Shutdown
	if cur, ok := r.timers[id]; !ok || cur != e {
		return true
	}

	e.timer.SecondsLeft--
	left := e.timer.SecondsLeft
	r.hub.Publish(types.NewUpdate(id, left))

	if left > 0 {
		r.submit(persist.Put(recordOf(e.timer)))
		return false
	}

	r.removeLocked(id, e)
	r.hub.Publish(types.NewDone(id))
	r.submit(persist.Delete(id))
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordTimerDone()
	}
	r.log.Info("Timer done", "timerID", id, "elapsed", time.Since(e.timer.StartedAt))
	return true
}

// submit 將 store 操作交給 writer；失敗只記錄，不回傳
func (r *Registry) submit(op persist.Op) {
	if r.writer == nil {
		return
	}
	if err := r.writer.Submit(op); err != nil && !errors.Is(err, persist.ErrQueueFull) {
		r.log.Warn("Failed to queue persistence op", "op", op.Kind, "timerID", op.Record.ID, "error", err)
	}
}

func (r *Registry) listLocked() []types.Timer {
	out := make([]types.Timer, 0, len(r.timers))
	for _, e := range r.timers {
		out = append(out, e.timer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) reportActiveLocked() {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SetActiveTimers(len(r.timers))
	}
}

func recordOf(t types.Timer) types.Record {
	return types.Record{ID: t.ID, SecondsLeft: t.SecondsLeft, OriginalSeconds: t.OriginalSeconds}
}
