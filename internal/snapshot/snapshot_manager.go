package snapshot

// ============================================================================
// 職責說明：
// 1. 以單一檔案鏡像所有存活計時器的剩餘秒數（DurationStore 實作）
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性，略過無法解析的 key；
//    整個檔案無法使用時移至 <path>.corrupt，從空集合繼續寫入
// 4. 支援 JSON（預設，方便人工閱讀）與 CBOR（較小）兩種編碼
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ChuLiYu/tickcast/internal/store"
	"github.com/ChuLiYu/tickcast/pkg/types"
	"github.com/fxamacker/cbor/v2"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrUnknownEncoding     = errors.New("unknown snapshot encoding")
)

// schemaVersion 目前的檔案格式版本
const schemaVersion = 1

// Encoding 快照檔案編碼
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// ParseEncoding 解析設定檔中的編碼名稱，空字串視為 JSON
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "", "json":
		return EncodingJSON, nil
	case "cbor":
		return EncodingCBOR, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

// fileData 快照檔案內容；key 為十進位 TimerID
type fileData struct {
	Timers    map[string]types.Record `json:"timers" cbor:"timers"`
	SchemaVer int                     `json:"schema_version" cbor:"schema_version"`
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 檔案型 Duration Store
type Manager struct {
	path     string
	encoding Encoding

	mu      sync.Mutex // 保護檔案操作與 records
	records map[types.TimerID]types.Record
	loaded  bool
	closed  bool
	dropped int // 最近一次載入時略過的損壞 key 數

	loadErr     error  // 檔案被隔離的原因，下一次 ListAll 回報一次
	quarantined string // 隔離後的檔案路徑
	log         *slog.Logger
}

// Option 調整 Manager 設定
type Option func(*Manager)

// WithLogger 設定隔離損壞檔案時使用的 logger，預設為 slog.Default
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

var _ store.DurationStore = (*Manager)(nil)

// NewManager 建立快照管理器實例
func NewManager(path string, encoding Encoding, opts ...Option) *Manager {
	if encoding == "" {
		encoding = EncodingJSON
	}
	m := &Manager{
		path:     path,
		encoding: encoding,
		records:  make(map[types.TimerID]types.Record),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// ============================================================================
// DurationStore 實作
// ============================================================================

// Put 更新或新增一筆紀錄並立即寫回檔案
func (m *Manager) Put(ctx context.Context, rec types.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoadedLocked(); err != nil {
		return err
	}

	m.records[rec.ID] = rec
	return m.writeLocked()
}

// Delete 移除紀錄；key 不存在時不寫檔也不回傳錯誤
func (m *Manager) Delete(ctx context.Context, id types.TimerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoadedLocked(); err != nil {
		return err
	}

	if _, exists := m.records[id]; !exists {
		return nil
	}
	delete(m.records, id)
	return m.writeLocked()
}

// ListAll 回傳所有紀錄（依 ID 排序）。
// 檔案在載入時被隔離的話，第一次呼叫回傳原因，之後回傳隔離後的新集合。
func (m *Manager) ListAll(ctx context.Context) ([]types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	if err := m.loadErr; err != nil {
		m.loadErr = nil
		return nil, err
	}

	out := make([]types.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close 標記關閉；檔案內容保持不變，供下次啟動恢復
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Dropped 回傳最近一次載入時略過的損壞 key 數（用於日誌）
func (m *Manager) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Quarantined 回傳被隔離的損壞檔案路徑；沒有隔離時為空字串
func (m *Manager) Quarantined() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quarantined
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// ============================================================================
// 內部方法
// ============================================================================

func (m *Manager) ensureLoadedLocked() error {
	if m.closed {
		return store.ErrClosed
	}
	if m.loaded {
		return nil
	}

	records, dropped, err := m.load()
	switch {
	case errors.Is(err, ErrCorruptedSnapshot), errors.Is(err, ErrIncompatibleVersion):
		m.quarantineLocked(err)
		m.records = make(map[types.TimerID]types.Record)
		m.loadErr = err
		m.loaded = true
		return nil
	case err != nil:
		return err
	}
	m.records = records
	m.dropped = dropped
	m.loaded = true
	return nil
}

// quarantineLocked 將無法使用的檔案移到 <path>.corrupt，之後的寫入從空集合開始
func (m *Manager) quarantineLocked(cause error) {
	target := m.path + ".corrupt"
	if err := os.Rename(m.path, target); err != nil {
		m.log.Error("Failed to move unreadable snapshot aside, it will be overwritten",
			"path", m.path,
			"cause", cause,
			"error", err)
		return
	}
	m.quarantined = target
	m.log.Warn("Snapshot file unreadable, moved aside",
		"path", m.path,
		"moved_to", target,
		"error", cause)
}

// load 讀取並驗證快照檔案
//
// 行為：
//   - 檔案不存在時回傳空集合（首次啟動）
//   - 驗證 schema 版本
//   - 無法解析的 key 或 key 與內容 ID 不符時略過並計數
func (m *Manager) load() (map[types.TimerID]types.Record, int, error) {
	records := make(map[types.TimerID]types.Record)

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data fileData
	if err := m.unmarshal(raw, &data); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != schemaVersion {
		return nil, 0, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, schemaVersion)
	}

	dropped := 0
	for key, rec := range data.Timers {
		id, err := types.ParseTimerID(key)
		if err != nil || id == 0 {
			dropped++
			continue
		}
		rec.ID = id
		records[id] = rec
	}
	return records, dropped, nil
}

// writeLocked 原子性寫入快照：先寫 .tmp 再 rename
func (m *Manager) writeLocked() error {
	data := fileData{
		Timers:    make(map[string]types.Record, len(m.records)),
		SchemaVer: schemaVersion,
	}
	for id, rec := range m.records {
		data.Timers[id.String()] = rec
	}

	raw, err := m.marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func (m *Manager) marshal(data fileData) ([]byte, error) {
	if m.encoding == EncodingCBOR {
		return cbor.Marshal(data)
	}
	return json.MarshalIndent(data, "", "  ")
}

func (m *Manager) unmarshal(raw []byte, data *fileData) error {
	if m.encoding == EncodingCBOR {
		return cbor.Unmarshal(raw, data)
	}
	return json.Unmarshal(raw, data)
}
