package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 以 append-only 日誌鏡像存活計時器的剩餘秒數（DurationStore 實作）
// 2. 開啟時重放日誌以重建索引，略過損壞的紀錄與殘缺尾行
// 3. 日誌過長時壓縮為每個計時器一筆 PUT（temp file + rename）
// 4. 每筆紀錄帶 CRC32 校驗和，確保資料完整性
// ============================================================================

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/tickcast/internal/store"
	"github.com/ChuLiYu/tickcast/pkg/types"
)

var _ store.DurationStore = (*WAL)(nil)

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    *os.File      // WAL 檔案（O_APPEND）
	encoder *json.Encoder // JSON 編碼器
	path    string        // WAL 檔案路徑
	seq     uint64        // 當前紀錄序號
	opts    Options

	live    map[types.TimerID]types.Record // 重放後的索引
	entries int                            // 目前檔案中的紀錄數
	skipped int                            // 開啟時略過的損壞紀錄數
	closed  bool
	log     *slog.Logger
	now     func() time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
  - 如果檔案不存在，建立新檔案，seq 從 0 開始
  - 如果檔案已存在，重放所有紀錄並從最後的 seq 繼續
  - 最後一行不完整（寫入中斷）時截斷該行
  - 無法解析、校驗和不符或序號倒退的紀錄記錄警告後略過，
    並立即壓縮，讓檔案只留下有效紀錄
*/
func Open(path string, opts Options) (*WAL, error) {
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = DefaultCompactThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create wal directory: %w", err)
		}
	}

	w := &WAL{
		path: path,
		opts: opts,
		live: make(map[types.TimerID]types.Record),
		now:  time.Now,
		log:  opts.Logger,
	}

	valid, torn, err := w.replay()
	if err != nil {
		return nil, err
	}
	if torn {
		if err := os.Truncate(path, valid); err != nil {
			return nil, fmt.Errorf("failed to truncate torn wal tail: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}
	w.file = file
	w.encoder = json.NewEncoder(file)

	if w.skipped > 0 {
		w.log.Warn("Rewriting WAL without skipped entries", "path", path, "skipped", w.skipped)
		if err := w.compactLocked(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to compact wal: %w", err)
		}
	}

	return w, nil
}

// Put 追加一筆 PUT 紀錄
func (w *WAL) Put(ctx context.Context, rec types.Record) error {
	return w.append(ctx, Entry{
		Op:              OpPut,
		ID:              rec.ID,
		SecondsLeft:     rec.SecondsLeft,
		OriginalSeconds: rec.OriginalSeconds,
	})
}

// Delete 追加一筆 DELETE 紀錄；不存在的 key 不寫入
func (w *WAL) Delete(ctx context.Context, id types.TimerID) error {
	return w.append(ctx, Entry{Op: OpDelete, ID: id})
}

// ListAll 回傳重放後的存活紀錄，依 ID 排序
func (w *WAL) ListAll(ctx context.Context) ([]types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrWALClosed
	}
	return w.sortedLocked(), nil
}

// Compact 將日誌改寫為每個存活計時器一筆 PUT
func (w *WAL) Compact() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	return w.compactLocked()
}

// Close 壓縮日誌後關閉；重複呼叫安全
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if w.entries > len(w.live) {
		if err := w.compactLocked(); err != nil {
			errs = append(errs, fmt.Errorf("failed to compact wal: %w", err))
		}
	}
	if err := w.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("failed to sync wal: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close wal: %w", err))
	}
	return errors.Join(errs...)
}

// LastSeq 取得當前的紀錄序號
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Skipped 開啟時略過的損壞紀錄數
func (w *WAL) Skipped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipped
}

// Entries 目前檔案中的紀錄數
func (w *WAL) Entries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

func (w *WAL) append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if e.Op == OpDelete {
		if _, ok := w.live[e.ID]; !ok {
			return nil
		}
	}

	e.Seq = w.seq + 1
	e.Timestamp = w.now().UnixMilli()
	e.Checksum = CalculateChecksum(e)

	if err := w.encoder.Encode(e); err != nil {
		return fmt.Errorf("failed to append wal entry %d: %w", e.Seq, err)
	}
	w.seq = e.Seq
	if w.opts.SyncOnAppend {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync wal: %w", err)
		}
	}

	w.apply(e)
	w.entries++

	// 只有在大部分紀錄已過時才壓縮
	if w.entries >= w.opts.CompactThreshold && w.entries > 2*len(w.live) {
		if err := w.compactLocked(); err != nil {
			return fmt.Errorf("failed to compact wal: %w", err)
		}
	}
	return nil
}

func (w *WAL) apply(e Entry) {
	switch e.Op {
	case OpPut:
		w.live[e.ID] = types.Record{ID: e.ID, SecondsLeft: e.SecondsLeft, OriginalSeconds: e.OriginalSeconds}
	case OpDelete:
		delete(w.live, e.ID)
	}
}

// replay 讀取既有檔案重建索引，回傳有效長度與尾行是否殘缺
func (w *WAL) replay() (int64, bool, error) {
	file, err := os.Open(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to open wal: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64

	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			// 沒有換行的尾行來自中斷的寫入，即使可解析也丟棄
			if line[len(line)-1] != '\n' {
				return offset, true, nil
			}

			e, err := w.decodeLine(line, offset)
			if err != nil {
				w.skipped++
				w.log.Warn("Skipping damaged WAL entry", "path", w.path, "offset", offset, "error", err)
			} else {
				w.apply(e)
				w.seq = e.Seq
				w.entries++
			}
			offset += int64(len(line))
		}

		if readErr == io.EOF {
			return offset, false, nil
		}
		if readErr != nil {
			return 0, false, fmt.Errorf("failed to read wal: %w", readErr)
		}
	}
}

// decodeLine 解析並驗證一行紀錄
func (w *WAL) decodeLine(line []byte, offset int64) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return e, &CorruptionError{Seq: w.seq, Offset: offset, Cause: err}
	}
	if !VerifyChecksum(e) {
		return e, &ChecksumError{Seq: e.Seq, Expected: CalculateChecksum(e), Actual: e.Checksum}
	}
	if e.Seq <= w.seq {
		return e, &CorruptionError{
			Seq:    w.seq,
			Offset: offset,
			Cause:  fmt.Errorf("sequence %d does not follow %d", e.Seq, w.seq),
		}
	}
	return e, nil
}

// compactLocked 寫入暫存檔後 rename 取代原檔；呼叫者必須持有 w.mu
func (w *WAL) compactLocked() error {
	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	buf := bufio.NewWriter(tmp)
	enc := json.NewEncoder(buf)
	ts := w.now().UnixMilli()
	records := w.sortedLocked()

	var seq uint64
	for _, rec := range records {
		seq++
		e := Entry{
			Seq:             seq,
			Op:              OpPut,
			ID:              rec.ID,
			SecondsLeft:     rec.SecondsLeft,
			OriginalSeconds: rec.OriginalSeconds,
			Timestamp:       ts,
		}
		e.Checksum = CalculateChecksum(e)
		if err := enc.Encode(e); err != nil {
			return cleanup(err)
		}
	}
	if err := buf.Flush(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return cleanup(err)
	}

	// rename 後暫存檔的 handle 即指向新的 WAL
	w.file.Close()
	w.file = tmp
	w.encoder = json.NewEncoder(tmp)
	w.seq = seq
	w.entries = len(records)
	return nil
}

func (w *WAL) sortedLocked() []types.Record {
	out := make([]types.Record, 0, len(w.live))
	for _, rec := range w.live {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
