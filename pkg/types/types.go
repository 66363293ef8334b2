// Package types 定義了 tickcast 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// TimerID 計時器唯一識別碼（行程內單調遞增，不重複使用）
type TimerID uint64

// String 回傳十進位表示，用於 store key 與日誌
func (id TimerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseTimerID 解析十進位字串為 TimerID
func ParseTimerID(s string) (TimerID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return TimerID(v), nil
}

// Timer 計時器快照，代表某一瞬間的倒數狀態
type Timer struct {
	ID              TimerID   `json:"id"`              // 計時器唯一識別碼
	SecondsLeft     int64     `json:"secondsLeft"`     // 剩餘秒數
	OriginalSeconds int64     `json:"originalSeconds"` // 啟動時的秒數（供觀察端顯示）
	StartedAt       time.Time `json:"-"`               // 本行程內開始（或恢復）倒數的時間
}

// EventType 生命週期事件類型
type EventType string

// 定義事件類型常數
const (
	EventStarted   EventType = "started"   // 新倒數開始
	EventUpdate    EventType = "update"    // 經過一個 tick
	EventDone      EventType = "done"      // 倒數歸零
	EventStopped   EventType = "stopped"   // 倒數被取消
	EventBootstrap EventType = "bootstrap" // 新連線的完整快照，只送給單一觀察者
)

// Terminal 回報事件是否為終止事件（done 或 stopped）
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventStopped
}

// Event 推送給觀察者的事件，所有 transport 共用同一份 payload
type Event struct {
	Type            EventType `json:"type"`
	ID              TimerID   `json:"id"`
	SecondsLeft     int64     `json:"secondsLeft"`
	OriginalSeconds int64     `json:"originalSeconds"`
	Timers          []Timer   `json:"timers"`
}

// MarshalJSON 依事件類型輸出對應欄位，例如 done/stopped 只帶 id
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventStarted:
		return json.Marshal(struct {
			Type            EventType `json:"type"`
			ID              TimerID   `json:"id"`
			SecondsLeft     int64     `json:"secondsLeft"`
			OriginalSeconds int64     `json:"originalSeconds"`
		}{e.Type, e.ID, e.SecondsLeft, e.OriginalSeconds})
	case EventUpdate:
		return json.Marshal(struct {
			Type        EventType `json:"type"`
			ID          TimerID   `json:"id"`
			SecondsLeft int64     `json:"secondsLeft"`
		}{e.Type, e.ID, e.SecondsLeft})
	case EventBootstrap:
		timers := e.Timers
		if timers == nil {
			timers = []Timer{}
		}
		return json.Marshal(struct {
			Type   EventType `json:"type"`
			Timers []Timer   `json:"timers"`
		}{e.Type, timers})
	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			ID   TimerID   `json:"id"`
		}{e.Type, e.ID})
	}
}

// NewStarted 建立 started 事件
func NewStarted(t Timer) Event {
	return Event{Type: EventStarted, ID: t.ID, SecondsLeft: t.SecondsLeft, OriginalSeconds: t.OriginalSeconds}
}

// NewUpdate 建立 update 事件
func NewUpdate(id TimerID, secondsLeft int64) Event {
	return Event{Type: EventUpdate, ID: id, SecondsLeft: secondsLeft}
}

// NewDone 建立 done 事件
func NewDone(id TimerID) Event {
	return Event{Type: EventDone, ID: id}
}

// NewStopped 建立 stopped 事件
func NewStopped(id TimerID) Event {
	return Event{Type: EventStopped, ID: id}
}

// NewBootstrap 建立 bootstrap 事件
func NewBootstrap(timers []Timer) Event {
	if timers == nil {
		timers = []Timer{}
	}
	return Event{Type: EventBootstrap, Timers: timers}
}

// Transport 推送通道種類
type Transport string

const (
	TransportWebSocket Transport = "websocket" // 雙向推送通道
	TransportSSE       Transport = "sse"       // 單向 server-sent events
	TransportGRPC      Transport = "grpc"      // gRPC server streaming
)

// Transports 所有支援的 transport，依固定順序
var Transports = []Transport{TransportWebSocket, TransportSSE, TransportGRPC}

// Record Duration Store 中的持久化紀錄
type Record struct {
	ID              TimerID `json:"id"`               // 計時器 ID
	SecondsLeft     int64   `json:"seconds_left"`     // 最後一次寫入的剩餘秒數
	OriginalSeconds int64   `json:"original_seconds"` // 啟動秒數，舊紀錄可能為 0
}

// Status 輪詢用的狀態回應：live set 與各 transport 連線數
type Status struct {
	Timers      []Timer           `json:"timers"`
	Connections map[Transport]int `json:"connections"`
	Total       int               `json:"total"`
}

// NewStatus 組合狀態回應，確保每個 transport 都有欄位
func NewStatus(timers []Timer, counts map[Transport]int) Status {
	if timers == nil {
		timers = []Timer{}
	}
	conns := make(map[Transport]int, len(Transports))
	total := 0
	for _, tr := range Transports {
		conns[tr] = counts[tr]
		total += counts[tr]
	}
	return Status{Timers: timers, Connections: conns, Total: total}
}
