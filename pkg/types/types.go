// Package types 定義了 fieldsync 離線同步子系統使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OperationID 離線操作唯一識別碼（enqueue 時產生，永不重用）
type OperationID string

// OperationType 操作類型，對應一個遠端提交呼叫
type OperationType string

// 已知的操作類型（封閉集合，新增類型必須同步擴充 adapter.Backend）
const (
	TypeWorkRecord       OperationType = "work_record"
	TypeProcessingRecord OperationType = "processing_record"
	TypeLocation         OperationType = "location"
	TypeClockIn          OperationType = "clock_in"
	TypeClockOut         OperationType = "clock_out"
	TypeMaterialReceipt  OperationType = "material_receipt"
	TypeEquipmentUsage   OperationType = "equipment_usage"
)

// KnownTypes lists every operation kind the adapter can dispatch.
var KnownTypes = []OperationType{
	TypeWorkRecord,
	TypeProcessingRecord,
	TypeLocation,
	TypeClockIn,
	TypeClockOut,
	TypeMaterialReceipt,
	TypeEquipmentUsage,
}

// Known reports whether t is one of KnownTypes.
func (t OperationType) Known() bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Priority 業務優先級，數值越小越優先
type Priority int

const (
	PriorityHigh   Priority = 0 // 高：打卡、收料等影響薪資或帳務的事件
	PriorityMedium Priority = 1 // 中：工作紀錄、加工紀錄
	PriorityLow    Priority = 2 // 低：定位心跳等背景遙測
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// MarshalJSON 以文字形式輸出，方便人工檢視持久化檔案
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts the textual form written by MarshalJSON.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority 解析 high / medium / low（不分大小寫）
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// DefaultPriority returns the business criticality used when a caller does
// not pick one explicitly.
func DefaultPriority(t OperationType) Priority {
	switch t {
	case TypeClockIn, TypeClockOut, TypeMaterialReceipt:
		return PriorityHigh
	case TypeLocation:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// OperationStatus 操作狀態
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"   // 待同步：尚未嘗試或等待下一次嘗試
	StatusInFlight  OperationStatus = "in_flight" // 提交中：正在呼叫遠端
	StatusCompleted OperationStatus = "completed" // 已完成：伺服器確認（終態）
	StatusFailed    OperationStatus = "failed"    // 失敗：等待退避、或重試耗盡/永久失敗
)

// FailureClass 失敗分類
type FailureClass string

const (
	FailureNone      FailureClass = ""
	FailureRetryable FailureClass = "retryable" // 網路、逾時、5xx、儲存暫時錯誤
	FailurePermanent FailureClass = "permanent" // 4xx 驗證失敗、未知類型
	FailureConflict  FailureClass = "conflict"  // 伺服器回報並行修改，需人工處理
)

// OwnerContext 提交所需但不屬於業務資料本身的識別資訊
type OwnerContext struct {
	UserID    string    `json:"user_id"`
	FactoryID string    `json:"factory_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	OriginAt  time.Time `json:"origin_at"`
}

// Operation 離線工作的最小單位（Operation Record）
type Operation struct {
	// 識別與資料
	ID      OperationID     `json:"id"`
	Type    OperationType   `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Owner   OwnerContext    `json:"owner"`

	// 排程
	Priority Priority `json:"priority"`
	Seq      uint64   `json:"seq"` // enqueue 序號，同優先級同時間時的穩定排序依據

	// 狀態追蹤
	Status        OperationStatus `json:"status"`
	RetryCount    int             `json:"retry_count"`
	FailureClass  FailureClass    `json:"failure_class,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand outside the queue lock.
func (op *Operation) Clone() *Operation {
	c := *op
	if op.Payload != nil {
		c.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	c.LastAttemptAt = cloneTime(op.LastAttemptAt)
	c.NextAttemptAt = cloneTime(op.NextAttemptAt)
	c.CompletedAt = cloneTime(op.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Reachability 三態可達性：未知 / 可達 / 不可達
type Reachability string

const (
	ReachUnknown     Reachability = "unknown"
	ReachReachable   Reachability = "reachable"
	ReachUnreachable Reachability = "unreachable"
)

// TransportClass 傳輸類別（計量/非計量）
type TransportClass string

const (
	TransportNone      TransportClass = "none"
	TransportUnmetered TransportClass = "unmetered"
	TransportMetered   TransportClass = "metered"
)

// NetworkStatus 網路狀態快照，沒有持久身份
type NetworkStatus struct {
	Connected bool           `json:"connected"`
	Reachable Reachability   `json:"reachable"`
	Transport TransportClass `json:"transport"`
}

// Offline reports whether submissions should not be attempted.
func (s NetworkStatus) Offline() bool {
	return !s.Connected || s.Reachable == ReachUnreachable
}

// Stats 同步統計：每次讀取時由佇列重新計算，不單獨持久化
type Stats struct {
	Total       int        `json:"total"`
	Pending     int        `json:"pending"`
	InFlight    int        `json:"in_flight"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	Conflicts   int        `json:"conflicts"`
	Exhausted   int        `json:"exhausted"` // 終態失敗（重試耗盡、永久、衝突）
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// 持久化集合鍵
const (
	CollectionPendingOperations = "pending_operations"
	CollectionBatches           = "batches"
	CollectionWorkSessions      = "work_sessions"
	CollectionEquipmentUsage    = "equipment_usage"

	KeyLastSyncTimestamp = "last_sync_timestamp"
)
