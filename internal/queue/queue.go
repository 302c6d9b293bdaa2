// ============================================================================
// fieldsync 待同步佇列 - 操作紀錄狀態機
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 管理離線操作紀錄（Operation Record）的完整生命週期並持久化到 Store
//
// 狀態轉換 (State Machine):
//
//	Pending (待同步)
//	   ↓ SelectDue() + MarkInFlight()
//	InFlight (提交中)
//	   ↓ MarkCompleted() / MarkFailed()
//	Completed (已完成，終態) / Failed (退避中 或 終態失敗)
//	   Failed ↺ 退避時間到後由 SelectDue() 再次選出
//
// 狀態轉換規則:
//   - Pending/Failed → InFlight: MarkInFlight()
//   - InFlight → Completed: MarkCompleted()
//   - InFlight → Failed: MarkFailed()，retryCount 只增不減
//   - Failed → Pending: RetryFailed()（人工重試）
//   - InFlight → Pending: RecoverInFlight()（啟動時處理崩潰殘留）
//
// 持久化:
//   - 狀態轉換方法只修改記憶體，呼叫端在適當時機呼叫 Persist()
//   - 使用者觸發的變更（Enqueue、Remove、Retry、Purge）會自行 Persist
//   - Persist 失敗時記憶體狀態仍為準，標記 dirty 等下一次成功寫入
//
// 職責說明：
//   1. 單一 ops map 作為唯一真實來源
//   2. 依優先級、建立時間、序號排序選出到期的操作
//   3. 維護 retryCount 與退避時間
//   4. 保留最近 N 筆已完成紀錄，其餘清除
//
// ============================================================================

package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fieldsync/internal/store"
	"github.com/ChuLiYu/fieldsync/pkg/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrNotInFlight       = errors.New("operation not in flight")
	ErrNotDue            = errors.New("operation not pending or failed")
	ErrNotFailed         = errors.New("operation not failed")
	ErrInvalidOperation  = errors.New("invalid operation")
)

// DefaultRetainCompleted 已完成紀錄的保留筆數
const DefaultRetainCompleted = 50

// Options 佇列設定
type Options struct {
	Policy BackoffPolicy
	Now    func() time.Time

	// PersistAttempts 單次 Persist 對 Store 的最大嘗試次數
	PersistAttempts int
	// PersistInterval 首次重試的等待時間（指數增加）
	PersistInterval time.Duration
}

// Queue 待同步佇列
type Queue struct {
	mu  sync.RWMutex
	ops map[types.OperationID]*types.Operation
	seq uint64

	store  store.Store
	policy BackoffPolicy
	now    func() time.Time

	persistMu       sync.Mutex // 保證快照依序寫入
	dirty           bool
	persistAttempts int
	persistInterval time.Duration
}

// New 建立佇列；呼叫端接著應呼叫 Load() 載入既有紀錄
func New(s store.Store, opts Options) *Queue {
	if opts.Policy.Schedule == nil {
		opts.Policy.Schedule = DefaultBackoffPolicy().Schedule
	}
	if opts.Policy.MaxRetries <= 0 {
		opts.Policy.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PersistAttempts <= 0 {
		opts.PersistAttempts = 3
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = 50 * time.Millisecond
	}
	return &Queue{
		ops:             make(map[types.OperationID]*types.Operation),
		store:           s,
		policy:          opts.Policy,
		now:             opts.Now,
		persistAttempts: opts.PersistAttempts,
		persistInterval: opts.PersistInterval,
	}
}

// Policy 取得退避策略
func (q *Queue) Policy() BackoffPolicy {
	return q.policy
}

// Load 從 Store 載入 pending_operations，取代記憶體中的內容
func (q *Queue) Load() error {
	records, err := store.LoadCollection[types.Operation](q.store, types.CollectionPendingOperations)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.ops = make(map[types.OperationID]*types.Operation, len(records))
	q.seq = 0
	for i := range records {
		op := records[i]
		if op.ID == "" {
			log.Warn("skipping persisted operation without id", "index", i)
			continue
		}
		if _, exists := q.ops[op.ID]; exists {
			log.Warn("duplicate persisted operation id", "operationID", op.ID)
			continue
		}
		if op.Seq > q.seq {
			q.seq = op.Seq
		}
		q.ops[op.ID] = &op
	}
	// 舊資料沒有序號時依檔案順序補上
	for i := range records {
		if op, ok := q.ops[records[i].ID]; ok && op.Seq == 0 {
			q.seq++
			op.Seq = q.seq
		}
	}
	return nil
}

// Enqueue 新增一筆 pending 操作並持久化，回傳新產生的 id
//
// 不會等待網路；持久化失敗只記錄日誌，記憶體中的紀錄仍會被同步。
func (q *Queue) Enqueue(opType types.OperationType, payload json.RawMessage, owner types.OwnerContext, priority types.Priority) (types.OperationID, error) {
	if opType == "" {
		return "", fmt.Errorf("%w: type is required", ErrInvalidOperation)
	}
	if priority < types.PriorityHigh || priority > types.PriorityLow {
		return "", fmt.Errorf("%w: priority %d", ErrInvalidOperation, priority)
	}
	if payload != nil && !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidOperation)
	}

	now := q.now().UTC()
	if owner.OriginAt.IsZero() {
		owner.OriginAt = now
	}

	q.mu.Lock()
	q.seq++
	op := &types.Operation{
		ID:        types.OperationID(uuid.NewString()),
		Type:      opType,
		Payload:   append(json.RawMessage(nil), payload...),
		Owner:     owner,
		Priority:  priority,
		Seq:       q.seq,
		Status:    types.StatusPending,
		CreatedAt: now,
	}
	q.ops[op.ID] = op
	q.mu.Unlock()

	q.persistOrLog("enqueue")
	return op.ID, nil
}

// SelectOptions SelectDue 的選項
type SelectOptions struct {
	Limit int // <= 0 表示不限
	// IncludeExhausted 一併選出重試次數已用盡、但仍屬可重試類別的失敗紀錄
	// （僅供使用者明確要求的強制同步；永久失敗與衝突仍排除）
	IncludeExhausted bool
}

// SelectDue 回傳目前可提交的操作（複本），依優先級、建立時間、序號排序
//
// 可提交條件：
//   - pending
//   - failed 且可重試、未用盡次數、退避時間已到
//   - IncludeExhausted 時：failed、可重試類別、次數已用盡
func (q *Queue) SelectDue(now time.Time, opts SelectOptions) []*types.Operation {
	q.mu.RLock()
	due := make([]*types.Operation, 0)
	for _, op := range q.ops {
		if q.isDue(op, now) || (opts.IncludeExhausted && q.isExhausted(op)) {
			due = append(due, op.Clone())
		}
	}
	q.mu.RUnlock()

	sortByPriority(due)
	if opts.Limit > 0 && len(due) > opts.Limit {
		due = due[:opts.Limit]
	}
	return due
}

func (q *Queue) isDue(op *types.Operation, now time.Time) bool {
	switch op.Status {
	case types.StatusPending:
		return true
	case types.StatusFailed:
		if q.isTerminal(op) {
			return false
		}
		return op.NextAttemptAt == nil || !now.Before(*op.NextAttemptAt)
	default:
		return false
	}
}

// isExhausted 可重試類別但次數已用盡
func (q *Queue) isExhausted(op *types.Operation) bool {
	return op.Status == types.StatusFailed &&
		op.FailureClass == types.FailureRetryable &&
		q.policy.Exhausted(op.RetryCount)
}

// isTerminal 失敗紀錄是否需要人工處理
func (q *Queue) isTerminal(op *types.Operation) bool {
	if op.Status != types.StatusFailed {
		return false
	}
	return op.FailureClass != types.FailureRetryable || q.policy.Exhausted(op.RetryCount)
}

func sortByPriority(ops []*types.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}

// MarkInFlight 將到期的操作標記為提交中
func (q *Queue) MarkInFlight(id types.OperationID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, exists := q.ops[id]
	if !exists {
		return ErrOperationNotFound
	}
	if op.Status != types.StatusPending && op.Status != types.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotDue, id, op.Status)
	}

	op.Status = types.StatusInFlight
	return nil
}

// MarkCompleted 伺服器確認後標記完成（終態）
func (q *Queue) MarkCompleted(id types.OperationID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, exists := q.ops[id]
	if !exists {
		return ErrOperationNotFound
	}
	if op.Status != types.StatusInFlight {
		return ErrNotInFlight
	}

	now := q.now().UTC()
	op.Status = types.StatusCompleted
	op.LastAttemptAt = &now
	op.CompletedAt = &now
	op.FailureClass = types.FailureNone
	op.NextAttemptAt = nil
	return nil
}

// MarkFailed 記錄一次失敗並回傳更新後的紀錄複本
//
// retryCount 一律加一。可重試且未用盡次數時排程下一次嘗試
// （lastAttemptAt + Delay(retryCount)），否則成為終態失敗。
func (q *Queue) MarkFailed(id types.OperationID, cause error, class types.FailureClass) (*types.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, exists := q.ops[id]
	if !exists {
		return nil, ErrOperationNotFound
	}
	if op.Status != types.StatusInFlight {
		return nil, ErrNotInFlight
	}
	if class == types.FailureNone {
		class = types.FailureRetryable
	}

	now := q.now().UTC()
	op.Status = types.StatusFailed
	op.RetryCount++
	op.LastAttemptAt = &now
	op.FailureClass = class
	op.NextAttemptAt = nil
	if cause != nil {
		op.LastError = cause.Error()
	}

	if !q.isTerminal(op) {
		next := now.Add(q.policy.Delay(op.RetryCount))
		op.NextAttemptAt = &next
	}
	return op.Clone(), nil
}

// IsTerminal 回報 id 對應的紀錄是否為終態失敗
func (q *Queue) IsTerminal(id types.OperationID) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	op, exists := q.ops[id]
	return exists && q.isTerminal(op)
}

// RecoverInFlight 將崩潰時殘留的提交中紀錄放回 pending
//
// 伺服器可能已收到這些請求；重送依賴 Idempotency-Key 去重。
func (q *Queue) RecoverInFlight() int {
	q.mu.Lock()
	count := 0
	for _, op := range q.ops {
		if op.Status == types.StatusInFlight {
			op.Status = types.StatusPending
			count++
		}
	}
	q.mu.Unlock()
	return count
}

// RetryFailed 人工重試：失敗紀錄立即回到 pending，retryCount 保留
func (q *Queue) RetryFailed(id types.OperationID) error {
	q.mu.Lock()
	op, exists := q.ops[id]
	if !exists {
		q.mu.Unlock()
		return ErrOperationNotFound
	}
	if op.Status != types.StatusFailed {
		q.mu.Unlock()
		return ErrNotFailed
	}
	resetForRetry(op)
	q.mu.Unlock()

	q.persistOrLog("retry")
	return nil
}

// RetryAllFailed 將所有失敗紀錄放回 pending，回傳筆數
func (q *Queue) RetryAllFailed() int {
	q.mu.Lock()
	count := 0
	for _, op := range q.ops {
		if op.Status == types.StatusFailed {
			resetForRetry(op)
			count++
		}
	}
	q.mu.Unlock()

	if count > 0 {
		q.persistOrLog("retry_all")
	}
	return count
}

func resetForRetry(op *types.Operation) {
	op.Status = types.StatusPending
	op.FailureClass = types.FailureNone
	op.NextAttemptAt = nil
}

// Remove 使用者捨棄一筆失敗紀錄
func (q *Queue) Remove(id types.OperationID) error {
	q.mu.Lock()
	op, exists := q.ops[id]
	if !exists {
		q.mu.Unlock()
		return ErrOperationNotFound
	}
	if op.Status != types.StatusFailed {
		q.mu.Unlock()
		return ErrNotFailed
	}
	delete(q.ops, id)
	q.mu.Unlock()

	q.persistOrLog("remove")
	return nil
}

// RemoveAllFailed 捨棄所有失敗紀錄，回傳被移除的 id
func (q *Queue) RemoveAllFailed() []types.OperationID {
	q.mu.Lock()
	removed := make([]types.OperationID, 0)
	for id, op := range q.ops {
		if op.Status == types.StatusFailed {
			delete(q.ops, id)
			removed = append(removed, id)
		}
	}
	q.mu.Unlock()

	if len(removed) > 0 {
		q.persistOrLog("remove_all_failed")
	}
	return removed
}

// PurgeCompleted 只保留最近 retain 筆已完成紀錄，回傳被清除的 id
//
// 「最近」以 lastAttemptAt 為準，沒有時退回 createdAt。
func (q *Queue) PurgeCompleted(retain int) []types.OperationID {
	if retain < 0 {
		retain = 0
	}

	q.mu.Lock()
	completed := make([]*types.Operation, 0)
	for _, op := range q.ops {
		if op.Status == types.StatusCompleted {
			completed = append(completed, op)
		}
	}
	if len(completed) <= retain {
		q.mu.Unlock()
		return nil
	}

	sort.Slice(completed, func(i, j int) bool {
		ti, tj := recency(completed[i]), recency(completed[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return completed[i].Seq > completed[j].Seq
	})

	purged := make([]types.OperationID, 0, len(completed)-retain)
	for _, op := range completed[retain:] {
		delete(q.ops, op.ID)
		purged = append(purged, op.ID)
	}
	q.mu.Unlock()

	q.persistOrLog("purge")
	return purged
}

func recency(op *types.Operation) time.Time {
	if op.LastAttemptAt != nil {
		return *op.LastAttemptAt
	}
	return op.CreatedAt
}

// Get 取得單筆紀錄複本
func (q *Queue) Get(id types.OperationID) (*types.Operation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	op, exists := q.ops[id]
	if !exists {
		return nil, ErrOperationNotFound
	}
	return op.Clone(), nil
}

// List 依 enqueue 順序回傳所有紀錄複本
func (q *Queue) List() []*types.Operation {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() []*types.Operation {
	out := make([]*types.Operation, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len 紀錄總數
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.ops)
}

// HasWork 是否還有未完成（非終態）的紀錄
func (q *Queue) HasWork() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, op := range q.ops {
		switch op.Status {
		case types.StatusPending, types.StatusInFlight:
			return true
		case types.StatusFailed:
			if !q.isTerminal(op) {
				return true
			}
		}
	}
	return false
}

// Stats 每次呼叫時重新計算各狀態數量與下一次重試時間
//
// LastSyncAt 由 orchestrator 填入。
func (q *Queue) Stats() types.Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var stats types.Stats
	for _, op := range q.ops {
		stats.Total++
		switch op.Status {
		case types.StatusPending:
			stats.Pending++
		case types.StatusInFlight:
			stats.InFlight++
		case types.StatusCompleted:
			stats.Completed++
		case types.StatusFailed:
			stats.Failed++
			if op.FailureClass == types.FailureConflict {
				stats.Conflicts++
			}
			if q.isTerminal(op) {
				stats.Exhausted++
			} else if op.NextAttemptAt != nil {
				if stats.NextRetryAt == nil || op.NextAttemptAt.Before(*stats.NextRetryAt) {
					next := *op.NextAttemptAt
					stats.NextRetryAt = &next
				}
			}
		}
	}
	return stats
}

// ============================================================================
// 持久化
// ============================================================================

// Persist 將目前狀態整體寫入 Store
//
// 快照在呼叫當下於讀鎖內取得；persistMu 保證較新的快照不會被較舊的覆蓋。
// Store 錯誤會以指數退避重試 PersistAttempts 次。
func (q *Queue) Persist() error {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.RLock()
	snapshot := q.snapshotLocked()
	q.mu.RUnlock()

	records := make([]types.Operation, len(snapshot))
	for i, op := range snapshot {
		records[i] = *op
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.persistInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(b, uint64(q.persistAttempts-1))

	err := backoff.Retry(func() error {
		return store.SaveCollection(q.store, types.CollectionPendingOperations, records)
	}, policy)

	q.mu.Lock()
	q.dirty = err != nil
	q.mu.Unlock()
	return err
}

// Dirty 最近一次 Persist 是否失敗
func (q *Queue) Dirty() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.dirty
}

func (q *Queue) persistOrLog(reason string) {
	if err := q.Persist(); err != nil {
		log.Error("failed to persist queue, keeping in-memory state", "reason", reason, "error", err)
	}
}
