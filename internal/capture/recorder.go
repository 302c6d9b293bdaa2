// ============================================================================
// Recorder - 業務資料的入口
// ============================================================================
//
// 職責說明：
//   現場操作（打卡、進貨、加工、設備使用、位置）都經由 Recorder：
//   1. 驗證欄位
//   2. 更新本地類別集合（batches / work_sessions / equipment_usage）
//   3. 以該類型的預設優先級 enqueue 一筆待同步操作
//
//   不論連線與否都走同一條路徑；實際送出由 orchestrator 負責。
//
// ============================================================================

package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fieldsync/internal/store"
	"github.com/ChuLiYu/fieldsync/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

var (
	ErrSessionOpen   = errors.New("work session already open")
	ErrNoOpenSession = errors.New("no open work session")
	ErrBatchNotFound = errors.New("batch not found")
)

// Enqueuer 接收待同步操作（*orchestrator.Orchestrator 實作此介面）
type Enqueuer interface {
	Enqueue(opType types.OperationType, payload json.RawMessage, owner types.OwnerContext, priority types.Priority) (types.OperationID, error)
}

// Recorder 業務資料記錄器
type Recorder struct {
	mu    sync.Mutex // 序列化集合的讀-改-寫
	store store.Store
	sink  Enqueuer
	now   func() time.Time
}

// NewRecorder 建立 Recorder；now 為 nil 時使用 time.Now
func NewRecorder(s store.Store, sink Enqueuer, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: s, sink: sink, now: now}
}

// ============================================================================
// 打卡
// ============================================================================

// ClockIn 開啟新的 WorkSession 並 enqueue clock_in
func (r *Recorder) ClockIn(owner types.OwnerContext, event ClockEvent) (types.OperationID, error) {
	if owner.UserID == "" {
		return "", fmt.Errorf("%w: clock in requires a user", ErrInvalidRecord)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, err := store.LoadCollection[WorkSession](r.store, types.CollectionWorkSessions)
	if err != nil {
		return "", err
	}
	for _, s := range sessions {
		if s.UserID == owner.UserID && s.Open() {
			return "", fmt.Errorf("%w: %s", ErrSessionOpen, s.ID)
		}
	}

	if event.At.IsZero() {
		event.At = r.now().UTC()
	}
	session := WorkSession{
		ID:        uuid.NewString(),
		UserID:    owner.UserID,
		FactoryID: owner.FactoryID,
		Station:   event.Station,
		StartedAt: event.At,
	}
	event.SessionID = session.ID

	return commit(r, types.CollectionWorkSessions, sessions, append(sessions, session), func() (types.OperationID, error) {
		return r.enqueue(types.TypeClockIn, event, owner)
	})
}

// ClockOut 關閉使用者目前的 WorkSession 並 enqueue clock_out
func (r *Recorder) ClockOut(owner types.OwnerContext, event ClockEvent) (types.OperationID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, err := store.LoadCollection[WorkSession](r.store, types.CollectionWorkSessions)
	if err != nil {
		return "", err
	}

	idx := -1
	for i, s := range sessions {
		if s.UserID == owner.UserID && s.Open() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("%w for user %s", ErrNoOpenSession, owner.UserID)
	}

	if event.At.IsZero() {
		event.At = r.now().UTC()
	}
	if event.At.Before(sessions[idx].StartedAt) {
		return "", fmt.Errorf("%w: clock out before clock in", ErrInvalidRecord)
	}
	previous := append([]WorkSession(nil), sessions...)
	ended := event.At
	sessions[idx].EndedAt = &ended
	event.SessionID = sessions[idx].ID

	return commit(r, types.CollectionWorkSessions, previous, sessions, func() (types.OperationID, error) {
		return r.enqueue(types.TypeClockOut, event, owner)
	})
}

// ============================================================================
// 批次與加工
// ============================================================================

// ReceiveMaterial 建立批次並 enqueue material_receipt；回傳批次 ID
func (r *Recorder) ReceiveMaterial(owner types.OwnerContext, receipt MaterialReceipt) (types.OperationID, string, error) {
	if err := receipt.Validate(); err != nil {
		return "", "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	batches, err := store.LoadCollection[Batch](r.store, types.CollectionBatches)
	if err != nil {
		return "", "", err
	}

	now := r.now().UTC()
	if receipt.BatchID == "" {
		receipt.BatchID = uuid.NewString()
	}
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = now
	}
	for _, b := range batches {
		if b.ID == receipt.BatchID {
			return "", "", fmt.Errorf("%w: batch %s already exists", ErrInvalidRecord, b.ID)
		}
	}

	next := append(batches, Batch{
		ID:         receipt.BatchID,
		Material:   receipt.Material,
		Supplier:   receipt.Supplier,
		Quantity:   receipt.Quantity,
		Unit:       receipt.Unit,
		Status:     BatchReceived,
		FactoryID:  owner.FactoryID,
		ReceivedAt: receipt.ReceivedAt,
		UpdatedAt:  now,
	})
	id, err := commit(r, types.CollectionBatches, batches, next, func() (types.OperationID, error) {
		return r.enqueue(types.TypeMaterialReceipt, receipt, owner)
	})
	if err != nil {
		return "", "", err
	}
	return id, receipt.BatchID, nil
}

// RecordProcessing 更新批次階段並 enqueue processing_record
//
// 批次必須已存在於本地（由 ReceiveMaterial 建立）。
func (r *Recorder) RecordProcessing(owner types.OwnerContext, record ProcessingRecord) (types.OperationID, error) {
	if err := record.Validate(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	batches, err := store.LoadCollection[Batch](r.store, types.CollectionBatches)
	if err != nil {
		return "", err
	}

	now := r.now().UTC()
	if record.RecordedAt.IsZero() {
		record.RecordedAt = now
	}

	previous := append([]Batch(nil), batches...)
	found := false
	for i := range batches {
		if batches[i].ID == record.BatchID {
			batches[i].Status = BatchProcessing
			batches[i].Stage = record.Stage
			batches[i].UpdatedAt = now
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("%w: %s", ErrBatchNotFound, record.BatchID)
	}

	return commit(r, types.CollectionBatches, previous, batches, func() (types.OperationID, error) {
		return r.enqueue(types.TypeProcessingRecord, record, owner)
	})
}

// ============================================================================
// 其他紀錄
// ============================================================================

// RecordEquipmentUsage 追加設備使用紀錄並 enqueue equipment_usage
func (r *Recorder) RecordEquipmentUsage(owner types.OwnerContext, usage EquipmentUsage) (types.OperationID, error) {
	if usage.StartedAt.IsZero() {
		usage.StartedAt = r.now().UTC()
	}
	if err := usage.Validate(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	usages, err := store.LoadCollection[EquipmentUsage](r.store, types.CollectionEquipmentUsage)
	if err != nil {
		return "", err
	}
	if usage.ID == "" {
		usage.ID = uuid.NewString()
	}
	return commit(r, types.CollectionEquipmentUsage, usages, append(usages, usage), func() (types.OperationID, error) {
		return r.enqueue(types.TypeEquipmentUsage, usage, owner)
	})
}

// RecordWork enqueue work_record
func (r *Recorder) RecordWork(owner types.OwnerContext, record WorkRecord) (types.OperationID, error) {
	if err := record.Validate(); err != nil {
		return "", err
	}
	return r.enqueue(types.TypeWorkRecord, record, owner)
}

// RecordLocation enqueue location（低優先級）
func (r *Recorder) RecordLocation(owner types.OwnerContext, ping LocationPing) (types.OperationID, error) {
	if err := ping.Validate(); err != nil {
		return "", err
	}
	if ping.RecordedAt.IsZero() {
		ping.RecordedAt = r.now().UTC()
	}
	return r.enqueue(types.TypeLocation, ping, owner)
}

// ============================================================================
// 讀取
// ============================================================================

func (r *Recorder) Batches() ([]Batch, error) {
	return store.LoadCollection[Batch](r.store, types.CollectionBatches)
}

func (r *Recorder) WorkSessions() ([]WorkSession, error) {
	return store.LoadCollection[WorkSession](r.store, types.CollectionWorkSessions)
}

func (r *Recorder) EquipmentUsage() ([]EquipmentUsage, error) {
	return store.LoadCollection[EquipmentUsage](r.store, types.CollectionEquipmentUsage)
}

// OpenSession 使用者目前的 WorkSession；沒有時回傳 nil
func (r *Recorder) OpenSession(userID string) (*WorkSession, error) {
	sessions, err := r.WorkSessions()
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].UserID == userID && sessions[i].Open() {
			return &sessions[i], nil
		}
	}
	return nil, nil
}

// commit 寫入集合後 enqueue；enqueue 失敗時還原集合，避免留下沒有對應操作的紀錄
//
// 呼叫端持有 r.mu。previous 不可與 next 共用被修改的元素。
func commit[T any](r *Recorder, key string, previous, next []T, enqueue func() (types.OperationID, error)) (types.OperationID, error) {
	if err := store.SaveCollection(r.store, key, next); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", key, err)
	}
	id, err := enqueue()
	if err != nil {
		if rbErr := store.SaveCollection(r.store, key, previous); rbErr != nil {
			log.Error("Failed to roll back collection", "collection", key, "error", rbErr)
		}
		return "", err
	}
	return id, nil
}

func (r *Recorder) enqueue(opType types.OperationType, payload any, owner types.OwnerContext) (types.OperationID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", opType, err)
	}
	if owner.OriginAt.IsZero() {
		owner.OriginAt = r.now().UTC()
	}
	id, err := r.sink.Enqueue(opType, data, owner, types.DefaultPriority(opType))
	if err != nil {
		return "", err
	}
	log.Debug("Captured record", "type", opType, "operationID", id)
	return id, nil
}
