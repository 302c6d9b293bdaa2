package capture

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecord 欄位驗證失敗
var ErrInvalidRecord = errors.New("invalid record")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

// ============================================================================
// 送往遠端的 payload
// ============================================================================

// WorkRecord 一段作業的工時紀錄
type WorkRecord struct {
	BatchID   string    `json:"batch_id,omitempty"`
	Task      string    `json:"task"`
	Station   string    `json:"station,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Quantity  float64   `json:"quantity,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

func (r WorkRecord) Validate() error {
	if r.Task == "" {
		return invalid("work record task is required")
	}
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return invalid("work record needs start and end time")
	}
	if r.EndedAt.Before(r.StartedAt) {
		return invalid("work record ends before it starts")
	}
	return nil
}

// ProcessingRecord 批次在某個加工階段的紀錄
type ProcessingRecord struct {
	BatchID     string    `json:"batch_id"`
	Stage       string    `json:"stage"`
	Temperature *float64  `json:"temperature,omitempty"`
	WeightKg    float64   `json:"weight_kg,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
	Notes       string    `json:"notes,omitempty"`
}

func (r ProcessingRecord) Validate() error {
	if r.BatchID == "" {
		return invalid("processing record batch_id is required")
	}
	if r.Stage == "" {
		return invalid("processing record stage is required")
	}
	if r.WeightKg < 0 {
		return invalid("processing record weight must not be negative")
	}
	return nil
}

// LocationPing 背景位置回報
type LocationPing struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (p LocationPing) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return invalid("location out of range (%f, %f)", p.Latitude, p.Longitude)
	}
	return nil
}

// ClockEvent 上下班打卡
type ClockEvent struct {
	SessionID string    `json:"session_id,omitempty"` // 由 Recorder 填入
	Station   string    `json:"station,omitempty"`
	CardID    string    `json:"card_id,omitempty"`
	At        time.Time `json:"at"`
}

// MaterialReceipt 原料進貨
type MaterialReceipt struct {
	BatchID    string    `json:"batch_id,omitempty"` // 空值時由 Recorder 產生
	Material   string    `json:"material"`
	Supplier   string    `json:"supplier,omitempty"`
	Quantity   float64   `json:"quantity"`
	Unit       string    `json:"unit"`
	ReceivedAt time.Time `json:"received_at"`
}

func (r MaterialReceipt) Validate() error {
	if r.Material == "" {
		return invalid("material receipt material is required")
	}
	if r.Quantity <= 0 {
		return invalid("material receipt quantity must be positive")
	}
	if r.Unit == "" {
		return invalid("material receipt unit is required")
	}
	return nil
}

// EquipmentUsage 設備使用紀錄
type EquipmentUsage struct {
	ID          string    `json:"id,omitempty"` // 由 Recorder 產生
	EquipmentID string    `json:"equipment_id"`
	BatchID     string    `json:"batch_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Notes       string    `json:"notes,omitempty"`
}

func (u EquipmentUsage) Validate() error {
	if u.EquipmentID == "" {
		return invalid("equipment usage equipment_id is required")
	}
	if !u.EndedAt.IsZero() && u.EndedAt.Before(u.StartedAt) {
		return invalid("equipment usage ends before it starts")
	}
	return nil
}

// ============================================================================
// 本地類別集合（batches / work_sessions）
// ============================================================================

// BatchStatus 批次在本地的最後已知階段
type BatchStatus string

const (
	BatchReceived   BatchStatus = "received"
	BatchProcessing BatchStatus = "processing"
)

// Batch 本地批次快照
type Batch struct {
	ID         string      `json:"id"`
	Material   string      `json:"material"`
	Supplier   string      `json:"supplier,omitempty"`
	Quantity   float64     `json:"quantity"`
	Unit       string      `json:"unit"`
	Status     BatchStatus `json:"status"`
	Stage      string      `json:"stage,omitempty"`
	FactoryID  string      `json:"factory_id"`
	ReceivedAt time.Time   `json:"received_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// WorkSession 一次上班（clock_in 到 clock_out）
type WorkSession struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	FactoryID string     `json:"factory_id"`
	Station   string     `json:"station,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Open 尚未 clock_out
func (s WorkSession) Open() bool { return s.EndedAt == nil }
