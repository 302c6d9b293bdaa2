// Package adapter 將操作紀錄分派到對應的遠端提交呼叫
//
// 只有這個套件知道每種操作的請求格式。Backend 介面每種操作一個方法，
// 新增 OperationType 時必須同時擴充 Backend，否則無法編譯。
package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/fieldsync/pkg/types"
)

// Envelope 遠端回應 { success, data?, message? }
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Request 一次提交所需的資料
type Request struct {
	OperationID types.OperationID
	Payload     json.RawMessage
	Owner       types.OwnerContext
}

// Backend 每種操作一個提交方法
type Backend interface {
	SubmitWorkRecord(ctx context.Context, req Request) (*Envelope, error)
	SubmitProcessingRecord(ctx context.Context, req Request) (*Envelope, error)
	SubmitLocation(ctx context.Context, req Request) (*Envelope, error)
	SubmitClockIn(ctx context.Context, req Request) (*Envelope, error)
	SubmitClockOut(ctx context.Context, req Request) (*Envelope, error)
	SubmitMaterialReceipt(ctx context.Context, req Request) (*Envelope, error)
	SubmitEquipmentUsage(ctx context.Context, req Request) (*Envelope, error)
}

// Adapter 依操作類型分派到 Backend
type Adapter struct {
	backend Backend
}

// New 建立 Adapter
func New(backend Backend) *Adapter {
	return &Adapter{backend: backend}
}

// Submit 提交一筆操作
//
// 成功回傳伺服器的 Envelope；失敗一律回傳可由 Classify 分類的錯誤。
// 未知類型不呼叫 Backend，直接回傳 ErrUnknownOperationType（永久失敗）。
func (a *Adapter) Submit(ctx context.Context, op *types.Operation) (*Envelope, error) {
	req := Request{OperationID: op.ID, Payload: op.Payload, Owner: op.Owner}

	var (
		env *Envelope
		err error
	)
	switch op.Type {
	case types.TypeWorkRecord:
		env, err = a.backend.SubmitWorkRecord(ctx, req)
	case types.TypeProcessingRecord:
		env, err = a.backend.SubmitProcessingRecord(ctx, req)
	case types.TypeLocation:
		env, err = a.backend.SubmitLocation(ctx, req)
	case types.TypeClockIn:
		env, err = a.backend.SubmitClockIn(ctx, req)
	case types.TypeClockOut:
		env, err = a.backend.SubmitClockOut(ctx, req)
	case types.TypeMaterialReceipt:
		env, err = a.backend.SubmitMaterialReceipt(ctx, req)
	case types.TypeEquipmentUsage:
		env, err = a.backend.SubmitEquipmentUsage(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperationType, op.Type)
	}

	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, &SubmitError{Class: types.FailurePermanent, Message: "empty response", Err: ErrRejected}
	}
	if !env.Success {
		return env, &SubmitError{Class: types.FailurePermanent, Message: env.Message, Err: ErrRejected}
	}
	return env, nil
}
