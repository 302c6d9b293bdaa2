package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ChuLiYu/fieldsync/pkg/types"
)

// 回應主體讀取上限
const maxResponseBody = 1 << 20

// 錯誤訊息保留的最大位元組數
const maxErrorMessage = 200

// DefaultPaths 每種操作對應的 API 路徑
var DefaultPaths = map[types.OperationType]string{
	types.TypeWorkRecord:       "/api/work-records",
	types.TypeProcessingRecord: "/api/processing-records",
	types.TypeLocation:         "/api/locations",
	types.TypeClockIn:          "/api/attendance/clock-in",
	types.TypeClockOut:         "/api/attendance/clock-out",
	types.TypeMaterialReceipt:  "/api/material-receipts",
	types.TypeEquipmentUsage:   "/api/equipment-usage",
}

// HTTPBackend 以 JSON POST 提交到遠端 API
//
// 每個請求帶 Idempotency-Key（操作 id），重送時伺服器可去重。
type HTTPBackend struct {
	BaseURL  string
	Client   *http.Client
	Paths    map[types.OperationType]string
	DeviceID string
}

// NewHTTPBackend 建立 HTTPBackend；timeout 為單次請求上限
func NewHTTPBackend(baseURL string, timeout time.Duration, deviceID string) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	paths := make(map[types.OperationType]string, len(DefaultPaths))
	for k, v := range DefaultPaths {
		paths[k] = v
	}
	return &HTTPBackend{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Client:   &http.Client{Timeout: timeout},
		Paths:    paths,
		DeviceID: deviceID,
	}
}

func (b *HTTPBackend) SubmitWorkRecord(ctx context.Context, req Request) (*Envelope, error) {
	return b.post(ctx, types.TypeWorkRecord, req)
}

func (b *HTTPBackend) SubmitProcessingRecord(ctx context.Context, req Request) (*Envelope, error) {
	return b.post(ctx, types.TypeProcessingRecord, req)
}

func (b *HTTPBackend) SubmitLocation(ctx context.Context, req Request) (*Envelope, error) {
	return b.post(ctx, types.TypeLocation, req)
}

func (b *HTTPBackend) SubmitClockIn(ctx context.Context, req Request) (*Envelope, error) {
	return b.post(ctx, types.TypeClockIn, req)
}

func (b *HTTPBackend) SubmitClockOut(ctx context.Context, req Request) (*Envelope, error) {
	return b.post(ctx, types.TypeClockOut, req)
}

func (b *HTTPBackend) SubmitMaterialReceipt(ctx context.Context, req Request) (*Envelope, error) {
	return b.post(ctx, types.TypeMaterialReceipt, req)
}

func (b *HTTPBackend) SubmitEquipmentUsage(ctx context.Context, req Request) (*Envelope, error) {
	return b.post(ctx, types.TypeEquipmentUsage, req)
}

func (b *HTTPBackend) post(ctx context.Context, opType types.OperationType, req Request) (*Envelope, error) {
	path, ok := b.Paths[opType]
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint for %q", ErrUnknownOperationType, opType)
	}

	body := req.Payload
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &SubmitError{Class: types.FailurePermanent, Message: "failed to build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", string(req.OperationID))
	httpReq.Header.Set("X-User-ID", req.Owner.UserID)
	httpReq.Header.Set("X-Factory-ID", req.Owner.FactoryID)
	if deviceID := firstNonEmpty(req.Owner.DeviceID, b.DeviceID); deviceID != "" {
		httpReq.Header.Set("X-Device-ID", deviceID)
	}
	if !req.Owner.OriginAt.IsZero() {
		httpReq.Header.Set("X-Origin-At", req.Owner.OriginAt.UTC().Format(time.RFC3339Nano))
	}

	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return nil, &SubmitError{Class: types.FailureRetryable, Message: "transport error", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &SubmitError{Class: types.FailureRetryable, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	var env Envelope
	decoded := len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &env) == nil

	if class := ClassifyStatus(resp.StatusCode); class != types.FailureNone {
		msg := env.Message
		if !decoded || msg == "" {
			msg = truncate(strings.TrimSpace(string(raw)), maxErrorMessage)
		}
		return nil, &SubmitError{Class: class, StatusCode: resp.StatusCode, Message: msg}
	}

	// 2xx 但沒有 envelope 時視為成功
	if !decoded {
		return &Envelope{Success: true}, nil
	}
	return &env, nil
}

// truncate 截斷至最多 n 位元組，不切斷多位元組字元
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
