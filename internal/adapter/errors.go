package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ChuLiYu/fieldsync/pkg/types"
)

var (
	ErrUnknownOperationType = errors.New("unknown operation type")
	ErrRejected             = errors.New("server rejected operation")
)

// SubmitError 一次提交失敗的分類結果
type SubmitError struct {
	Class      types.FailureClass
	StatusCode int    // 0 表示沒有收到 HTTP 回應
	Message    string // 伺服器訊息或傳輸錯誤描述
	Err        error
}

func (e *SubmitError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s failure (HTTP %d): %s", e.Class, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s failure (HTTP %d)", e.Class, e.StatusCode)
	case e.Message != "":
		return fmt.Sprintf("%s failure: %s", e.Class, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s failure: %v", e.Class, e.Err)
	default:
		return fmt.Sprintf("%s failure", e.Class)
	}
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Classify 將任意提交錯誤正規化為失敗分類
//
// 無法辨識的錯誤視為可重試：寧可重送（伺服器以 Idempotency-Key 去重）也不遺失。
func Classify(err error) types.FailureClass {
	if err == nil {
		return types.FailureNone
	}

	var se *SubmitError
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, ErrUnknownOperationType) || errors.Is(err, ErrRejected) {
		return types.FailurePermanent
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.FailureRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return types.FailureRetryable
	}
	return types.FailureRetryable
}

// ClassifyStatus HTTP 狀態碼對應的失敗分類；2xx 回傳 FailureNone
func ClassifyStatus(code int) types.FailureClass {
	switch {
	case code >= 200 && code < 300:
		return types.FailureNone
	case code == http.StatusConflict:
		return types.FailureConflict
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return types.FailureRetryable
	default:
		return types.FailurePermanent
	}
}
