package queue

import "time"

// DefaultSchedule 預設退避時程：1s、5s、15s，超過後停在最後一格
var DefaultSchedule = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// DefaultMaxRetries 可重試失敗最多排程重試的次數
const DefaultMaxRetries = 3

// BackoffPolicy decides when a retryable failure becomes eligible again and
// when it stops being retried automatically.
type BackoffPolicy struct {
	Schedule   []time.Duration
	MaxRetries int
}

// DefaultBackoffPolicy returns the 1s/5s/15s schedule with 3 retries.
func DefaultBackoffPolicy() BackoffPolicy {
	schedule := make([]time.Duration, len(DefaultSchedule))
	copy(schedule, DefaultSchedule)
	return BackoffPolicy{Schedule: schedule, MaxRetries: DefaultMaxRetries}
}

// Delay 回傳第 retryCount 次失敗後的等待時間（retryCount 從 1 開始）
//
// 時程單調不減：retryCount 越大，delay 不會變小。
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	if len(p.Schedule) == 0 || retryCount <= 0 {
		return 0
	}
	idx := retryCount - 1
	if idx >= len(p.Schedule) {
		idx = len(p.Schedule) - 1
	}
	return p.Schedule[idx]
}

// Exhausted 判斷累計 retryCount 次失敗後是否已用盡自動重試
//
// 第 MaxRetries 次失敗仍會排程一次退避；再失敗一次才成為終態。
func (p BackoffPolicy) Exhausted(retryCount int) bool {
	return retryCount > p.MaxRetries
}
