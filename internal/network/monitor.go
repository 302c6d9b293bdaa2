// Package network 追蹤裝置連線狀態並發出邊緣觸發（edge-triggered）事件
//
// 職責說明：
//  1. Status() 非阻塞地回傳最新快照
//  2. 狀態改變時才通知訂閱者，並同時提供前一個與目前的狀態
//  3. 讓 orchestrator 能精確偵測「斷線 → 連線」的轉換
package network

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fieldsync/pkg/types"
)

var log = slog.Default()

// Change 一次狀態轉換
type Change struct {
	Previous types.NetworkStatus
	Current  types.NetworkStatus
}

// Reconnected reports the offline → online edge that triggers a sync pass.
func (c Change) Reconnected() bool {
	return c.Previous.Offline() && !c.Current.Offline()
}

// Disconnected reports the online → offline edge.
func (c Change) Disconnected() bool {
	return !c.Previous.Offline() && c.Current.Offline()
}

// Monitor 保存目前網路狀態並分派變更事件
type Monitor struct {
	mu        sync.RWMutex
	status    types.NetworkStatus
	callbacks map[int]func(Change)
	nextID    int
}

// NewMonitor 以初始狀態建立監控器
func NewMonitor(initial types.NetworkStatus) *Monitor {
	if initial.Reachable == "" {
		initial.Reachable = types.ReachUnknown
	}
	if initial.Transport == "" {
		initial.Transport = types.TransportNone
	}
	return &Monitor{
		status:    initial,
		callbacks: make(map[int]func(Change)),
	}
}

// Status 回傳最新快照，不會阻塞
func (m *Monitor) Status() types.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsOffline 目前是否不應嘗試提交
func (m *Monitor) IsOffline() bool {
	return m.Status().Offline()
}

// Update 設定新狀態；與目前狀態相同時不通知，回傳是否有變更
//
// 回呼在鎖外依註冊順序同步執行。
func (m *Monitor) Update(status types.NetworkStatus) bool {
	if status.Reachable == "" {
		status.Reachable = types.ReachUnknown
	}
	if status.Transport == "" {
		status.Transport = types.TransportNone
	}

	m.mu.Lock()
	if m.status == status {
		m.mu.Unlock()
		return false
	}
	change := Change{Previous: m.status, Current: status}
	m.status = status
	callbacks := m.snapshotCallbacks()
	m.mu.Unlock()

	log.Info("network status changed",
		"connected", status.Connected,
		"reachable", status.Reachable,
		"transport", status.Transport,
		"reconnected", change.Reconnected())

	for _, cb := range callbacks {
		cb(change)
	}
	return true
}

// SetTransport 只更新傳輸類別（計量/非計量）
func (m *Monitor) SetTransport(transport types.TransportClass) bool {
	status := m.Status()
	status.Transport = transport
	return m.Update(status)
}

// OnChange 註冊回呼，回傳取消註冊函式
func (m *Monitor) OnChange(cb func(Change)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.callbacks[id] = cb
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.callbacks, id)
			m.mu.Unlock()
		})
	}
}

// Subscribe 以 channel 形式接收變更；buffer 滿時丟棄該事件
func (m *Monitor) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	var mu sync.Mutex
	closed := false

	unsubscribe := m.OnChange(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- c:
		default:
			log.Warn("network change dropped, subscriber is slow")
		}
	})

	return ch, func() {
		unsubscribe()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
}

func (m *Monitor) snapshotCallbacks() []func(Change) {
	ids := make([]int, 0, len(m.callbacks))
	for id := range m.callbacks {
		ids = append(ids, id)
	}
	sort.Ints(ids) // 依註冊順序
	out := make([]func(Change), len(ids))
	for i, id := range ids {
		out[i] = m.callbacks[id]
	}
	return out
}

// ============================================================================
// 主動探測
// ============================================================================

// Prober 回報伺服器目前是否可達
type Prober interface {
	Probe(ctx context.Context) types.NetworkStatus
}

// Run 週期性呼叫 prober 並以結果更新狀態，直到 ctx 結束
func (m *Monitor) Run(ctx context.Context, prober Prober, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.probeOnce(ctx, prober)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx, prober)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, prober Prober) {
	status := prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	// 探測不知道傳輸類別時保留目前設定
	if status.Transport == "" || status.Transport == types.TransportNone {
		if status.Connected {
			current := m.Status().Transport
			if current == types.TransportNone || current == "" {
				current = types.TransportUnmetered
			}
			status.Transport = current
		} else {
			status.Transport = types.TransportNone
		}
	}
	m.Update(status)
}
