// ============================================================================
// fieldsync 同步協調器 - 離線同步的核心
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 決定何時同步、同步哪些操作、以及如何處理每筆結果
//
// 架構設計:
//   由 composition root 明確建立（New → Init → Shutdown），不使用全域實例。
//   協調以下組件：
//   - Queue: 待同步佇列（狀態機 + 持久化）
//   - Adapter: 依操作類型提交到遠端
//   - Monitor: 網路狀態與「斷線 → 連線」事件
//   - WAL: 同步日誌（診斷軌跡，可選）
//   - Collector: Prometheus 指標（可選）
//
// 核心循環 (3 個 Goroutine):
//   1. Worker Loop  - 唯一的消費者，一次執行一個同步回合（sync pass）
//   2. Timer Loop   - 週期觸發（預設 5 分鐘）與退避到期喚醒
//   3. Network Loop - 收到重新連線事件時觸發
//   三個觸發來源都投遞到 worker，由 worker 依序執行。
//
// 單飛保護 (Single-flight):
//   - 非強制請求：回合執行中或已有一個排隊時直接丟棄
//   - 強制請求（ForceSync）：等待目前回合結束後執行，並回傳結果；
//     強制回合也會再次提交重試次數已用盡的可重試紀錄
//
// 一個同步回合:
//   1. 離線 → 不做事
//   2. SelectDue() 依優先級取出到期操作
//   3. 依序：MarkInFlight → Submit → MarkCompleted / MarkFailed
//   4. 單筆失敗不影響其他筆
//   5. 清除過舊的已完成紀錄、持久化、更新統計
//
// 崩潰恢復:
//   Init 時將殘留的 in_flight 放回 pending；重送依賴 Idempotency-Key。
//
// ============================================================================

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fieldsync/internal/adapter"
	"github.com/ChuLiYu/fieldsync/internal/metrics"
	"github.com/ChuLiYu/fieldsync/internal/network"
	"github.com/ChuLiYu/fieldsync/internal/queue"
	"github.com/ChuLiYu/fieldsync/internal/storage/wal"
	"github.com/ChuLiYu/fieldsync/internal/store"
	"github.com/ChuLiYu/fieldsync/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
	ErrNotStarted          = errors.New("orchestrator not started")
	ErrAlreadyStarted      = errors.New("orchestrator already started")
	ErrOffline             = errors.New("network offline")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Trigger 同步觸發來源
type Trigger string

const (
	TriggerTimer   Trigger = "timer"
	TriggerNetwork Trigger = "network"
	TriggerManual  Trigger = "manual"
	TriggerRetry   Trigger = "retry"
	TriggerStartup Trigger = "startup"
)

// Submitter 提交一筆操作到遠端（*adapter.Adapter 實作此介面）
type Submitter interface {
	Submit(ctx context.Context, op *types.Operation) (*adapter.Envelope, error)
}

// Config Orchestrator 配置
type Config struct {
	SyncInterval    time.Duration // 週期同步間隔
	SubmitTimeout   time.Duration // 單次提交逾時
	RetainCompleted int           // 保留的已完成紀錄數
	MaxBatch        int           // 每回合最多提交筆數，0 表示不限
	RetryWakeups    bool          // 退避到期時自動喚醒
	// JournalRotateAfter 日誌事件序號超過此值時於回合結束後旋轉，0 表示不旋轉
	JournalRotateAfter uint64
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		SyncInterval:       5 * time.Minute,
		SubmitTimeout:      30 * time.Second,
		RetainCompleted:    queue.DefaultRetainCompleted,
		RetryWakeups:       true,
		JournalRotateAfter: 10000,
	}
}

// Deps 外部依賴；Journal、Metrics、Store 可為 nil
type Deps struct {
	Queue   *queue.Queue
	Adapter Submitter
	Monitor *network.Monitor
	Store   store.Store // last_sync_timestamp
	Journal *wal.WAL
	Metrics *metrics.Collector
	Now     func() time.Time
}

// PassResult 一個同步回合的結果
type PassResult struct {
	Trigger   Trigger
	Attempted int
	Succeeded int
	Failed    int
	Purged    int
	Skipped   bool // 離線而未執行
}

type forcedRequest struct {
	trigger Trigger
	reply   chan forcedReply
}

type forcedReply struct {
	result PassResult
	err    error
}

// Orchestrator 同步協調器
type Orchestrator struct {
	queue   *queue.Queue
	adapter Submitter
	monitor *network.Monitor
	store   store.Store
	journal *wal.WAL
	metrics *metrics.Collector
	now     func() time.Time
	config  Config

	mu         sync.Mutex
	running    bool // 有回合正在執行
	queued     bool // 已有一個非強制請求等待 worker
	started    bool
	stopped    bool
	lastSyncAt *time.Time

	wake        chan Trigger       // 非強制請求（容量 1）
	forced      chan forcedRequest // 強制請求
	rescheduled chan struct{}      // 回合結束後通知 timer loop 重新計算喚醒時間
	stopCh      chan struct{}
	loopWg      sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// ============================================================================
// 建立與生命週期
// ============================================================================

// New 建立 Orchestrator；呼叫端接著呼叫 Init
func New(deps Deps, config Config) (*Orchestrator, error) {
	if deps.Queue == nil || deps.Adapter == nil || deps.Monitor == nil {
		return nil, fmt.Errorf("orchestrator: queue, adapter and monitor are required")
	}
	defaults := DefaultConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = defaults.SubmitTimeout
	}
	if config.RetainCompleted <= 0 {
		config.RetainCompleted = defaults.RetainCompleted
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		queue:       deps.Queue,
		adapter:     deps.Adapter,
		monitor:     deps.Monitor,
		store:       deps.Store,
		journal:     deps.Journal,
		metrics:     deps.Metrics,
		now:         deps.Now,
		config:      config,
		wake:        make(chan Trigger, 1),
		forced:      make(chan forcedRequest),
		rescheduled: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		baseCtx:     baseCtx,
		cancelBase:  cancel,
	}, nil
}

// Init 載入佇列、恢復崩潰殘留、啟動背景循環
//
// 流程：
//  1. 恢復階段：Queue.Load → RecoverInFlight → 載入 last_sync_timestamp
//  2. 啟動階段：worker、timer、network 三個循環
//  3. 連線中且有待同步資料時觸發一次 startup 回合
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	if o.stopped {
		o.mu.Unlock()
		return ErrOrchestratorStopped
	}
	o.mu.Unlock()

	start := o.now()
	log.Info("Starting recovery...")

	if err := o.queue.Load(); err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	if recovered := o.queue.RecoverInFlight(); recovered > 0 {
		log.Warn("Requeued operations left in flight by a previous run", "count", recovered)
		if err := o.queue.Persist(); err != nil {
			log.Error("Failed to persist recovered queue", "error", err)
		}
	}

	if o.store != nil {
		last, err := store.LoadTimestamp(o.store, types.KeyLastSyncTimestamp)
		if err != nil {
			log.Error("Failed to load last sync timestamp", "error", err)
		}
		o.mu.Lock()
		o.lastSyncAt = last
		o.mu.Unlock()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	stats := o.Stats()
	log.Info("Recovery completed",
		"duration", o.now().Sub(start),
		"operations", stats.Total,
		"pending", stats.Pending,
		"failed", stats.Failed)

	o.mu.Lock()
	o.started = true
	o.mu.Unlock()

	changes, unsubscribe := o.monitor.Subscribe(8)

	o.loopWg.Add(3)
	go o.workerLoop()
	go o.timerLoop()
	go o.networkLoop(changes, unsubscribe)

	o.updateGauges()
	if o.metrics != nil {
		o.metrics.SetNetwork(o.monitor.Status())
	}

	if !o.monitor.IsOffline() && o.queue.HasWork() {
		o.RequestSync(TriggerStartup)
	}

	log.Info("Orchestrator started", "interval", o.config.SyncInterval)
	return nil
}

// Shutdown 停止所有循環、等待進行中的回合結束、最後持久化並關閉日誌
//
// ctx 到期時取消進行中的提交並回傳 ctx.Err()。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	wasStarted := o.started
	o.mu.Unlock()

	log.Info("Stopping orchestrator...")
	close(o.stopCh)

	var waitErr error
	if wasStarted {
		done := make(chan struct{})
		go func() {
			o.loopWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			log.Warn("Shutdown deadline reached, cancelling in-flight submission")
			o.cancelBase()
			<-done
			waitErr = ctx.Err()
		}
	}
	o.cancelBase()

	// 未 Init 時佇列尚未載入，不可覆寫已持久化的資料
	if wasStarted {
		if err := o.queue.Persist(); err != nil {
			log.Error("Failed to persist queue on shutdown", "error", err)
			if waitErr == nil {
				waitErr = err
			}
		}
	}

	if o.journal != nil {
		if err := o.journal.Close(); err != nil {
			log.Error("Failed to close journal", "error", err)
		}
	}

	log.Info("Orchestrator stopped")
	return waitErr
}

// ============================================================================
// 公開 API
// ============================================================================

// Enqueue 記錄一筆操作；不論連線與否都走同一條路徑，不會等待網路
func (o *Orchestrator) Enqueue(opType types.OperationType, payload json.RawMessage, owner types.OwnerContext, priority types.Priority) (types.OperationID, error) {
	id, err := o.queue.Enqueue(opType, payload, owner, priority)
	if err != nil {
		return "", err
	}

	o.record(wal.Event{Type: wal.EventEnqueue, OperationID: id, OpType: opType})
	if o.metrics != nil {
		o.metrics.RecordEnqueue(opType)
	}
	o.updateGauges()
	o.reschedule()

	log.Debug("Operation enqueued", "operationID", id, "type", opType, "priority", priority)
	return id, nil
}

// Stats 目前統計（每次重新計算）
func (o *Orchestrator) Stats() types.Stats {
	stats := o.queue.Stats()
	o.mu.Lock()
	if o.lastSyncAt != nil {
		t := *o.lastSyncAt
		stats.LastSyncAt = &t
	}
	o.mu.Unlock()
	return stats
}

// NetworkStatus 目前網路狀態
func (o *Orchestrator) NetworkStatus() types.NetworkStatus {
	return o.monitor.Status()
}

// IsOffline 目前是否離線
func (o *Orchestrator) IsOffline() bool {
	return o.monitor.IsOffline()
}

// Operations 所有紀錄（依 enqueue 順序）
func (o *Orchestrator) Operations() []*types.Operation {
	return o.queue.List()
}

// Operation 單筆紀錄
func (o *Orchestrator) Operation(id types.OperationID) (*types.Operation, error) {
	return o.queue.Get(id)
}

// RequestSync 非強制觸發；回合執行中或已有請求排隊時回傳 false（請求被丟棄）
func (o *Orchestrator) RequestSync(trigger Trigger) bool {
	o.mu.Lock()
	if !o.started || o.stopped || o.running || o.queued {
		o.mu.Unlock()
		if o.metrics != nil {
			o.metrics.RecordDroppedTrigger(string(trigger))
		}
		log.Debug("Sync request dropped", "trigger", trigger)
		return false
	}
	o.queued = true
	o.mu.Unlock()

	// queued 保證 wake 有空位
	o.wake <- trigger
	return true
}

// ForceSync 強制同步：等待進行中的回合結束後執行一個回合，回傳結束後的統計
//
// 離線時回傳 ErrOffline 與目前統計。
func (o *Orchestrator) ForceSync(ctx context.Context) (types.Stats, error) {
	o.mu.Lock()
	switch {
	case o.stopped:
		o.mu.Unlock()
		return o.Stats(), ErrOrchestratorStopped
	case !o.started:
		o.mu.Unlock()
		return o.Stats(), ErrNotStarted
	}
	o.mu.Unlock()

	req := forcedRequest{trigger: TriggerManual, reply: make(chan forcedReply, 1)}
	select {
	case o.forced <- req:
	case <-o.stopCh:
		return o.Stats(), ErrOrchestratorStopped
	case <-ctx.Done():
		return o.Stats(), ctx.Err()
	}

	select {
	case reply := <-req.reply:
		return o.Stats(), reply.err
	case <-ctx.Done():
		return o.Stats(), ctx.Err()
	}
}

// Retry 人工重試一筆失敗紀錄，並請求一次同步
func (o *Orchestrator) Retry(id types.OperationID) error {
	if err := o.queue.RetryFailed(id); err != nil {
		return err
	}
	o.record(wal.Event{Type: wal.EventRetry, OperationID: id, Message: "manual retry"})
	o.updateGauges()
	o.RequestSync(TriggerManual)
	return nil
}

// RetryAllFailed 人工重試全部失敗紀錄
func (o *Orchestrator) RetryAllFailed() int {
	count := o.queue.RetryAllFailed()
	if count > 0 {
		o.record(wal.Event{Type: wal.EventRetry, Message: fmt.Sprintf("manual retry of %d operations", count)})
		o.updateGauges()
		o.RequestSync(TriggerManual)
	}
	return count
}

// Discard 使用者捨棄一筆失敗紀錄
func (o *Orchestrator) Discard(id types.OperationID) error {
	op, err := o.queue.Get(id)
	if err != nil {
		return err
	}
	if err := o.queue.Remove(id); err != nil {
		return err
	}
	o.record(wal.Event{Type: wal.EventDiscard, OperationID: id, OpType: op.Type, RetryCount: op.RetryCount, Message: op.LastError})
	o.updateGauges()
	return nil
}

// DiscardAllFailed 捨棄所有失敗紀錄，回傳筆數
func (o *Orchestrator) DiscardAllFailed() int {
	removed := o.queue.RemoveAllFailed()
	for _, id := range removed {
		o.record(wal.Event{Type: wal.EventDiscard, OperationID: id})
	}
	o.updateGauges()
	return len(removed)
}

// ============================================================================
// 核心循環
// ============================================================================

// workerLoop 唯一的回合執行者
func (o *Orchestrator) workerLoop() {
	defer o.loopWg.Done()

	for {
		select {
		case <-o.stopCh:
			log.Info("Worker loop stopped")
			return

		case trigger := <-o.wake:
			o.mu.Lock()
			o.queued = false
			o.running = true
			o.mu.Unlock()

			o.runPass(trigger, false)
			o.finishPass()

		case req := <-o.forced:
			o.mu.Lock()
			o.running = true
			o.mu.Unlock()

			result := o.runPass(req.trigger, true)
			o.finishPass()
			var err error
			if result.Skipped {
				err = ErrOffline
			}
			req.reply <- forcedReply{result: result, err: err}
		}
	}
}

func (o *Orchestrator) finishPass() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	o.reschedule()
}

// timerLoop 週期觸發，以及最早一筆退避到期時喚醒
func (o *Orchestrator) timerLoop() {
	defer o.loopWg.Done()

	ticker := time.NewTicker(o.config.SyncInterval)
	defer ticker.Stop()

	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		o.armRetry(retry)

		select {
		case <-o.stopCh:
			log.Info("Timer loop stopped")
			return

		case <-ticker.C:
			if o.queue.HasWork() && !o.monitor.IsOffline() {
				o.RequestSync(TriggerTimer)
			}

		case <-retry.C:
			if !o.monitor.IsOffline() {
				o.RequestSync(TriggerRetry)
			}

		case <-o.rescheduled:
		}
	}
}

// armRetry 依最早的 nextAttemptAt 設定喚醒計時器
func (o *Orchestrator) armRetry(timer *time.Timer) {
	timer.Stop()
	if !o.config.RetryWakeups {
		return
	}
	next := o.queue.Stats().NextRetryAt
	if next == nil {
		return
	}
	wait := next.Sub(o.now())
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	if wait > o.config.SyncInterval {
		return
	}
	timer.Reset(wait)
}

func (o *Orchestrator) reschedule() {
	select {
	case o.rescheduled <- struct{}{}:
	default:
	}
}

// networkLoop 連線恢復時觸發同步
func (o *Orchestrator) networkLoop(changes <-chan network.Change, unsubscribe func()) {
	defer o.loopWg.Done()
	defer unsubscribe()

	for {
		select {
		case <-o.stopCh:
			log.Info("Network loop stopped")
			return

		case change, ok := <-changes:
			if !ok {
				return
			}
			if o.metrics != nil {
				o.metrics.SetNetwork(change.Current)
			}
			if change.Reconnected() {
				log.Info("Connectivity restored, requesting sync")
				o.RequestSync(TriggerNetwork)
			}
		}
	}
}

// ============================================================================
// 同步回合
// ============================================================================

// runPass 執行一個回合；呼叫端保證同時只有一個
//
// forced 時一併選出重試次數已用盡的紀錄，週期、網路與退避喚醒觸發則不會。
func (o *Orchestrator) runPass(trigger Trigger, forced bool) PassResult {
	start := o.now()
	result := PassResult{Trigger: trigger}

	if o.monitor.IsOffline() {
		log.Debug("Skipping sync pass while offline", "trigger", trigger)
		result.Skipped = true
		return result
	}

	due := o.queue.SelectDue(o.now(), queue.SelectOptions{Limit: o.config.MaxBatch, IncludeExhausted: forced})
	log.Debug("Sync pass started", "trigger", trigger, "forced", forced, "due", len(due))

	for _, op := range due {
		if o.stopping() {
			log.Info("Stopping sync pass early for shutdown", "remaining", len(due)-result.Attempted)
			break
		}
		if o.monitor.IsOffline() {
			log.Info("Connectivity lost during sync pass", "remaining", len(due)-result.Attempted)
			break
		}

		result.Attempted++
		if o.submitOne(op) {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	if purged := o.queue.PurgeCompleted(o.config.RetainCompleted); len(purged) > 0 {
		result.Purged = len(purged)
		for _, id := range purged {
			o.record(wal.Event{Type: wal.EventPurge, OperationID: id})
		}
		if o.metrics != nil {
			o.metrics.RecordPurged(len(purged))
		}
	}

	if result.Succeeded > 0 || len(due) == 0 {
		o.markSynced()
	}

	if err := o.queue.Persist(); err != nil {
		log.Error("Failed to persist queue after sync pass", "error", err)
	}

	if o.journal != nil {
		if err := o.journal.Flush(); err != nil {
			log.Error("Failed to flush journal", "error", err)
		}
		o.maybeRotateJournal()
	}

	duration := o.now().Sub(start)
	if o.metrics != nil {
		o.metrics.RecordPass(string(trigger), duration)
	}
	o.updateGauges()

	log.Info("Sync pass finished",
		"trigger", trigger,
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"purged", result.Purged,
		"duration", duration)
	return result
}

// submitOne 提交單筆並寫回狀態；回傳是否成功
func (o *Orchestrator) submitOne(op *types.Operation) bool {
	if err := o.queue.MarkInFlight(op.ID); err != nil {
		// 回合期間被使用者捨棄
		log.Warn("Skipping operation", "operationID", op.ID, "error", err)
		return false
	}
	o.record(wal.Event{Type: wal.EventDispatch, OperationID: op.ID, OpType: op.Type, RetryCount: op.RetryCount})

	ctx, cancel := context.WithTimeout(o.baseCtx, o.config.SubmitTimeout)
	start := time.Now()
	_, err := o.adapter.Submit(ctx, op)
	latency := time.Since(start)
	cancel()

	class := adapter.Classify(err)
	if o.metrics != nil {
		o.metrics.RecordSubmission(op.Type, class, latency)
	}

	if err == nil {
		if markErr := o.queue.MarkCompleted(op.ID); markErr != nil {
			log.Error("Failed to mark completed", "operationID", op.ID, "error", markErr)
		}
		o.record(wal.Event{Type: wal.EventAck, OperationID: op.ID, OpType: op.Type, RetryCount: op.RetryCount})
		o.persistOrLog()
		log.Debug("Operation synced", "operationID", op.ID, "type", op.Type, "latency", latency)
		return true
	}

	updated, markErr := o.queue.MarkFailed(op.ID, err, class)
	if markErr != nil {
		log.Error("Failed to mark failed", "operationID", op.ID, "error", markErr)
		return false
	}

	eventType := wal.EventRetry
	switch {
	case class == types.FailureConflict:
		eventType = wal.EventConflict
		log.Warn("Operation conflicts with server state",
			"operationID", op.ID, "type", op.Type, "error", err)
	case o.queue.IsTerminal(op.ID):
		eventType = wal.EventFailed
		log.Warn("Operation failed permanently",
			"operationID", op.ID, "type", op.Type, "class", class,
			"retryCount", updated.RetryCount, "error", err)
	default:
		log.Info("Operation will be retried",
			"operationID", op.ID, "type", op.Type,
			"retryCount", updated.RetryCount, "nextAttemptAt", updated.NextAttemptAt, "error", err)
	}
	o.record(wal.Event{
		Type:        eventType,
		OperationID: op.ID,
		OpType:      op.Type,
		RetryCount:  updated.RetryCount,
		Message:     updated.LastError,
	})
	o.persistOrLog()
	return false
}

func (o *Orchestrator) markSynced() {
	now := o.now().UTC()
	o.mu.Lock()
	o.lastSyncAt = &now
	o.mu.Unlock()

	if o.store != nil {
		if err := store.SaveTimestamp(o.store, types.KeyLastSyncTimestamp, now); err != nil {
			log.Error("Failed to persist last sync timestamp", "error", err)
		}
	}
}

func (o *Orchestrator) maybeRotateJournal() {
	if o.config.JournalRotateAfter == 0 || o.journal.GetLastSeq() < o.config.JournalRotateAfter {
		return
	}
	archive, err := o.journal.Rotate()
	if err != nil {
		log.Error("Failed to rotate journal", "error", err)
		return
	}
	log.Info("Journal rotated", "archive", archive)
}

// ============================================================================
// 內部輔助
// ============================================================================

func (o *Orchestrator) stopping() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) persistOrLog() {
	if err := o.queue.Persist(); err != nil {
		log.Error("Failed to persist queue, keeping in-memory state", "error", err)
	}
}

func (o *Orchestrator) record(event wal.Event) {
	if o.journal == nil {
		return
	}
	if _, err := o.journal.Append(event, false); err != nil {
		log.Error("Failed to append journal event", "type", event.Type, "operationID", event.OperationID, "error", err)
	}
}

func (o *Orchestrator) updateGauges() {
	if o.metrics == nil {
		return
	}
	o.metrics.UpdateQueueStats(o.Stats())
}
