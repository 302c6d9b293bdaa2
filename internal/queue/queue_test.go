package queue

// ============================================================================
// Queue 測試檔案
// 職責：驗證排序、退避、重試耗盡、清除、持久化與並發 enqueue
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/fieldsync/internal/store"
	"github.com/ChuLiYu/fieldsync/pkg/types"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 可手動推進的時鐘
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 6, 7, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// failingStore 可切換成寫入失敗的 Store
type failingStore struct {
	store.Store
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *failingStore) Put(key string, data []byte) error {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Store.Put(key, data)
}

func newTestQueue(t *testing.T) (*Queue, *fakeClock, store.Store) {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	clock := newFakeClock()
	q := New(s, Options{Now: clock.Now, PersistInterval: time.Millisecond})
	return q, clock, s
}

var owner = types.OwnerContext{UserID: "u-1", FactoryID: "f-1"}

func enqueue(t *testing.T, q *Queue, opType types.OperationType, priority types.Priority) types.OperationID {
	t.Helper()
	id, err := q.Enqueue(opType, json.RawMessage(`{"n":1}`), owner, priority)
	require.NoError(t, err)
	return id
}

// failN 讓紀錄經歷 n 次 in-flight → 可重試失敗，每次都等退避結束
func failN(t *testing.T, q *Queue, clock *fakeClock, id types.OperationID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, q.MarkInFlight(id))
		_, err := q.MarkFailed(id, errors.New("timeout"), types.FailureRetryable)
		require.NoError(t, err)
		if i < n-1 {
			clock.Advance(time.Minute)
		}
	}
}

// ============================================================================
// Enqueue
// ============================================================================

func TestEnqueue(t *testing.T) {
	q, clock, _ := newTestQueue(t)

	id := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	op, err := q.Get(id)
	require.NoError(t, err)

	assert.Equal(t, types.StatusPending, op.Status)
	assert.Equal(t, types.TypeWorkRecord, op.Type)
	assert.Equal(t, 0, op.RetryCount)
	assert.Equal(t, clock.Now(), op.CreatedAt)
	assert.Equal(t, clock.Now(), op.Owner.OriginAt)
	assert.Equal(t, uint64(1), op.Seq)
	assert.JSONEq(t, `{"n":1}`, string(op.Payload))
}

func TestEnqueueValidation(t *testing.T) {
	q, _, _ := newTestQueue(t)

	_, err := q.Enqueue("", nil, owner, types.PriorityHigh)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = q.Enqueue(types.TypeLocation, json.RawMessage(`{`), owner, types.PriorityLow)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = q.Enqueue(types.TypeLocation, nil, owner, types.Priority(7))
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestEnqueueNoDeduplication(t *testing.T) {
	q, _, _ := newTestQueue(t)

	a := enqueue(t, q, types.TypeLocation, types.PriorityLow)
	b := enqueue(t, q, types.TypeLocation, types.PriorityLow)

	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, q.Len())
}

// ============================================================================
// 排序
// ============================================================================

// TestSelectDueClockOutBeforeLocations clock_out（高）先於兩筆 location（低），後者依建立順序
func TestSelectDueClockOutBeforeLocations(t *testing.T) {
	q, clock, _ := newTestQueue(t)

	loc1 := enqueue(t, q, types.TypeLocation, types.PriorityLow)
	clock.Advance(time.Second)
	loc2 := enqueue(t, q, types.TypeLocation, types.PriorityLow)
	clock.Advance(time.Second)
	out := enqueue(t, q, types.TypeClockOut, types.PriorityHigh)

	due := q.SelectDue(clock.Now(), SelectOptions{})
	require.Len(t, due, 3)
	assert.Equal(t, out, due[0].ID)
	assert.Equal(t, loc1, due[1].ID)
	assert.Equal(t, loc2, due[2].ID)
}

// TestSelectDueOrderingProperty 隨機資料下排序一律為優先級、建立時間、序號
func TestSelectDueOrderingProperty(t *testing.T) {
	faker := gofakeit.New(42)
	q, clock, _ := newTestQueue(t)
	start := clock.Now()

	for i := 0; i < 200; i++ {
		// 讓部分紀錄共用同一個建立時間，測試序號 tie-break
		clock.Advance(time.Duration(faker.IntRange(0, 2)) * time.Second)
		priority := types.Priority(faker.IntRange(0, 2))
		opType := types.KnownTypes[faker.IntRange(0, len(types.KnownTypes)-1)]
		_, err := q.Enqueue(opType, json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)), owner, priority)
		require.NoError(t, err)
	}

	due := q.SelectDue(clock.Now(), SelectOptions{})
	require.Len(t, due, 200)
	for i := 1; i < len(due); i++ {
		prev, cur := due[i-1], due[i]
		if prev.Priority != cur.Priority {
			assert.Less(t, prev.Priority, cur.Priority)
			continue
		}
		assert.False(t, cur.CreatedAt.Before(prev.CreatedAt))
		if cur.CreatedAt.Equal(prev.CreatedAt) {
			assert.Less(t, prev.Seq, cur.Seq)
		}
		assert.False(t, cur.CreatedAt.Before(start))
	}
}

func TestSelectDueLimit(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	for i := 0; i < 5; i++ {
		enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	}
	due := q.SelectDue(clock.Now(), SelectOptions{Limit: 2})
	assert.Len(t, due, 2)
}

func TestSelectDueSkipsInFlightAndCompleted(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	a := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	b := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	c := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)

	require.NoError(t, q.MarkInFlight(a))
	require.NoError(t, q.MarkInFlight(b))
	require.NoError(t, q.MarkCompleted(b))

	due := q.SelectDue(clock.Now(), SelectOptions{})
	require.Len(t, due, 1)
	assert.Equal(t, c, due[0].ID)
}

// ============================================================================
// 狀態轉換
// ============================================================================

func TestMarkTransitionsRequireState(t *testing.T) {
	q, _, _ := newTestQueue(t)
	id := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)

	assert.ErrorIs(t, q.MarkCompleted(id), ErrNotInFlight)
	_, err := q.MarkFailed(id, errors.New("x"), types.FailureRetryable)
	assert.ErrorIs(t, err, ErrNotInFlight)

	require.NoError(t, q.MarkInFlight(id))
	require.NoError(t, q.MarkCompleted(id))

	// completed 為終態
	assert.ErrorIs(t, q.MarkInFlight(id), ErrNotDue)

	assert.ErrorIs(t, q.MarkInFlight("missing"), ErrOperationNotFound)
	assert.ErrorIs(t, q.MarkCompleted("missing"), ErrOperationNotFound)
}

func TestMarkCompletedClearsFailure(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	id := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	failN(t, q, clock, id, 1)
	clock.Advance(time.Minute)

	require.NoError(t, q.MarkInFlight(id))
	require.NoError(t, q.MarkCompleted(id))

	op, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, op.Status)
	assert.Equal(t, 1, op.RetryCount)
	assert.Nil(t, op.NextAttemptAt)
	require.NotNil(t, op.CompletedAt)
	assert.Equal(t, clock.Now(), *op.CompletedAt)
}

// ============================================================================
// 退避與重試耗盡
// ============================================================================

func TestBackoffDelayMonotonic(t *testing.T) {
	p := DefaultBackoffPolicy()

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 5*time.Second, p.Delay(2))
	assert.Equal(t, 15*time.Second, p.Delay(3))
	assert.Equal(t, 15*time.Second, p.Delay(10))

	for n := 1; n < 20; n++ {
		assert.LessOrEqual(t, p.Delay(n), p.Delay(n+1))
	}

	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestMarkFailedSchedulesFromLastAttempt(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	id := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)

	require.NoError(t, q.MarkInFlight(id))
	op, err := q.MarkFailed(id, errors.New("503 service unavailable"), types.FailureRetryable)
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, op.Status)
	assert.Equal(t, 1, op.RetryCount)
	assert.Equal(t, "503 service unavailable", op.LastError)
	require.NotNil(t, op.LastAttemptAt)
	require.NotNil(t, op.NextAttemptAt)
	assert.Equal(t, op.LastAttemptAt.Add(time.Second), *op.NextAttemptAt)

	assert.Empty(t, q.SelectDue(clock.Now(), SelectOptions{}))
	assert.Empty(t, q.SelectDue(clock.Now().Add(999*time.Millisecond), SelectOptions{}))
	assert.Len(t, q.SelectDue(clock.Now().Add(time.Second), SelectOptions{}), 1)
}

// TestThreeTimeoutsExcludedThenReincluded 連續三次逾時後立即被排除，15 秒退避後再次可選
func TestThreeTimeoutsExcludedThenReincluded(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	id := enqueue(t, q, types.TypeClockIn, types.PriorityHigh)

	failN(t, q, clock, id, 3)

	op, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, op.Status)
	assert.Equal(t, 3, op.RetryCount)

	assert.Empty(t, q.SelectDue(clock.Now(), SelectOptions{}))
	assert.Empty(t, q.SelectDue(clock.Now().Add(14*time.Second), SelectOptions{}))

	due := q.SelectDue(clock.Now().Add(15*time.Second), SelectOptions{})
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)
}

func TestRetryExhaustion(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	id := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)

	failN(t, q, clock, id, 4)

	op, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 4, op.RetryCount)
	assert.Nil(t, op.NextAttemptAt)
	assert.True(t, q.IsTerminal(id))

	// 終態失敗不會再被自動選出
	assert.Empty(t, q.SelectDue(clock.Now().Add(24*time.Hour), SelectOptions{}))

	stats := q.Stats()
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Exhausted)
	assert.Nil(t, stats.NextRetryAt)

	// 強制同步可再次選出
	due := q.SelectDue(clock.Now(), SelectOptions{IncludeExhausted: true})
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)
}

func TestIncludeExhaustedKeepsPermanentAndBackoffRules(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	exhausted := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	perm := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	conflict := enqueue(t, q, types.TypeEquipmentUsage, types.PriorityMedium)
	backingOff := enqueue(t, q, types.TypeLocation, types.PriorityLow)

	failN(t, q, clock, exhausted, 4)

	require.NoError(t, q.MarkInFlight(perm))
	_, err := q.MarkFailed(perm, errors.New("422"), types.FailurePermanent)
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(conflict))
	_, err = q.MarkFailed(conflict, errors.New("409"), types.FailureConflict)
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(backingOff))
	_, err = q.MarkFailed(backingOff, errors.New("timeout"), types.FailureRetryable)
	require.NoError(t, err)

	due := q.SelectDue(clock.Now(), SelectOptions{IncludeExhausted: true})
	require.Len(t, due, 1)
	assert.Equal(t, exhausted, due[0].ID)

	assert.Empty(t, q.SelectDue(clock.Now(), SelectOptions{}))
}

func TestPermanentAndConflictAreTerminal(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	perm := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	conflict := enqueue(t, q, types.TypeEquipmentUsage, types.PriorityMedium)

	require.NoError(t, q.MarkInFlight(perm))
	_, err := q.MarkFailed(perm, errors.New("422 invalid quantity"), types.FailurePermanent)
	require.NoError(t, err)

	require.NoError(t, q.MarkInFlight(conflict))
	_, err = q.MarkFailed(conflict, errors.New("409 modified"), types.FailureConflict)
	require.NoError(t, err)

	assert.Empty(t, q.SelectDue(clock.Now().Add(time.Hour), SelectOptions{}))

	stats := q.Stats()
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 2, stats.Exhausted)
	assert.Equal(t, 1, stats.Conflicts)
}

func TestRetryCountNeverDecreases(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	id := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)

	last := 0
	for i := 0; i < 6; i++ {
		require.NoError(t, q.MarkInFlight(id))
		op, err := q.MarkFailed(id, errors.New("boom"), types.FailureRetryable)
		require.NoError(t, err)
		assert.Greater(t, op.RetryCount, last)
		last = op.RetryCount
		clock.Advance(time.Minute)
		if q.IsTerminal(id) {
			require.NoError(t, q.RetryFailed(id))
		}
	}
}

// ============================================================================
// 人工處理
// ============================================================================

func TestRetryFailed(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	id := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)

	require.NoError(t, q.MarkInFlight(id))
	_, err := q.MarkFailed(id, errors.New("422"), types.FailurePermanent)
	require.NoError(t, err)

	require.NoError(t, q.RetryFailed(id))
	op, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, op.Status)
	assert.Equal(t, 1, op.RetryCount)
	assert.Len(t, q.SelectDue(clock.Now(), SelectOptions{}), 1)

	assert.ErrorIs(t, q.RetryFailed(id), ErrNotFailed)
	assert.ErrorIs(t, q.RetryFailed("missing"), ErrOperationNotFound)
}

func TestRetryAllFailed(t *testing.T) {
	q, _, _ := newTestQueue(t)
	for i := 0; i < 3; i++ {
		id := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
		require.NoError(t, q.MarkInFlight(id))
		_, err := q.MarkFailed(id, errors.New("422"), types.FailurePermanent)
		require.NoError(t, err)
	}
	enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)

	assert.Equal(t, 3, q.RetryAllFailed())
	assert.Equal(t, 4, q.Stats().Pending)
}

func TestRemove(t *testing.T) {
	q, _, _ := newTestQueue(t)
	pending := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	failed := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	require.NoError(t, q.MarkInFlight(failed))
	_, err := q.MarkFailed(failed, errors.New("422"), types.FailurePermanent)
	require.NoError(t, err)

	assert.ErrorIs(t, q.Remove(pending), ErrNotFailed)
	require.NoError(t, q.Remove(failed))
	_, err = q.Get(failed)
	assert.ErrorIs(t, err, ErrOperationNotFound)
	assert.ErrorIs(t, q.Remove(failed), ErrOperationNotFound)
}

func TestRemoveAllFailed(t *testing.T) {
	q, _, _ := newTestQueue(t)
	keep := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	for i := 0; i < 2; i++ {
		id := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
		require.NoError(t, q.MarkInFlight(id))
		_, err := q.MarkFailed(id, errors.New("boom"), types.FailureRetryable)
		require.NoError(t, err)
	}

	removed := q.RemoveAllFailed()
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, q.Len())
	_, err := q.Get(keep)
	assert.NoError(t, err)
}

// ============================================================================
// 清除已完成紀錄
// ============================================================================

// TestPurgeCompletedKeepsNewestFifty 60 筆已完成紀錄清除後剩下最新的 50 筆
func TestPurgeCompletedKeepsNewestFifty(t *testing.T) {
	q, clock, _ := newTestQueue(t)

	ids := make([]types.OperationID, 0, 60)
	for i := 0; i < 60; i++ {
		id := enqueue(t, q, types.TypeLocation, types.PriorityLow)
		require.NoError(t, q.MarkInFlight(id))
		require.NoError(t, q.MarkCompleted(id))
		ids = append(ids, id)
		clock.Advance(time.Second)
	}
	pending := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)

	purged := q.PurgeCompleted(DefaultRetainCompleted)
	assert.Len(t, purged, 10)
	assert.ElementsMatch(t, ids[:10], purged)

	stats := q.Stats()
	assert.Equal(t, 50, stats.Completed)
	assert.Equal(t, 1, stats.Pending)
	for _, id := range ids[10:] {
		_, err := q.Get(id)
		assert.NoError(t, err)
	}
	_, err := q.Get(pending)
	assert.NoError(t, err)
}

func TestPurgeCompletedBelowRetainIsNoop(t *testing.T) {
	q, _, _ := newTestQueue(t)
	id := enqueue(t, q, types.TypeLocation, types.PriorityLow)
	require.NoError(t, q.MarkInFlight(id))
	require.NoError(t, q.MarkCompleted(id))

	assert.Empty(t, q.PurgeCompleted(50))
	assert.Equal(t, 1, q.Len())
}

// ============================================================================
// 持久化
// ============================================================================

func TestPersistRoundTrip(t *testing.T) {
	q, clock, s := newTestQueue(t)

	a := enqueue(t, q, types.TypeClockIn, types.PriorityHigh)
	b := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	require.NoError(t, q.MarkInFlight(b))
	_, err := q.MarkFailed(b, errors.New("timeout"), types.FailureRetryable)
	require.NoError(t, err)
	require.NoError(t, q.Persist())

	restored := New(s, Options{Now: clock.Now})
	require.NoError(t, restored.Load())

	assert.Equal(t, q.List(), restored.List())

	opB, err := restored.Get(b)
	require.NoError(t, err)
	assert.Equal(t, types.PriorityMedium, opB.Priority)
	assert.Equal(t, 1, opB.RetryCount)
	assert.Equal(t, "timeout", opB.LastError)

	// 序號在載入後延續
	c := enqueue(t, restored, types.TypeLocation, types.PriorityLow)
	opA, _ := restored.Get(a)
	opC, _ := restored.Get(c)
	assert.Greater(t, opC.Seq, opA.Seq)
	assert.Greater(t, opC.Seq, opB.Seq)
}

func TestLoadEmptyStore(t *testing.T) {
	q, _, _ := newTestQueue(t)
	require.NoError(t, q.Load())
	assert.Equal(t, 0, q.Len())
}

func TestRecoverInFlight(t *testing.T) {
	q, clock, s := newTestQueue(t)
	id := enqueue(t, q, types.TypeWorkRecord, types.PriorityMedium)
	require.NoError(t, q.MarkInFlight(id))
	require.NoError(t, q.Persist())

	restored := New(s, Options{Now: clock.Now})
	require.NoError(t, restored.Load())
	assert.Equal(t, 1, restored.RecoverInFlight())

	op, err := restored.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, op.Status)
}

func TestPersistFailureKeepsMemoryAuthoritative(t *testing.T) {
	base, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	fs := &failingStore{Store: base, fail: true}
	q := New(fs, Options{PersistAttempts: 2, PersistInterval: time.Millisecond})

	id, err := q.Enqueue(types.TypeWorkRecord, json.RawMessage(`{}`), owner, types.PriorityMedium)
	require.NoError(t, err)
	assert.True(t, q.Dirty())
	assert.Equal(t, 2, fs.calls)

	_, err = q.Get(id)
	assert.NoError(t, err)

	fs.mu.Lock()
	fs.fail = false
	fs.mu.Unlock()
	require.NoError(t, q.Persist())
	assert.False(t, q.Dirty())

	restored := New(base, Options{})
	require.NoError(t, restored.Load())
	_, err = restored.Get(id)
	assert.NoError(t, err)
}

// ============================================================================
// 並發
// ============================================================================

// TestConcurrentEnqueue 並發 enqueue 不遺失也不重複
func TestConcurrentEnqueue(t *testing.T) {
	q, clock, s := newTestQueue(t)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[types.OperationID]bool)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := q.Enqueue(types.TypeLocation, json.RawMessage(`{}`), owner, types.PriorityLow)
				assert.NoError(t, err)
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}

	// 同時進行選取與狀態轉換
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			for _, op := range q.SelectDue(clock.Now(), SelectOptions{Limit: 5}) {
				if q.MarkInFlight(op.ID) == nil {
					_ = q.MarkCompleted(op.ID)
				}
			}
		}
	}()
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, workers*perWorker, q.Len())

	require.NoError(t, q.Persist())
	restored := New(s, Options{})
	require.NoError(t, restored.Load())
	assert.Equal(t, workers*perWorker, restored.Len())
}
