package wal

// ============================================================================
// 同步日誌（Sync Journal）
// 職責：
// 1. 追加操作狀態轉換事件（append-only JSON lines）
// 2. 每筆事件帶 seq 與 CRC32，重放時驗證
// 3. 日誌旋轉：舊檔壓縮為 .gz 封存
// 4. 佇列狀態以 Store 為準，日誌只作為診斷軌跡
// ============================================================================

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 同步日誌實例
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
	now          func() time.Time

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// Options 日誌設定
type Options struct {
	// SyncOnAppend 每筆事件立即寫入並 fsync
	SyncOnAppend bool
	// BufferSize 緩衝筆數上限，達到即 flush
	BufferSize int
	// FlushInterval 距離上次 flush 超過此時間即 flush
	FlushInterval time.Duration
	Now           func() time.Time
}

/*
NewWAL 建立或開啟日誌

行為：
- 檔案不存在時建立，seq 從 0 開始
- 檔案已存在時讀取最後一個事件的 seq 並繼續
- 以 O_APPEND 開啟，寫入不覆蓋
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err == nil && last != nil {
			seq = last.Seq
		}
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  opts.SyncOnAppend,
		now:           opts.Now,
		buffer:        make([]Event, 0, opts.BufferSize),
		bufferSize:    opts.BufferSize,
		lastFlushTime: opts.Now(),
		flushInterval: opts.FlushInterval,
	}, nil
}

// Append 追加一個事件
//
// 自動遞增 seq 並計算 checksum。事件先進入緩衝區，
// forceFlush、SyncOnAppend、緩衝滿或超過 FlushInterval 時寫入磁碟。
func (w *WAL) Append(event Event, forceFlush bool) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Event{}, ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	event.Timestamp = w.now().UnixMilli()
	event.Checksum = CalculateChecksum(event)

	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.syncOnAppend ||
		len(w.buffer) >= w.bufferSize ||
		w.now().Sub(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return event, err
		}
	}
	return event, nil
}

// Flush 將緩衝中的事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 依序重放所有事件
//
// 先 flush 緩衝區；遇到損毀行或 checksum 錯誤立即停止。
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return replayFile(w.path, handler)
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Rotate 封存目前日誌並開始新檔
//
// 舊檔壓縮為 <path>.<timestamp>.gz，新檔 seq 從 0 開始。回傳封存檔路徑。
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	archivePath := w.path + "." + w.now().Format("20060102_150405.000") + ".gz"
	if err := compressFile(w.path, archivePath); err != nil {
		// 壓縮失敗時保留原檔，重新以追加模式開啟
		if reopenErr := w.reopenLocked(os.O_APPEND); reopenErr != nil {
			return "", fmt.Errorf("failed to reopen journal after %v: %w", err, reopenErr)
		}
		return "", fmt.Errorf("failed to archive journal: %w", err)
	}

	if err := w.reopenLocked(os.O_TRUNC); err != nil {
		return "", err
	}
	w.seq = 0
	return archivePath, nil
}

func (w *WAL) reopenLocked(mode int) error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|mode, 0o644)
	if err != nil {
		w.closed = true
		return err
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	w.lastFlushTime = w.now()
	return nil
}

// Close 寫入剩餘事件並關閉；關閉後不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 日誌檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// flushLocked 假設呼叫者已持有 w.mu
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for i, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			// 已寫入的事件移出緩衝區，下次 flush 只重寫未寫入的部分
			w.buffer = append(w.buffer[:0], w.buffer[i:]...)
			return fmt.Errorf("failed to write journal event seq=%d: %w", event.Seq, err)
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = w.now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// compressFile gzip 壓縮 srcPath 到 dstPath
func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return err
	}
	return dst.Close()
}
