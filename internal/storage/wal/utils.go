package wal

// ============================================================================
// 日誌工具函式
// 職責：不需要開啟 WAL 實例即可檢視日誌檔
// ============================================================================

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// GetLastEvent 從頭掃描日誌檔，回傳最後一個可解析的事件
//
// 檔案不存在或沒有事件時回傳 ErrEmptyWAL。結尾若有崩潰造成的半行會被略過。
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEmptyWAL
		}
		return nil, err
	}
	defer file.Close()

	var last *Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		e := event
		last = &e
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算可解析的事件數
func CountEvents(path string) (int, error) {
	count := 0
	err := replayFile(path, func(Event) error {
		count++
		return nil
	})
	return count, err
}

// ReadFile 讀取日誌檔的所有事件；.gz 封存檔會自動解壓
func ReadFile(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	events := make([]Event, 0)
	decoder := json.NewDecoder(reader)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return events, &CorruptionError{Line: len(events) + 1, Cause: err}
		}
		if !VerifyChecksum(event) {
			return events, &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		events = append(events, event)
	}
	return events, nil
}

// Dump 以人類可讀格式輸出事件，供 CLI journal 指令使用
func Dump(w io.Writer, events []Event) error {
	for _, e := range events {
		line := fmt.Sprintf("%6d  %s  %-8s  %s", e.Seq, e.Time().Format("2006-01-02T15:04:05.000Z"), e.Type, e.OperationID)
		if e.OpType != "" {
			line += "  " + string(e.OpType)
		}
		if e.RetryCount > 0 {
			line += fmt.Sprintf("  retry=%d", e.RetryCount)
		}
		if e.Message != "" {
			line += "  " + e.Message
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
