package store

// ============================================================================
// 職責說明：
// 1. 以「整個集合替換」語意持久化具名集合（pending_operations、batches…）
// 2. 寫入必須原子：崩潰後不會留下半寫入的集合
// 3. 讀取不存在的集合回傳空集合，不視為錯誤
// 4. I/O 錯誤回傳給呼叫端，由呼叫端決定重試（記憶體狀態為準）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

var (
	ErrCorruptedCollection = errors.New("store: collection is corrupted")
	ErrStoreClosed         = errors.New("store: already closed")
	ErrInvalidKey          = errors.New("store: invalid collection key")
	ErrUnknownDriver       = errors.New("store: unknown driver")
)

// Store 是最底層的持久化介面：以 key 為單位整體讀寫位元組
//
// Get 在 key 不存在時回傳 (nil, nil)。
type Store interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
	Close() error
}

// Config selects and configures a Store driver.
type Config struct {
	Driver     string // "file" 或 "sqlite"
	Dir        string // file driver 的目錄
	SQLitePath string // sqlite driver 的資料庫檔案
}

// Open 依設定建立 Store
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileStore(cfg.Dir)
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.Dir, "fieldsync.db")
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// SaveCollection 序列化並整體替換集合
func SaveCollection[T any](s Store, key string, records []T) error {
	if records == nil {
		records = []T{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal collection %s: %w", key, err)
	}
	if err := s.Put(key, data); err != nil {
		return fmt.Errorf("failed to save collection %s: %w", key, err)
	}
	return nil
}

// LoadCollection 讀取集合；不存在時回傳空切片
func LoadCollection[T any](s Store, key string) ([]T, error) {
	data, err := s.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %s: %w", key, err)
	}
	records := []T{}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptedCollection, key, err)
	}
	return records, nil
}

// SaveTimestamp persists a single scalar timestamp (e.g. last_sync_timestamp).
func SaveTimestamp(s Store, key string, t time.Time) error {
	data, err := json.Marshal(t.UTC())
	if err != nil {
		return fmt.Errorf("failed to marshal timestamp %s: %w", key, err)
	}
	return s.Put(key, data)
}

// LoadTimestamp returns nil when the scalar has never been written.
func LoadTimestamp(s Store, key string) (*time.Time, error) {
	data, err := s.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to load timestamp %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptedCollection, key, err)
	}
	return &t, nil
}

func validKey(key string) error {
	if key == "" || key != filepath.Base(key) || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
