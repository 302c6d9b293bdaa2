package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore 每個集合一個 JSON 檔案
type FileStore struct {
	dir    string
	mu     sync.Mutex // 保護檔案操作
	closed bool
}

// NewFileStore 建立目錄（若不存在）並回傳 FileStore
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Put 原子性寫入集合
//
// 原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (f *FileStore) Put(key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	path := f.pathFor(key)
	tmpPath := path + ".tmp"

	if err := writeAndSync(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp collection: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// 重新命名失敗，清理臨時檔案
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename collection: %w", err)
	}

	return nil
}

// Get 讀取集合；檔案不存在回傳 (nil, nil)
func (f *FileStore) Get(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(f.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read collection: %w", err)
	}
	return data, nil
}

// Close marks the store closed; later calls return ErrStoreClosed.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Dir 取得儲存目錄（用於測試與除錯）
func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) pathFor(key string) string {
	return filepath.Join(f.dir, key+".json")
}

func writeAndSync(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
