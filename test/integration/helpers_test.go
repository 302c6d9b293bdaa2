package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/fieldsync/internal/cli"
	"github.com/ChuLiYu/fieldsync/internal/config"
	"github.com/ChuLiYu/fieldsync/pkg/types"
	"github.com/stretchr/testify/require"
)

// factoryBackend 模擬工廠後端：每 failEvery 個請求回傳一次 503
type factoryBackend struct {
	*httptest.Server

	mu        sync.Mutex
	requests  int
	failEvery int
	acked     map[string]int // Idempotency-Key → 成功次數
	paths     []string       // 成功請求的路徑，依送達順序
}

func newFactoryBackend(t testing.TB, failEvery int) *factoryBackend {
	b := &factoryBackend{failEvery: failEvery, acked: make(map[string]int)}
	b.Server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.Close)
	return b
}

func (b *factoryBackend) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.requests++
	fail := b.failEvery > 0 && b.requests%b.failEvery == 0
	if !fail {
		b.acked[r.Header.Get("Idempotency-Key")]++
		b.paths = append(b.paths, r.URL.Path)
	}
	b.mu.Unlock()

	if fail {
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func (b *factoryBackend) ackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked)
}

func (b *factoryBackend) deliveredPaths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}

func (b *factoryBackend) duplicates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dup := 0
	for _, n := range b.acked {
		if n > 1 {
			dup++
		}
	}
	return dup
}

// testConfig 縮短退避時間，關閉管理介面
func testConfig(dir, backendURL string) *config.Config {
	cfg := config.Default()
	cfg.Store.Dir = dir
	cfg.Journal.Path = filepath.Join(dir, "journal.log")
	cfg.Server.BaseURL = backendURL
	cfg.Server.Timeout = 2 * time.Second
	cfg.Sync.Interval = time.Hour
	cfg.Sync.Backoff = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	cfg.Admin.Enabled = false
	return cfg
}

var (
	offline = types.NetworkStatus{Connected: false, Reachable: types.ReachUnreachable, Transport: types.TransportNone}
	online  = types.NetworkStatus{Connected: true, Reachable: types.ReachReachable, Transport: types.TransportUnmetered}
)

// startApp 建立並啟動；status 在 Start 之前套用
func startApp(t testing.TB, cfg *config.Config, status types.NetworkStatus) *cli.App {
	app, err := cli.NewApp(cfg, nil)
	require.NoError(t, err)
	app.Monitor.Update(status)
	require.NoError(t, app.Start(context.Background()))
	return app
}

func stopApp(t testing.TB, app *cli.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(ctx))
}
