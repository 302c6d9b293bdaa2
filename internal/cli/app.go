package cli

// ============================================================================
// 職責說明：
// 1. Composition root：依配置建立 Store、Queue、Monitor、Journal、Metrics、
//    Adapter、Orchestrator、Recorder 與管理介面
// 2. Start / Stop 控制整體生命週期（順序與 teardown 相反）
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/fieldsync/internal/adapter"
	"github.com/ChuLiYu/fieldsync/internal/capture"
	"github.com/ChuLiYu/fieldsync/internal/config"
	"github.com/ChuLiYu/fieldsync/internal/metrics"
	"github.com/ChuLiYu/fieldsync/internal/network"
	"github.com/ChuLiYu/fieldsync/internal/orchestrator"
	"github.com/ChuLiYu/fieldsync/internal/queue"
	"github.com/ChuLiYu/fieldsync/internal/server"
	"github.com/ChuLiYu/fieldsync/internal/storage/wal"
	"github.com/ChuLiYu/fieldsync/internal/store"
	"github.com/ChuLiYu/fieldsync/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// App 組裝完成的同步子系統
type App struct {
	Config       *config.Config
	Store        store.Store
	Queue        *queue.Queue
	Monitor      *network.Monitor
	Journal      *wal.WAL
	Registry     *prometheus.Registry
	Orchestrator *orchestrator.Orchestrator
	Recorder     *capture.Recorder
	Admin        *server.Server

	cancelProbe context.CancelFunc
	probeDone   chan struct{}
}

// NewApp 依配置建立所有組件；backend 為 nil 時使用 HTTPBackend
func NewApp(cfg *config.Config, backend adapter.Backend) (*App, error) {
	if err := os.MkdirAll(cfg.Store.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s, err := store.Open(store.Config{
		Driver:     cfg.Store.Driver,
		Dir:        cfg.Store.Dir,
		SQLitePath: cfg.Store.SQLitePath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	app := &App{Config: cfg, Store: s}

	app.Queue = queue.New(s, queue.Options{
		Policy: queue.BackoffPolicy{Schedule: cfg.Sync.Backoff, MaxRetries: cfg.Sync.MaxRetries},
	})

	// 沒有探測 URL 時假設有網路，由提交結果決定成敗
	initial := types.NetworkStatus{Connected: true, Reachable: types.ReachUnknown, Transport: transportFor(cfg)}
	if cfg.Network.ProbeURL != "" {
		initial = types.NetworkStatus{Connected: false, Reachable: types.ReachUnknown, Transport: types.TransportNone}
	}
	app.Monitor = network.NewMonitor(initial)

	if cfg.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
		app.Journal, err = wal.NewWAL(cfg.Journal.Path, wal.Options{
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: cfg.Journal.FlushInterval,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		app.Registry = prometheus.NewRegistry()
		collector = metrics.NewCollector(app.Registry)
	}

	if backend == nil {
		backend = adapter.NewHTTPBackend(cfg.Server.BaseURL, cfg.Server.Timeout, cfg.Server.DeviceID)
	}

	deps := orchestrator.Deps{
		Queue:   app.Queue,
		Adapter: adapter.New(backend),
		Monitor: app.Monitor,
		Store:   s,
		Journal: app.Journal,
		Metrics: collector,
	}
	app.Orchestrator, err = orchestrator.New(deps, orchestrator.Config{
		SyncInterval:       cfg.Sync.Interval,
		SubmitTimeout:      cfg.Sync.SubmitTimeout,
		RetainCompleted:    cfg.Sync.RetainCompleted,
		MaxBatch:           cfg.Sync.MaxBatch,
		RetryWakeups:       cfg.Sync.RetryWakeups,
		JournalRotateAfter: cfg.Journal.RotateAfter,
	})
	if err != nil {
		app.closeResources()
		return nil, err
	}

	app.Recorder = capture.NewRecorder(s, app.Orchestrator, nil)

	if cfg.Admin.Enabled {
		var gatherer prometheus.Gatherer
		if app.Registry != nil {
			gatherer = app.Registry
		}
		app.Admin = server.New(app.Orchestrator, gatherer)
	}
	return app, nil
}

// Start 恢復佇列、啟動背景循環、網路探測與管理介面
func (a *App) Start(ctx context.Context) error {
	if err := a.Orchestrator.Init(ctx); err != nil {
		a.closeResources()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	if a.Config.Network.ProbeURL != "" {
		probeCtx, cancel := context.WithCancel(context.Background())
		a.cancelProbe = cancel
		a.probeDone = make(chan struct{})
		prober := network.NewHTTPProber(a.Config.Network.ProbeURL, a.Config.Network.ProbeTimeout, transportFor(a.Config))
		go func() {
			defer close(a.probeDone)
			a.Monitor.Run(probeCtx, prober, a.Config.Network.ProbeInterval)
		}()
	}

	if a.Admin != nil {
		if err := a.Admin.Start(a.Config.Admin.Addr); err != nil {
			_ = a.Stop(ctx)
			return err
		}
	}
	return nil
}

// Stop 依相反順序關閉
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.Admin != nil {
		if err := a.Admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server: %w", err))
		}
	}
	// 探測停止後才關閉 orchestrator，之後不再有狀態更新
	if a.cancelProbe != nil {
		a.cancelProbe()
		select {
		case <-a.probeDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("network probe: %w", ctx.Err()))
		}
	}
	if err := a.Orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}

// closeResources 建立失敗時釋放已開啟的資源
func (a *App) closeResources() {
	if a.Journal != nil {
		_ = a.Journal.Close()
	}
	_ = a.Store.Close()
}

func transportFor(cfg *config.Config) types.TransportClass {
	if cfg.Network.Metered {
		return types.TransportMetered
	}
	return types.TransportUnmetered
}
