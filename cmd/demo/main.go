package main

// Demo: 離線擷取資料 → 恢復連線後自動同步
//
//	go run ./cmd/demo            # 使用臨時資料目錄
//	go run ./cmd/demo ./data     # 保留資料目錄，可再用 fieldsync status 檢查
//
// 內建的工廠後端前兩次請求回傳 503，用來展示退避重試。

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/fieldsync/internal/capture"
	"github.com/ChuLiYu/fieldsync/internal/cli"
	"github.com/ChuLiYu/fieldsync/internal/config"
	"github.com/ChuLiYu/fieldsync/pkg/types"
)

func main() {
	dir := ""
	if len(os.Args) > 1 {
		dir = os.Args[1]
	} else {
		tmp, err := os.MkdirTemp("", "fieldsync-demo-*")
		if err != nil {
			log.Fatalf("Failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	var requests int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n <= 2 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true}`)
	}))
	defer backend.Close()

	cfg := config.Default()
	cfg.Store.Dir = dir
	cfg.Journal.Path = filepath.Join(dir, "journal.log")
	cfg.Server.BaseURL = backend.URL
	cfg.Admin.Enabled = false

	app, err := cli.NewApp(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to build app: %v", err)
	}

	// 以離線狀態啟動
	app.Monitor.Update(types.NetworkStatus{Connected: false, Reachable: types.ReachUnreachable, Transport: types.TransportNone})
	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	fmt.Printf("✓ fieldsync started offline (data: %s)\n", dir)

	owner := types.OwnerContext{UserID: "worker-7", FactoryID: "factory-1"}
	now := time.Now().UTC()
	steps := []struct {
		name string
		run  func() (types.OperationID, error)
	}{
		{"clock in", func() (types.OperationID, error) {
			return app.Recorder.ClockIn(owner, capture.ClockEvent{Station: "line-2"})
		}},
		{"location ping", func() (types.OperationID, error) {
			return app.Recorder.RecordLocation(owner, capture.LocationPing{Latitude: 22.99, Longitude: 120.21})
		}},
		{"work record", func() (types.OperationID, error) {
			return app.Recorder.RecordWork(owner, capture.WorkRecord{Task: "sorting", StartedAt: now.Add(-time.Hour), EndedAt: now})
		}},
		{"clock out", func() (types.OperationID, error) {
			return app.Recorder.ClockOut(owner, capture.ClockEvent{Station: "line-2"})
		}},
	}

	opID, batchID, err := app.Recorder.ReceiveMaterial(owner, capture.MaterialReceipt{Material: "cocoa beans", Quantity: 120, Unit: "kg"})
	if err != nil {
		log.Fatalf("receive material: %v", err)
	}
	fmt.Printf("  + material receipt %s (batch %s)\n", opID, batchID)
	for _, s := range steps {
		id, err := s.run()
		if err != nil {
			log.Fatalf("%s: %v", s.name, err)
		}
		fmt.Printf("  + %s %s\n", s.name, id)
	}
	printStats("Captured while offline", app.Orchestrator.Stats())

	fmt.Println("\n📡 Connectivity restored")
	app.Monitor.Update(types.NetworkStatus{Connected: true, Reachable: types.ReachReachable, Transport: types.TransportUnmetered})

	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-deadline:
			break wait
		case <-ticker.C:
			stats := app.Orchestrator.Stats()
			fmt.Printf("📊 Status: Pending=%d, Completed=%d, Failed=%d\n", stats.Pending, stats.Completed, stats.Failed)
			// 只剩終態失敗時結束
			if stats.Pending == 0 && stats.InFlight == 0 && stats.Failed == stats.Exhausted {
				break wait
			}
		}
	}

	printStats("After reconnect", app.Orchestrator.Stats())
	fmt.Printf("  Backend requests: %d (2 answered 503 and were retried)\n", atomic.LoadInt32(&requests))

	ctx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		log.Fatalf("Failed to stop: %v", err)
	}
	fmt.Println("✓ fieldsync stopped")
}

func printStats(title string, stats types.Stats) {
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Pending:   %d\n", stats.Pending)
	fmt.Printf("  Completed: %d\n", stats.Completed)
	fmt.Printf("  Failed:    %d\n", stats.Failed)
	last := "never"
	if stats.LastSyncAt != nil {
		last = stats.LastSyncAt.Local().Format(time.RFC3339)
	}
	fmt.Printf("  Last Sync: %s\n", last)
}
