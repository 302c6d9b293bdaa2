// ============================================================================
// fieldsync CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面
//
// Command Structure:
//   fieldsync                      # Root command
//   ├── run                        # 啟動同步子系統（含管理介面）
//   ├── enqueue -f ops.json        # 將檔案中的操作寫入本地佇列
//   ├── status                     # 顯示佇列統計
//   ├── sync                       # 請求執行中的實例立即同步
//   ├── retry <id> | --all         # 人工重試失敗紀錄
//   ├── discard <id> | --all       # 捨棄失敗紀錄
//   ├── journal [--tail N]         # 列出同步日誌
//   └── --config, -c               # 配置檔（可省略，環境變數 FIELDSYNC_* 覆蓋）
//
// 本地 vs 遠端:
//   enqueue / status / journal 直接讀寫資料目錄（實例未執行時使用）。
//   status 與 sync / retry / discard 透過管理介面操作執行中的實例
//   （--admin 或配置中的 admin.addr）。
//
// enqueue 檔案格式:
//   [
//     {
//       "type": "clock_in",
//       "payload": {"station": "line-2"},
//       "owner": {"user_id": "w-1", "factory_id": "f-1"},
//       "priority": "high"
//     }
//   ]
//
// Signal Handling:
//   run 收到 SIGINT / SIGTERM 後優雅關閉：
//   1. 關閉管理介面
//   2. 等待進行中的同步回合
//   3. 持久化佇列並關閉日誌
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/fieldsync/internal/config"
	"github.com/ChuLiYu/fieldsync/internal/queue"
	"github.com/ChuLiYu/fieldsync/internal/storage/wal"
	"github.com/ChuLiYu/fieldsync/internal/store"
	"github.com/ChuLiYu/fieldsync/pkg/types"
	"github.com/spf13/cobra"
)

var (
	configFile string
	adminAddr  string
)

// ShutdownTimeout run 命令收到信號後的關閉期限
const ShutdownTimeout = 30 * time.Second

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "fieldsync: offline-first sync for factory data capture",
		Long: `fieldsync keeps field workers recording while offline and reconciles
the queued work with the factory backend once connectivity returns:
- Durable, priority-ordered operation queue
- Retry with escalating backoff and failure classification
- Connectivity-driven and periodic sync passes
- Prometheus metrics and a local admin API`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "", "admin API address of a running instance (default: admin.addr)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildSyncCommand())
	rootCmd.AddCommand(buildRetryCommand())
	rootCmd.AddCommand(buildDiscardCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// loadConfig 載入配置並設定日誌等級
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	slog.SetLogLoggerLevel(level)
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sync subsystem",
		Long:  "Recover the local queue, start sync loops, connectivity probing and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runSystem(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func runSystem(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := NewApp(cfg, nil)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "fieldsync started (store: %s %s, backend: %s)\n", cfg.Store.Driver, cfg.Store.Dir, cfg.Server.BaseURL)
	if app.Admin != nil {
		fmt.Fprintf(out, "admin API on http://%s\n", app.Admin.Addr())
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	fmt.Fprintln(out, "Received shutdown signal, stopping gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := app.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	fmt.Fprintln(out, "System stopped. Goodbye!")
	return nil
}

// ============================================================================
// enqueue
// ============================================================================

type enqueueInput struct {
	Type     types.OperationType `json:"type"`
	Payload  json.RawMessage     `json:"payload"`
	Owner    types.OwnerContext  `json:"owner"`
	Priority *types.Priority     `json:"priority,omitempty"`
}

func buildEnqueueCommand() *cobra.Command {
	var opFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue operations from a JSON file",
		Long:  "Read operation definitions from a JSON file and append them to the local queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opFile == "" {
				return fmt.Errorf("operation file is required (use --file or -f)")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return enqueueOperations(cfg, opFile, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opFile, "file", "f", "", "JSON file containing operation definitions")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func enqueueOperations(cfg *config.Config, filePath string, out io.Writer) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read operation file: %w", err)
	}

	var inputs []enqueueInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return fmt.Errorf("failed to parse operation file: %w", err)
	}

	s, q, err := openLocalQueue(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	enqueued := 0
	for i, in := range inputs {
		priority := types.DefaultPriority(in.Type)
		if in.Priority != nil {
			priority = *in.Priority
		}
		id, err := q.Enqueue(in.Type, in.Payload, in.Owner, priority)
		if err != nil {
			fmt.Fprintf(out, "  ✗ #%d %s: %v\n", i+1, in.Type, err)
			continue
		}
		fmt.Fprintf(out, "  ✓ %s %s (%s)\n", id, in.Type, priority)
		enqueued++
	}

	if q.Dirty() {
		return fmt.Errorf("queue could not be persisted to %s", cfg.Store.Dir)
	}
	fmt.Fprintf(out, "Successfully enqueued %d/%d operations from %s\n", enqueued, len(inputs), filePath)
	return nil
}

func openLocalQueue(cfg *config.Config) (store.Store, *queue.Queue, error) {
	if err := os.MkdirAll(cfg.Store.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	s, err := store.Open(store.Config{Driver: cfg.Store.Driver, Dir: cfg.Store.Dir, SQLitePath: cfg.Store.SQLitePath})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	q := queue.New(s, queue.Options{
		Policy: queue.BackoffPolicy{Schedule: cfg.Sync.Backoff, MaxRetries: cfg.Sync.MaxRetries},
	})
	if err := q.Load(); err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("failed to load queue: %w", err)
	}
	return s, q, nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		Long:  "Display queue statistics from the local data dir, or from a running instance with --remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cfg, remote, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "query the running instance through the admin API")
	return cmd
}

func showStatus(ctx context.Context, cfg *config.Config, remote bool, out io.Writer) error {
	var (
		stats   types.Stats
		netStat *types.NetworkStatus
		failed  []*types.Operation
	)

	if remote {
		client := newAdminClient(resolveAdminAddr(cfg))
		var err error
		if stats, err = client.Stats(ctx); err != nil {
			return err
		}
		ns, err := client.Network(ctx)
		if err != nil {
			return err
		}
		netStat = &ns
		if failed, err = client.Operations(ctx, types.StatusFailed); err != nil {
			return err
		}
	} else {
		s, q, err := openLocalQueue(cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		stats = q.Stats()
		if last, err := store.LoadTimestamp(s, types.KeyLastSyncTimestamp); err == nil {
			stats.LastSyncAt = last
		}
		for _, op := range q.List() {
			if op.Status == types.StatusFailed {
				failed = append(failed, op)
			}
		}
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           fieldsync Status                                ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", displayPath(configFile))
	fmt.Fprintf(out, "  ├─ Store:           %s (%s)\n", cfg.Store.Driver, cfg.Store.Dir)
	fmt.Fprintf(out, "  ├─ Backend:         %s\n", cfg.Server.BaseURL)
	fmt.Fprintf(out, "  └─ Sync Every:      %s (backoff %v, max retries %d)\n", cfg.Sync.Interval, cfg.Sync.Backoff, cfg.Sync.MaxRetries)
	fmt.Fprintln(out)

	if netStat != nil {
		state := "✅ online"
		if netStat.Offline() {
			state = "⚠️  offline"
		}
		fmt.Fprintln(out, "📡 Network:")
		fmt.Fprintf(out, "  └─ %s (reachable: %s, transport: %s)\n", state, netStat.Reachable, netStat.Transport)
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "📊 Queue:")
	fmt.Fprintf(out, "  ├─ Total:          %d\n", stats.Total)
	fmt.Fprintf(out, "  ├─ ⏳ Pending:      %d\n", stats.Pending)
	fmt.Fprintf(out, "  ├─ 🔄 In-Flight:    %d\n", stats.InFlight)
	fmt.Fprintf(out, "  ├─ ✅ Completed:    %d\n", stats.Completed)
	fmt.Fprintf(out, "  └─ ❌ Failed:       %d (conflicts %d, needs attention %d)\n", stats.Failed, stats.Conflicts, stats.Exhausted)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🕒 Sync:")
	fmt.Fprintf(out, "  ├─ Last Sync:      %s\n", formatTime(stats.LastSyncAt))
	fmt.Fprintf(out, "  └─ Next Retry:     %s\n", formatTime(stats.NextRetryAt))
	fmt.Fprintln(out)

	if len(failed) > 0 {
		fmt.Fprintf(out, "%d records failed to sync:\n", len(failed))
		for _, op := range failed {
			fmt.Fprintf(out, "  - %s %-18s retries=%d %s\n", op.ID, op.Type, op.RetryCount, op.LastError)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// ============================================================================
// sync / retry / discard（透過管理介面）
// ============================================================================

func buildSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Force a sync pass on the running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAdminClient(resolveAdminAddr(cfg))
			stats, offline, err := client.Sync(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if offline {
				fmt.Fprintln(out, "Device is offline, nothing was submitted")
			}
			fmt.Fprintf(out, "pending=%d completed=%d failed=%d\n", stats.Pending, stats.Completed, stats.Failed)
			return nil
		},
	}
}

func buildRetryCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [operation-id]",
		Short: "Retry failed operations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return manageFailed(cmd, args, all, true)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retry every failed operation")
	return cmd
}

func buildDiscardCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "discard [operation-id]",
		Short: "Discard failed operations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return manageFailed(cmd, args, all, false)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "discard every failed operation")
	return cmd
}

func manageFailed(cmd *cobra.Command, args []string, all, retry bool) error {
	if all == (len(args) == 1) {
		return fmt.Errorf("specify exactly one of an operation id or --all")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := newAdminClient(resolveAdminAddr(cfg))
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	switch {
	case all && retry:
		n, err := client.RetryAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Retrying %d failed operations\n", n)
	case all:
		n, err := client.DiscardAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Discarded %d failed operations\n", n)
	case retry:
		if err := client.Retry(ctx, types.OperationID(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(out, "Retrying %s\n", args[0])
	default:
		if err := client.Discard(ctx, types.OperationID(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(out, "Discarded %s\n", args[0])
	}
	return nil
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var (
		file string
		tail int
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print the sync journal",
		Long:  "Print journal events (plain or rotated .gz archives) one per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				file = cfg.Journal.Path
			}
			return printJournal(file, tail, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "journal file (default: journal.path)")
	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "only print the last N events")
	return cmd
}

func printJournal(path string, tail int, out io.Writer) error {
	events, err := wal.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	if tail > 0 && len(events) > tail {
		events = events[len(events)-tail:]
	}
	return wal.Dump(out, events)
}

// ============================================================================
// 輔助
// ============================================================================

func resolveAdminAddr(cfg *config.Config) string {
	if adminAddr != "" {
		return adminAddr
	}
	return cfg.Admin.Addr
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func displayPath(p string) string {
	if p == "" {
		return "(defaults + environment)"
	}
	return p
}
