// ============================================================================
// fieldsync 管理介面 - 本機 HTTP API
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 將 Orchestrator 的公開 API 以 JSON over HTTP 暴露給同一台裝置上的
//       畫面或維運工具（只綁定 localhost）。
//
// 路由:
//   GET    /healthz                    存活檢查 + 是否離線
//   GET    /stats                      同步統計
//   GET    /network                    網路狀態
//   GET    /operations?status=failed   列出紀錄（可依狀態過濾）
//   POST   /operations                 記錄一筆操作
//   GET    /operations/{id}            單筆紀錄
//   POST   /operations/{id}/retry      人工重試
//   DELETE /operations/{id}            捨棄失敗紀錄
//   POST   /operations/failed/retry    重試全部失敗紀錄
//   DELETE /operations/failed          捨棄全部失敗紀錄
//   POST   /sync                       強制同步（等待回合完成）
//   GET    /metrics                    Prometheus
//
// 錯誤回應統一為 {"error": "..."}。
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/fieldsync/internal/metrics"
	"github.com/ChuLiYu/fieldsync/internal/orchestrator"
	"github.com/ChuLiYu/fieldsync/internal/queue"
	"github.com/ChuLiYu/fieldsync/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var log = slog.Default()

// Service 管理介面依賴的同步 API（*orchestrator.Orchestrator 實作此介面）
type Service interface {
	Enqueue(opType types.OperationType, payload json.RawMessage, owner types.OwnerContext, priority types.Priority) (types.OperationID, error)
	Stats() types.Stats
	NetworkStatus() types.NetworkStatus
	IsOffline() bool
	Operations() []*types.Operation
	Operation(id types.OperationID) (*types.Operation, error)
	ForceSync(ctx context.Context) (types.Stats, error)
	Retry(id types.OperationID) error
	RetryAllFailed() int
	Discard(id types.OperationID) error
	DiscardAllFailed() int
}

// Server 管理介面
type Server struct {
	svc        Service
	gatherer   prometheus.Gatherer
	router     chi.Router
	httpServer *http.Server
	listener   net.Listener
}

// New 建立 Server；gatherer 為 nil 時不掛載 /metrics
func New(svc Service, gatherer prometheus.Gatherer) *Server {
	s := &Server{svc: svc, gatherer: gatherer}
	s.router = s.routes()
	return s
}

// Handler 回傳路由（測試用 httptest 直接掛載）
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/network", s.handleNetwork)
	r.Post("/sync", s.handleSync)

	r.Route("/operations", func(r chi.Router) {
		r.Get("/", s.handleListOperations)
		r.Post("/", s.handleEnqueue)
		r.Post("/failed/retry", s.handleRetryAll)
		r.Delete("/failed", s.handleDiscardAll)
		r.Get("/{id}", s.handleGetOperation)
		r.Post("/{id}/retry", s.handleRetry)
		r.Delete("/{id}", s.handleDiscard)
	})

	if s.gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.gatherer))
	}
	return r
}

// Start 監聽 addr 並在背景服務；回傳時已可接受連線
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("Admin server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Admin server error", "error", err)
		}
	}()
	return nil
}

// Addr 實際監聽位址（addr 使用 :0 時有用）
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown 優雅關閉
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ============================================================================
// Handlers
// ============================================================================

type enqueueRequest struct {
	Type     types.OperationType `json:"type"`
	Payload  json.RawMessage     `json:"payload"`
	Owner    types.OwnerContext  `json:"owner"`
	Priority *types.Priority     `json:"priority,omitempty"`
}

type enqueueResponse struct {
	ID types.OperationID `json:"id"`
}

type countResponse struct {
	Count int `json:"count"`
}

type syncResponse struct {
	Stats   types.Stats `json:"stats"`
	Offline bool        `json:"offline"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"offline": s.svc.IsOffline(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.NetworkStatus())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.ForceSync(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, syncResponse{Stats: stats})
	case errors.Is(err, orchestrator.ErrOffline):
		writeJSON(w, http.StatusServiceUnavailable, syncResponse{Stats: stats, Offline: true})
	default:
		writeError(w, err)
	}
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	status := types.OperationStatus(r.URL.Query().Get("status"))
	ops := s.svc.Operations()
	if status != "" {
		filtered := make([]*types.Operation, 0, len(ops))
		for _, op := range ops {
			if op.Status == status {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	priority := types.DefaultPriority(req.Type)
	if req.Priority != nil {
		priority = *req.Priority
	}

	id, err := s.svc.Enqueue(req.Type, req.Payload, req.Owner, priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: id})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.svc.Operation(operationID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Retry(operationID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Discard(operationID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, countResponse{Count: s.svc.RetryAllFailed()})
}

func (s *Server) handleDiscardAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, countResponse{Count: s.svc.DiscardAllFailed()})
}

// ============================================================================
// 輔助
// ============================================================================

func operationID(r *http.Request) types.OperationID {
	return types.OperationID(chi.URLParam(r, "id"))
}

// statusFor 錯誤對應的 HTTP 狀態碼
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrOperationNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrNotFailed), errors.Is(err, queue.ErrNotDue):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrOffline),
		errors.Is(err, orchestrator.ErrOrchestratorStopped),
		errors.Is(err, orchestrator.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error("Admin request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to encode response", "error", err)
	}
}
