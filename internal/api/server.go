package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/cors"

	xerrors "AgentEscrow-Chain/internal/errors"
	"AgentEscrow-Chain/internal/escrow"
	"AgentEscrow-Chain/internal/hire"
	"AgentEscrow-Chain/internal/observability/metrics"
	"AgentEscrow-Chain/internal/signer"
	"AgentEscrow-Chain/pkg/logger"
)

// Hirer runs and recovers hires.
type Hirer interface {
	Hire(ctx context.Context, s *signer.Session, req hire.Request) (*hire.Outcome, error)
	Recover(ctx context.Context, s *signer.Session, jobID uint64) (*escrow.Job, error)
	Journal() hire.Journal
}

// Jobs reads escrow jobs.
type Jobs interface {
	GetJob(ctx context.Context, jobID uint64) (*escrow.Job, error)
	GetJobsByHirer(ctx context.Context, hirer common.Address) []uint64
}

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins sets the CORS allow list. Empty means any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// Server 负责暴露雇佣与作业查询的 REST 接口。
type Server struct {
	addr     string
	hirer    Hirer
	jobs     Jobs
	sessions Sessions
	origins  []string
	log      *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, h Hirer, jobs Jobs, sessions Sessions, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		hirer:    h,
		jobs:     jobs,
		sessions: sessions,
		log:      logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回带 CORS 与指标中间件的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/hires", s.handleCreateHire)
	mux.HandleFunc("GET /api/v1/hires/unresolved", s.handleUnresolved)
	mux.HandleFunc("POST /api/v1/hires/{id}/resolve", s.handleResolveHire)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.Handle("GET /metrics", metrics.Handler())

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", AccountHeader},
	})
	return c.Handler(withMetrics(mux))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type hireResponse struct {
	Outcome *hire.Outcome `json:"outcome"`
	Error   *errorBody    `json:"error,omitempty"`
}

func (s *Server) handleCreateHire(w http.ResponseWriter, r *http.Request) {
	var req hire.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	out, err := s.hirer.Hire(r.Context(), s.sessions.Session(r), req)
	if err != nil {
		writeJSON(w, statusOf(err), hireResponse{Outcome: out, Error: bodyOf(err)})
		return
	}
	writeJSON(w, http.StatusOK, hireResponse{Outcome: out})
}

func (s *Server) handleUnresolved(w http.ResponseWriter, r *http.Request) {
	entries, err := s.hirer.Journal().Unresolved(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleResolveHire 在人工核对交易后关闭一条待处理记录。
func (s *Server) handleResolveHire(w http.ResponseWriter, r *http.Request) {
	hireID := r.PathValue("id")
	if err := s.hirer.Journal().ResolveHire(r.Context(), hireID); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("雇佣记录已人工处理", "hire_id", hireID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("hirer")
	if !common.IsHexAddress(raw) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "hirer 必须是合法地址"))
		return
	}
	ctx := r.Context()
	ids := s.jobs.GetJobsByHirer(ctx, common.HexToAddress(raw))
	jobs := make([]*escrow.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.jobs.GetJob(ctx, id)
		if err != nil {
			s.log.Warn("读取作业详情失败", "job_id", id, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_ids": ids, "jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.hirer.Recover(r.Context(), s.sessions.Session(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func jobID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 必须是非负整数"))
		return 0, false
	}
	return id, true
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
