package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/liamcoop/sentinel/actions"
	"github.com/liamcoop/sentinel/confirm"
	"github.com/liamcoop/sentinel/executor"
	"github.com/liamcoop/sentinel/internal/config"
	"github.com/liamcoop/sentinel/internal/logger"
	"github.com/liamcoop/sentinel/pipeline"
	"github.com/liamcoop/sentinel/rules"
	"github.com/liamcoop/sentinel/safety"
)

type Server struct {
	db          *sql.DB
	cfg         *config.Loader
	engine      *rules.Engine
	gate        *safety.Gate
	actionStore actions.ActionStore
	exec        *executor.Executor
	confirmer   *confirm.Manager
	pipeline    *pipeline.Pipeline
	scheduler   *pipeline.Scheduler
	router      *chi.Mux
}

// NewServer assembles the full pipeline. With no database URL configured
// everything runs on in-memory stores.
func NewServer(cfg *config.Loader) (*Server, error) {
	var (
		db          *sql.DB
		ruleStore   rules.RuleStore
		actionStore actions.ActionStore
		err         error
	)

	if url := cfg.Get().Database.URL; url != "" {
		db, err = sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		ruleStore = rules.NewPostgresRuleStore(db)
		actionStore = actions.NewPostgresActionStore(db)
	} else {
		logger.Info("no database configured, using in-memory stores")
		ruleStore = rules.NewInMemoryRuleStore()
		actionStore = actions.NewMemoryActionStore(cfg.Get().History.MemoryLimit)
	}

	engine, err := rules.NewEngine(ruleStore)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	gate, err := safety.NewGate(cfg.SafetyPolicy())
	if err != nil {
		return nil, fmt.Errorf("failed to create safety gate: %w", err)
	}

	execCfg := executor.Config{
		Workers:        cfg.Get().Executor.Workers,
		QueueSize:      cfg.Get().Executor.QueueSize,
		Timeout:        cfg.Get().Executor.Timeout,
		RetryBaseDelay: cfg.Get().Executor.RetryBaseDelay,
		RetryMaxDelay:  cfg.Get().Executor.RetryMaxDelay,
	}
	registry := executor.NewDefaultRegistry(db, nil)
	exec := executor.New(execCfg, registry, actionStore, func(ruleID string, executed bool) {
		if executed {
			if err := ruleStore.RecordExecution(ruleID); err != nil {
				logger.Error("failed to record execution", "rule_id", ruleID, "error", err)
			}
			return
		}
		if err := ruleStore.RecordError(ruleID); err != nil {
			logger.Error("failed to record error", "rule_id", ruleID, "error", err)
		}
	})

	confirmer := confirm.NewManager(actionStore, exec, confirm.Config{
		Timeout:     cfg.Get().Confirmation.Timeout,
		AutoConfirm: cfg.Get().Confirmation.AutoConfirm,
	})

	pipe := pipeline.New(engine, gate, actionStore, exec, confirmer)
	sched := pipeline.NewScheduler(pipe, ruleStore)

	s := &Server{
		db:          db,
		cfg:         cfg,
		engine:      engine,
		gate:        gate,
		actionStore: actionStore,
		exec:        exec,
		confirmer:   confirmer,
		pipeline:    pipe,
		scheduler:   sched,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Post("/", s.handleCreateRule)
		r.Get("/", s.handleListRules)
		r.Post("/test", s.handleTestRule)

		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Get("/stats", s.handleRuleStats)
		})
	})

	r.Post("/api/v1/ingest", s.handleIngest)
	r.Post("/api/v1/query", s.handleQuery)

	r.Route("/api/v1/actions", func(r chi.Router) {
		r.Get("/history", s.handleActionHistory)
		r.Get("/{actionId}", s.handleGetAction)
		r.Post("/confirm/{actionId}", s.handleConfirmAction)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start launches the executor workers and the rule scheduler.
func (s *Server) Start() error {
	s.exec.Start()
	return s.scheduler.Start()
}

// Stop shuts the pipeline down back to front.
func (s *Server) Stop(ctx context.Context) {
	s.scheduler.Stop()
	s.confirmer.Shutdown()
	if err := s.exec.Shutdown(ctx); err != nil {
		logger.Warn("executor shutdown incomplete", "error", err)
	}
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "healthy",
		"pending_confirmation": s.confirmer.Pending(),
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := req.toRule()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	if err := s.engine.AddRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "failed to add rule", err)
		return
	}
	s.refreshSchedules()

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	all, err := s.engine.Store().List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": all})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.Store().Get(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondNotFoundOr500(w, "rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := req.toRule()
	rule.ID = chi.URLParam(r, "ruleId")

	if err := s.engine.UpdateRule(rule); err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found", err)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to update rule", err)
		return
	}
	s.refreshSchedules()

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteRule(chi.URLParam(r, "ruleId")); err != nil {
		respondNotFoundOr500(w, "rule", err)
		return
	}
	s.refreshSchedules()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuleStats(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.Store().Get(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondNotFoundOr500(w, "rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule.Stats)
}

// handleTestRule dry-runs a rule definition against a data point: nothing
// is saved, no action is created, no stats move.
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var req TestRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := req.Rule.toRule()
	if rule.ID == "" {
		rule.ID = "test"
	}
	if err := rules.ValidateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	dp := req.DataPoint
	if dp.Timestamp.IsZero() {
		dp.Timestamp = time.Now()
	}

	start := time.Now()
	result, err := s.engine.TestRule(rule, dp)
	elapsed := time.Since(start)
	if err != nil {
		respondError(w, http.StatusBadRequest, "evaluation failed", err)
		return
	}

	resp := TestRuleResponse{
		Matched:         result.Matched,
		Detail:          result.Detail,
		ConditionChecks: result.Checks,
		EvaluationTime:  elapsed.String(),
	}
	if result.Matched {
		resp.ProposedAction = &rule.Action
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Source == "" {
		respondError(w, http.StatusBadRequest, "source is required", nil)
		return
	}

	dp := rules.DataPoint{
		Timestamp: req.Timestamp,
		Source:    req.Source,
		Fields:    req.Fields,
	}
	res, err := s.pipeline.Ingest(dp, req.Signal)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ingestion failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Query == "" {
		respondError(w, http.StatusBadRequest, "query is required", nil)
		return
	}

	res, err := s.pipeline.ProcessQuery(req.Query, req.Context, req.Signal)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleActionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}

	history, err := s.actionStore.History(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list actions", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"actions": history})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.actionStore.Get(chi.URLParam(r, "actionId"))
	if err != nil {
		respondNotFoundOr500(w, "action", err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleConfirmAction(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Confirm == nil {
		respondError(w, http.StatusBadRequest, "confirm is required", nil)
		return
	}

	res, err := s.confirmer.Resolve(chi.URLParam(r, "actionId"), *req.Confirm)
	if err != nil {
		if errors.Is(err, actions.ErrNotFound) {
			respondError(w, http.StatusNotFound, "action not found", err)
			return
		}
		respondError(w, http.StatusConflict, "cannot resolve action", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// refreshSchedules reconciles cron entries after rule CRUD. Failures are
// logged, not surfaced: the write already succeeded.
func (s *Server) refreshSchedules() {
	if err := s.scheduler.Refresh(); err != nil {
		logger.Error("failed to refresh schedules", "error", err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func respondNotFoundOr500(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, rules.ErrNotFound) || errors.Is(err, actions.ErrNotFound) {
		respondError(w, http.StatusNotFound, kind+" not found", err)
		return
	}
	respondError(w, http.StatusInternalServerError, "failed to get "+kind, err)
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}

	// Hot-reload the safety policy on config file edits.
	cfg.Watch(func(config.Config) {
		if err := server.gate.SetPolicy(cfg.SafetyPolicy()); err != nil {
			logger.Error("failed to apply reloaded safety policy", "error", err)
		}
	})

	if err := server.Start(); err != nil {
		logger.Fatal("failed to start pipeline", "error", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Get().Server.Addr,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Get().Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	server.Stop(ctx)
	_ = logger.Shutdown(ctx)

	logger.Info("server stopped")
}
