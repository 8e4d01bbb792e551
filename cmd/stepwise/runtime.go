package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rendis/stepwise/internal/blueprint"
	"github.com/rendis/stepwise/internal/diagram"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/internal/steps"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/internal/telemetry"
	"github.com/rendis/stepwise/internal/validation"
	"github.com/rendis/stepwise/pkg/schema"
)

// shutdownGrace bounds how long in-flight runs get when a runtime closes.
const shutdownGrace = 30 * time.Second

// services are process-wide: they outlive blueprint reloads.
type services struct {
	cfg      Config
	logger   *slog.Logger
	store    store.Store
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	observer *telemetry.Observer
}

func openServices(ctx context.Context, cfg Config, logger *slog.Logger) (*services, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tc := cfg.telemetryConfig()
	metrics := telemetry.NewMetrics(tc.Metrics)
	tracer, err := telemetry.NewTracer(ctx, tc.Tracing, tc.ServiceName, tc.ServiceVersion)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &services{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		metrics:  metrics,
		tracer:   tracer,
		observer: telemetry.NewObserver(metrics, tracer),
	}, nil
}

func (s *services) close(ctx context.Context) {
	if err := s.tracer.Shutdown(ctx); err != nil {
		s.logger.Warn("tracer shutdown failed", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", "error", err)
	}
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.Driver == driverMemory {
		return store.NewMemoryStore(), nil
	}
	st, err := store.Open(cfg.Driver, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.DBPath, err)
	}
	return st, nil
}

// runtime is one generation of registry, engine and scheduler, built from
// the configured blueprint.
type runtime struct {
	*services
	registry  *steps.Registry
	validator *validation.WorkflowValidator
	engine    *engine.Engine
	hub       *streaming.MemoryHub
	scheduler *scheduler.Manager
	deploy    *blueprint.Deployment
}

func newRuntime(ctx context.Context, svc *services) (*runtime, error) {
	cfg := svc.cfg
	params, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	reg := steps.NewRegistry()
	if err := steps.RegisterBuiltins(reg, steps.BuiltinConfig{
		Shell:       steps.ShellConfig{Shell: cfg.Shell},
		Parameters:  params,
		WaitTimeout: cfg.attributeWaitTimeout(),
	}); err != nil {
		return nil, err
	}

	eng, err := engine.New(svc.store, reg, engine.Config{
		PoolSize:             cfg.PoolSize,
		AttributeWaitTimeout: cfg.attributeWaitTimeout(),
		DefaultStepTimeout:   cfg.stepTimeout(),
		Logger:               svc.logger,
		Observer:             svc.observer,
		Parameters:           params,
	})
	if err != nil {
		return nil, err
	}

	hub := streaming.NewMemoryHub()
	sched, err := scheduler.NewManager(eng, scheduler.Options{
		Hub:                  hub,
		Events:               svc.store,
		AttributeWaitTimeout: cfg.attributeWaitTimeout(),
		Observer:             svc.observer,
		Logger:               svc.logger,
	})
	if err != nil {
		_ = eng.Shutdown(ctx)
		return nil, err
	}

	rt := &runtime{
		services:  svc,
		registry:  reg,
		engine:    eng,
		hub:       hub,
		scheduler: sched,
	}
	if cfg.Blueprint != "" {
		bp, err := blueprint.LoadFile(cfg.Blueprint)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.deploy, err = blueprint.Deploy(ctx, bp, blueprint.Options{
			Registry:  reg,
			Runner:    eng,
			Scheduler: sched,
			Hub:       hub,
			Logger:    svc.logger,
		})
		if err != nil {
			rt.close()
			return nil, err
		}
	}

	// Built last so custom types from the blueprint resolve.
	if rt.validator, err = validation.NewWorkflowValidator(reg); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

// close stops triggers and waits for in-flight runs.
func (r *runtime) close() {
	if err := r.scheduler.Stop(); err != nil {
		r.logger.Debug("scheduler stop", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := r.engine.Shutdown(ctx); err != nil {
		r.logger.Warn("engine shutdown interrupted runs", "error", err)
	}
}

// entity resolves an entity id against the deployed blueprint.
func (r *runtime) entity(id string) (entity.Entity, error) {
	if id == "" {
		return nil, nil
	}
	if r.deploy == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "entity %q: no blueprint loaded", id)
	}
	ent := r.deploy.Find(id)
	if ent == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "entity %q not found in blueprint", id)
	}
	return ent, nil
}

// workflow validates an authored workflow against the runtime's step types.
func (r *runtime) workflow(doc map[string]any) (*schema.WorkflowDefinition, error) {
	def, result := r.validator.ValidateDocument(doc)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return def, nil
}

// handler serves metrics, health and read-only run and trigger views.
func (r *runtime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", r.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"active": len(r.engine.Active()),
			"pool":   r.engine.PoolMetrics(),
		})
	})
	mux.HandleFunc("GET /v1/triggers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"triggers": r.scheduler.List()})
	})
	mux.HandleFunc("GET /v1/runs", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		runs, err := r.engine.List(req.Context(), store.SnapshotFilter{
			Status:       schema.WorkflowStatus(q.Get("status")),
			WorkflowName: q.Get("workflow"),
			EntityID:     q.Get("entity_id"),
			TopLevel:     q.Get("top_level") == "true",
			Limit:        100,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	})
	mux.HandleFunc("GET /v1/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		status, err := r.engine.Status(req.Context(), req.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	})
	mux.HandleFunc("GET /v1/runs/{id}/diagram", func(w http.ResponseWriter, req *http.Request) {
		render, err := renderer(req.URL.Query().Get("format"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		status, err := r.engine.Status(req.Context(), req.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		model, err := diagram.FromSnapshot(status.Snapshot, status.Steps)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, render(model))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if schema.ErrorCode(err) == schema.ErrCodeNotFound {
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]any{"error": err.Error(), "code": schema.ErrorCode(err)})
}
