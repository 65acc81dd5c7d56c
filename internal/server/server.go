package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"creditline/internal/aggregate"
	"creditline/internal/domain"
	"creditline/internal/engine"
	"creditline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"sync_in_progress"`
	Message string         `json:"message" example:"sync already in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"run_id\":\"6f1c0c8e\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the stats and sync API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Creditline API", "1.0.0")
	hcfg.DocsPath = "/docs"
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	hcfg.Security = []map[string][]string{{"bearerAuth": {}}}
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStats(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerSync(group, cfg.Engine)

	return router, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Msg("request")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, engine.ErrSyncInProgress):
		return newAPIError(http.StatusConflict, "sync_in_progress", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownRun):
		return newAPIError(http.StatusNotFound, "unknown_run", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	msg := err.Error()
	if strings.HasPrefix(strings.ToLower(msg), "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStats(api huma.API, e *engine.Engine) {
	levels := []struct {
		id, path, summary string
		fetch             func(context.Context, aggregate.Filter) (engine.Stats, error)
	}{
		{"trainer-stats", "/stats/trainers", "Per-trainer metrics", e.TrainerStats},
		{"team-lead-stats", "/stats/team-leads", "Per-team-lead metrics with nested trainers", e.TeamLeadStats},
		{"project-stats", "/stats/projects", "Per-project metrics with nested leads and trainers", e.ProjectStats},
	}
	for _, lvl := range levels {
		huma.Register(api, huma.Operation{
			OperationID: lvl.id,
			Method:      http.MethodGet,
			Path:        lvl.path,
			Summary:     lvl.summary,
			Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
		}, func(ctx context.Context, input *StatsQuery) (*struct {
			Body StatsResponse `json:"body"`
		}, error) {
			f, err := input.filter()
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			if err := requirePermission(ctx, permStatsRead); err != nil {
				return nil, err
			}
			stats, err := lvl.fetch(ctx, f)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body StatsResponse `json:"body"`
			}{Body: statsResponse(stats, f)}, nil
		})
	}
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-attribution",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/attribution",
		Summary:     "Attribution of one task",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body engine.TaskCredit `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permStatsRead); err != nil {
			return nil, err
		}
		tc, err := e.TaskAttribution(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskCredit `json:"body"`
		}{Body: tc}, nil
	})
}

func registerSync(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "trigger-sync",
		Method:        http.MethodPost,
		Path:          "/sync",
		Summary:       "Start a sync run",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body *SyncRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body SyncAccepted `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permSyncTrigger); err != nil {
			return nil, err
		}
		var raw string
		if input.Body != nil {
			raw = input.Body.Mode
		}
		mode, ok := domain.ParseSyncMode(raw)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid mode %q", raw), map[string]any{"field": "mode"})
		}
		runID, err := e.TriggerSync(ctx, mode)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncAccepted `json:"body"`
		}{Body: SyncAccepted{RunID: runID, Mode: mode, Status: domain.RunStarted}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sync-runs",
		Method:      http.MethodGet,
		Path:        "/sync",
		Summary:     "List recent sync runs",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*struct {
		Body SyncRunsResponse `json:"body"`
	}, error) {
		if err := requireAnyPermission(ctx, permStatsRead, permSyncTrigger); err != nil {
			return nil, err
		}
		runs, err := e.Events.ListRuns(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.TableCounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SyncRunsResponse{Items: runs, InProgress: e.InProgress(), Tables: counts}
		if resp.Items == nil {
			resp.Items = []domain.SyncRun{}
		}
		return &struct {
			Body SyncRunsResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/{run_id}",
		Summary:     "Status of a sync run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.SyncStatus `json:"body"`
	}, error) {
		if err := requireAnyPermission(ctx, permStatsRead, permSyncTrigger); err != nil {
			return nil, err
		}
		st, err := e.GetSyncStatus(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SyncStatus `json:"body"`
		}{Body: st}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 20
	}
	if in > 200 {
		return 200
	}
	return in
}
