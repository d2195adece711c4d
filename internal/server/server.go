// Package server exposes the fieldline HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fieldline/internal/domain"
	"fieldline/internal/idempotency"
	"fieldline/internal/monitor"
	"fieldline/internal/notify"
	"fieldline/internal/paris"
	"fieldline/internal/repo"
	"fieldline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     workflow.Engine
	Monitor    monitor.Service
	Dispatcher notify.Dispatcher
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"no transition from BROUILLON to TERMINÉE"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the fieldline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Fieldline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerWorkflowRules(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerMissionInsights(group, cfg.Engine, cfg.Monitor)
	registerClock(group, cfg.Engine)
	registerIdempotency(group, cfg.Engine)
	registerMonitoring(group, cfg.Monitor)
	registerMaintenance(group, cfg.Engine, cfg.Dispatcher)

	return router, nil
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
	var invalid workflow.InvalidTransitionError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusUnprocessableEntity, workflow.CodeInvalidTransition, err.Error(),
			map[string]any{"from_status": invalid.From, "to_status": invalid.To})
	}
	var forbidden workflow.ForbiddenError
	if errors.As(err, &forbidden) {
		return newAPIError(http.StatusForbidden, workflow.CodeForbidden, err.Error(),
			map[string]any{"role": forbidden.Role})
	}
	var outside workflow.OutsideBusinessHoursError
	if errors.As(err, &outside) {
		return newAPIError(http.StatusUnprocessableEntity, workflow.CodeOutsideBusinessHours, err.Error(),
			map[string]any{"at": outside.At, "window": outside.Window})
	}
	var unknownField workflow.UnknownEffectFieldError
	if errors.As(err, &unknownField) {
		return newAPIError(http.StatusUnprocessableEntity, workflow.CodeUnknownEffectField, err.Error(),
			map[string]any{"field": unknownField.Field})
	}
	var collision idempotency.KeyCollisionError
	if errors.As(err, &collision) {
		return newAPIError(http.StatusConflict, "idempotency_collision", err.Error(), nil)
	}
	var conflict repo.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, workflow.CodeConflict, err.Error(),
			map[string]any{"mission_id": conflict.MissionID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "archived") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
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

func registerWorkflowRules(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/workflow/transitions",
		Summary:     "List the transition table",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TransitionRule `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body []domain.TransitionRule `json:"body"`
		}{Body: e.Table.List()}, nil
	})
}

func registerMissions(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ClientName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "client_name is required", nil)
		}
		m, err := e.CreateMission(ctx, workflow.MissionCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			Reference:   stringOrEmpty(input.Body.Reference),
			ClientName:  input.Body.ClientName,
			SiteAddress: stringOrEmpty(input.Body.SiteAddress),
			Description: stringOrEmpty(input.Body.Description),
			AssigneeID:  stringOrEmpty(input.Body.AssigneeID),
			ScheduledAt: stringOrEmpty(input.Body.ScheduledAt),
			ActorID:     principal.ActorID,
			ActorRole:   principal.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status"`
		AssigneeID      string `query:"assignee_id"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body paginatedMissions `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		missions, err := e.Repo.ListMissions(ctx, repo.MissionFilters{
			Status:          input.Status,
			AssigneeID:      input.AssigneeID,
			IncludeArchived: input.IncludeArchived,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedMissions{Items: []domain.Mission{}}
		if len(missions) > limit {
			resp.NextCursor = composeCursor(missions[limit].CreatedAt, missions[limit].ID)
			missions = missions[:limit]
		}
		resp.Items = missions
		return &struct {
			Body paginatedMissions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.Repo.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-mission",
		Method:      http.MethodDelete,
		Path:        "/missions/{id}",
		Summary:     "Archive mission",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.ArchiveMission(ctx, input.ID, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTransitions(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-transition",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/transitions",
		Summary:     "Apply a status transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.TransitionResult `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.TargetStatus == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target_status is required", nil)
		}
		res, err := e.ApplyTransition(ctx, workflow.TransitionOptions{
			MissionID:    input.ID,
			TargetStatus: input.Body.TargetStatus,
			ActorID:      principal.ActorID,
			ActorRole:    principal.Role,
			Reason:       stringOrEmpty(input.Body.Reason),
			At:           stringOrEmpty(input.Body.At),
			Params:       input.Body.Params,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TransitionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "available-transitions",
		Method:      http.MethodGet,
		Path:        "/missions/{id}/transitions",
		Summary:     "List transitions available to the caller",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.TransitionRule `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rules, err := e.AvailableTransitions(ctx, input.ID, principal.Role)
		if err != nil {
			return nil, handleError(err)
		}
		if rules == nil {
			rules = []domain.TransitionRule{}
		}
		return &struct {
			Body []domain.TransitionRule `json:"body"`
		}{Body: rules}, nil
	})
}

func registerMissionInsights(api huma.API, e workflow.Engine, m monitor.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "mission-timeline",
		Method:      http.MethodGet,
		Path:        "/missions/{id}/timeline",
		Summary:     "Mission audit timeline",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []domain.WorkflowLogEntry `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		entries, err := e.Timeline(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.WorkflowLogEntry{}
		}
		return &struct {
			Body []domain.WorkflowLogEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mission-risk",
		Method:      http.MethodGet,
		Path:        "/missions/{id}/risk",
		Summary:     "Mission risk score",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body monitor.RiskReport `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		report, err := m.RiskScore(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body monitor.RiskReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerClock(api huma.API, e workflow.Engine) {
	type clockBody struct {
		Now           string `json:"now"`
		NowLocal      string `json:"now_local"`
		BusinessHours bool   `json:"business_hours"`
		Window        string `json:"window"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "clock-now",
		Method:      http.MethodGet,
		Path:        "/clock/now",
		Summary:     "Current Paris time and business-hours state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body clockBody `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		now := paris.Now()
		window := e.Config.Window()
		return &struct {
			Body clockBody `json:"body"`
		}{Body: clockBody{
			Now:           now.UTC().Format(time.RFC3339),
			NowLocal:      paris.FormatDatetime(now),
			BusinessHours: paris.IsBusinessHours(now, window),
			Window:        window.String(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clock-check",
		Method:      http.MethodGet,
		Path:        "/clock/check",
		Summary:     "Check a timestamp against business hours",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		At string `query:"at" required:"true"`
	}) (*struct {
		Body clockBody `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		at, err := paris.ParseTimestamp(input.At)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid at: %v", err), nil)
		}
		window := e.Config.Window()
		return &struct {
			Body clockBody `json:"body"`
		}{Body: clockBody{
			Now:           at.UTC().Format(time.RFC3339),
			NowLocal:      paris.FormatDatetime(at),
			BusinessHours: paris.IsBusinessHours(at, window),
			Window:        window.String(),
		}}, nil
	})
}

func registerIdempotency(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "idempotency-stats",
		Method:      http.MethodGet,
		Path:        "/idempotency/stats",
		Summary:     "Idempotency cache size",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		size, err := e.Idem.Size(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"size": size}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "idempotency-cleanup",
		Method:      http.MethodPost,
		Path:        "/idempotency/cleanup",
		Summary:     "Purge expired idempotency records",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body idempotency.CleanupResult `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.Idem.CleanupExpired(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body idempotency.CleanupResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerMonitoring(api huma.API, m monitor.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "monitoring-anomalies",
		Method:      http.MethodGet,
		Path:        "/monitoring/anomalies",
		Summary:     "Detect anomalies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Anomaly `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		anomalies, err := m.DetectAnomalies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if anomalies == nil {
			anomalies = []domain.Anomaly{}
		}
		return &struct {
			Body []domain.Anomaly `json:"body"`
		}{Body: anomalies}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "monitoring-daily-stats",
		Method:      http.MethodGet,
		Path:        "/monitoring/stats/daily",
		Summary:     "Daily activity stats",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Date string `query:"date"`
	}) (*struct {
		Body domain.DailyStats `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		day := time.Now()
		if input.Date != "" {
			parsed, err := time.Parse("2006-01-02", input.Date)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "date must be YYYY-MM-DD", nil)
			}
			day = parsed
		}
		stats, err := m.DailyStats(ctx, day)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DailyStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "monitoring-snapshot",
		Method:      http.MethodGet,
		Path:        "/monitoring/snapshot",
		Summary:     "Monitoring snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.MonitoringSnapshot `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		snap, err := m.Snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MonitoringSnapshot `json:"body"`
		}{Body: snap}, nil
	})
}

func registerMaintenance(api huma.API, e workflow.Engine, d notify.Dispatcher) {
	type maintenanceBody struct {
		Idempotency   idempotency.CleanupResult `json:"idempotency"`
		Notifications notify.NotificationCleanupResult      `json:"notifications"`
		Dispatch      notify.DispatchResult     `json:"dispatch"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "maintenance-run",
		Method:      http.MethodPost,
		Path:        "/maintenance/run",
		Summary:     "Run cleanup sweeps and dispatch pending notifications",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body maintenanceBody `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		var body maintenanceBody
		var err error
		if body.Dispatch, err = d.DispatchPending(ctx, 100); err != nil {
			return nil, handleError(err)
		}
		if body.Idempotency, err = e.Idem.CleanupExpired(ctx); err != nil {
			return nil, handleError(err)
		}
		if body.Notifications, err = e.Notify.CleanupExpired(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body maintenanceBody `json:"body"`
		}{Body: body}, nil
	})
}
