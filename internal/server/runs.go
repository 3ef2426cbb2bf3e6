package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"runline/internal/domain"
	"runline/internal/repo"
	"runline/internal/run"
)

func registerRuns(api huma.API, cfg Config, auth *authenticator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Create run",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		// Mode sync blocks until the run reaches a terminal status.
		Mode string           `query:"mode" enum:"async,sync" default:"async"`
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body domain.RunRecord `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if input.Body.PluginID == "" || input.Body.EntryID == "" {
			return nil, newAPIError(http.StatusBadRequest, domain.CodeValidation, "plugin_id and entry_id are required", nil)
		}
		rec, _, err := cfg.Controller.CreateRun(ctx, run.CreateRequest{
			PluginID:       input.Body.PluginID,
			EntryID:        input.Body.EntryID,
			Args:           input.Body.Args,
			TaskID:         input.Body.TaskID,
			TraceID:        input.Body.TraceID,
			IdempotencyKey: input.Body.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if input.Mode == "sync" {
			rec, err = cfg.Controller.Wait(ctx, rec.RunID)
			if err != nil && ctx.Err() == nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.RunRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TaskID   string `query:"task_id"`
		PluginID string `query:"plugin_id"`
		Status   string `query:"status"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if input.Status != "" && !domain.RunStatus(input.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, domain.CodeValidation, "unknown status filter", map[string]any{"status": input.Status})
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, domain.CodeValidation, "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		runs, err := cfg.Controller.ListRuns(ctx, repo.RunFilters{
			TaskID:          input.TaskID,
			PluginID:        input.PluginID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRuns{Items: []domain.RunRecord{}}
		if len(runs) > limit {
			resp.NextCursor = composeCursor(runs[limit].CreatedAt, runs[limit].RunID)
			runs = runs[:limit]
		}
		resp.Items = runs
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.RunRecord `json:"body"`
	}, error) {
		if err := requireRunAccess(ctx, input.RunID); err != nil {
			return nil, err
		}
		rec, err := cfg.Controller.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/cancel",
		Summary:     "Request run cancellation",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RunID string           `path:"run_id"`
		Body  CancelRunRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.RunRecord `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		rec, err := cfg.Controller.Cancel(ctx, input.RunID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-run",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/retry",
		Summary:       "Retry a finished run",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.RunRecord `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		rec, err := cfg.Controller.Retry(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/update",
		Summary:     "Report run progress",
		Description: "Progress reporting surface for plugin entries. Rejected once the run is terminal.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RunID string           `path:"run_id"`
		Body  UpdateRunRequest `json:"body"`
	}) (*struct {
		Body domain.RunRecord `json:"body"`
	}, error) {
		if err := requireRunAccess(ctx, input.RunID); err != nil {
			return nil, err
		}
		rec, err := cfg.Controller.ApplyUpdate(ctx, input.RunID, run.Update{
			Progress:   input.Body.Progress,
			Stage:      input.Body.Stage,
			Message:    input.Body.Message,
			Step:       input.Body.Step,
			StepTotal:  input.Body.StepTotal,
			ETASeconds: input.Body.ETASeconds,
			Metrics:    input.Body.Metrics,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-run-token",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/token",
		Summary:     "Issue a run-scoped token",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunTokenResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if _, err := cfg.Controller.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		token, exp, err := auth.issueRunToken(input.RunID, cfg.App.RunTokenTTL())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunTokenResponse `json:"body"`
		}{Body: RunTokenResponse{
			Token:     token,
			RunID:     input.RunID,
			ExpiresAt: float64(exp.UnixNano()) / 1e9,
		}}, nil
	})
}
