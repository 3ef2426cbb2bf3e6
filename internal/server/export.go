package server

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"runline/internal/blob"
	"runline/internal/domain"
	"runline/internal/run"
)

func registerExport(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-export",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/export",
		Summary:     "Replay export items",
		Description: "Pages persisted export items in seq order. Pass after to resume from a cursor.",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		After int64  `query:"after"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body exportPage `json:"body"`
	}, error) {
		if err := requireRunAccess(ctx, input.RunID); err != nil {
			return nil, err
		}
		items, nextAfter, err := cfg.Controller.ListExport(ctx, input.RunID, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ExportItem{}
		}
		return &struct {
			Body exportPage `json:"body"`
		}{Body: exportPage{Items: items, NextAfter: nextAfter}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "push-export",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/export",
		Summary:       "Append an export item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RunID string            `path:"run_id"`
		Body  PushExportRequest `json:"body"`
	}) (*struct {
		Body domain.ExportItem `json:"body"`
	}, error) {
		if err := requireRunAccess(ctx, input.RunID); err != nil {
			return nil, err
		}
		if !input.Body.Type.Valid() {
			return nil, newAPIError(http.StatusBadRequest, domain.CodeValidation, "unknown export type", map[string]any{"type": input.Body.Type})
		}
		in := run.ExportInput{
			Type:        input.Body.Type,
			Description: input.Body.Description,
			Text:        input.Body.Text,
			URL:         input.Body.URL,
			Mime:        input.Body.Mime,
			Metadata:    input.Body.Metadata,
		}
		if input.Body.Binary != "" {
			data, err := base64.StdEncoding.DecodeString(input.Body.Binary)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, domain.CodeValidation, "binary must be base64", nil)
			}
			in.Data = data
		}
		item, err := cfg.Controller.AppendExport(ctx, input.RunID, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExportItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerBlobs(api huma.API, router chi.Router, basePath string, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-upload",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/uploads",
		Summary:       "Open a blob upload session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string              `path:"run_id"`
		Body  CreateUploadRequest `json:"body,omitempty"`
	}) (*struct {
		Body UploadSessionResponse `json:"body"`
	}, error) {
		if err := requireRunAccess(ctx, input.RunID); err != nil {
			return nil, err
		}
		if _, err := cfg.Controller.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		id, err := cfg.Blobs.CreateUpload(input.RunID, input.Body.Mime)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UploadSessionResponse `json:"body"`
		}{Body: UploadSessionResponse{UploadID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "append-upload",
		Method:      http.MethodPut,
		Path:        "/runs/{run_id}/uploads/{upload_id}",
		Summary:     "Append a chunk to an upload session",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusRequestEntityTooLarge,
		},
	}, func(ctx context.Context, input *struct {
		RunID    string `path:"run_id"`
		UploadID string `path:"upload_id"`
		RawBody  []byte
	}) (*struct{}, error) {
		if err := requireRunAccess(ctx, input.RunID); err != nil {
			return nil, err
		}
		if err := cfg.Blobs.Append(input.UploadID, input.RunID, input.RawBody); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-upload",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/uploads/{upload_id}/finalize",
		Summary:     "Finalize an upload session",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID    string `path:"run_id"`
		UploadID string `path:"upload_id"`
	}) (*struct {
		Body FinalizeUploadResponse `json:"body"`
	}, error) {
		if err := requireRunAccess(ctx, input.RunID); err != nil {
			return nil, err
		}
		blobID, size, err := cfg.Blobs.Finalize(input.UploadID, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FinalizeUploadResponse `json:"body"`
		}{Body: FinalizeUploadResponse{
			BlobID:    blobID,
			URL:       blob.URL(input.RunID, blobID),
			SizeBytes: size,
		}}, nil
	})

	// Raw download stays off the OpenAPI surface: it streams arbitrary bytes.
	router.Get(path.Join(basePath, "blobs/{run_id}/{blob_id}"), func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		blobID := chi.URLParam(r, "blob_id")
		if err := requireRunAccess(r.Context(), runID); err != nil {
			writeAuthError(w, err.Error())
			return
		}
		rc, size, err := cfg.Blobs.Open(runID, blobID)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		io.Copy(w, rc)
	})
}
