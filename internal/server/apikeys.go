package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"runline/internal/repo"
)

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty" example:"ci"`
}

type APIKeyCreatedResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	CreatedAt float64 `json:"created_at"`
	// Key is returned once at creation and never again.
	Key string `json:"key"`
}

type APIKeyResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	CreatedAt float64 `json:"created_at"`
}

func registerAPIKeys(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body,omitempty"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		key, err := NewAPIKey()
		if err != nil {
			return nil, handleError(err)
		}
		rec := repo.APIKey{
			ID:        uuid.NewString(),
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(key),
			CreatedAt: float64(time.Now().UnixNano()) / 1e9,
		}
		if err := cfg.Repo.InsertAPIKey(ctx, rec); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:        rec.ID,
			Name:      rec.Name,
			CreatedAt: rec.CreatedAt,
			Key:       key,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		keys, err := cfg.Repo.ListAPIKeys(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if err := cfg.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
