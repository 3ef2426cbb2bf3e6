// Package server exposes the run protocol over HTTP. Handlers stay thin: all
// run semantics live in the controller, the server only translates transport.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"runline/internal/blob"
	"runline/internal/bus"
	"runline/internal/config"
	"runline/internal/domain"
	"runline/internal/plugin"
	"runline/internal/repo"
	"runline/internal/run"
)

// Config for the HTTP API handler.
type Config struct {
	Controller *run.Controller
	Registry   *plugin.Registry
	Repo       repo.Repo
	Bus        *bus.Bus
	Blobs      *blob.Store
	App        *config.Config
	BasePath   string
	Log        *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"VALIDATION_ERROR"`
	Message string         `json:"message" example:"progress must be within [0,1]"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// Server is the protocol API handler plus its background webhook workers.
type Server struct {
	http.Handler
	webhooks *webhookDispatcher
}

// Close stops the webhook workers and waits for them. The HTTP side shuts
// down with whatever http.Server hosts the handler.
func (s *Server) Close() {
	if s.webhooks != nil {
		s.webhooks.stop()
	}
}

// New returns a Server exposing the run protocol API.
func New(cfg Config) (*Server, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the protocol envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema failures are validation errors in this protocol.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	auth, err := newAuthenticator(cfg.App.Auth, cfg.Repo)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(auth.middleware(basePath, cfg.Log))
	hcfg := huma.DefaultConfig("Runline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPlugins(group, cfg)
	registerRuns(group, cfg, auth)
	registerExport(group, cfg)
	registerEvents(group, cfg)
	registerBlobs(group, router, basePath, cfg)
	registerAPIKeys(group, cfg)
	registerOpenAPI(router, api, basePath)

	return &Server{Handler: router, webhooks: startWebhookDispatcher(cfg)}, nil
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

// handleError translates controller and repo errors into the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var re *domain.RunError
	if errors.As(err, &re) {
		return newAPIError(statusForCode(re.Code), re.Code, re.Message, re.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, domain.CodeNotFound, err.Error(), nil)
	}
	if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrUploadNotFound) {
		return newAPIError(http.StatusNotFound, domain.CodeNotFound, err.Error(), nil)
	}
	if errors.Is(err, blob.ErrTooLarge) {
		return newAPIError(http.StatusRequestEntityTooLarge, domain.CodeValidation, err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, domain.CodeInternal, "internal error", map[string]any{"error": err.Error()})
}

func statusForCode(code string) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.CodeValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return "UNAUTHORIZED"
	case http.StatusNotFound:
		return domain.CodeNotFound
	case http.StatusConflict:
		return domain.CodeConflict
	default:
		return domain.CodeInternal
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// Cursors are "<created_at>:<run_id>" tuples over the (created_at, run_id)
// sort order.
func composeCursor(createdAt float64, id string) string {
	return strconv.FormatFloat(createdAt, 'f', -1, 64) + ":" + id
}

func parseCompositeCursor(cursor string) (float64, string, error) {
	if cursor == "" {
		return 0, "", nil
	}
	ts, id, ok := strings.Cut(cursor, ":")
	if !ok || id == "" {
		return 0, "", fmt.Errorf("invalid cursor")
	}
	createdAt, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid cursor")
	}
	return createdAt, id, nil
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

func registerPlugins(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plugins",
		Method:      http.MethodGet,
		Path:        "/plugins",
		Summary:     "List registered plugins",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []plugin.Manifest `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		return &struct {
			Body []plugin.Manifest `json:"body"`
		}{Body: cfg.Registry.Manifests()}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Runline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
