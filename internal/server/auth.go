package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"runline/internal/config"
	"runline/internal/repo"
)

// principal is the authenticated caller: either an admin (API key, admin
// bearer token or dev mode) or a run-scoped token limited to one run.
type principal struct {
	Admin bool
	RunID string
}

type principalKey struct{}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

// requireAdmin rejects run-scoped callers.
func requireAdmin(ctx context.Context) huma.StatusError {
	p, ok := principalFrom(ctx)
	if !ok || !p.Admin {
		return newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "admin credentials required", nil)
	}
	return nil
}

// requireRunAccess admits admins and tokens scoped to exactly this run.
func requireRunAccess(ctx context.Context, runID string) huma.StatusError {
	p, ok := principalFrom(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "credentials required", nil)
	}
	if p.Admin || p.RunID == runID {
		return nil
	}
	return newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "token is not scoped to this run", nil)
}

type authenticator struct {
	cfg    config.Auth
	repo   repo.Repo
	secret []byte
}

func newAuthenticator(cfg config.Auth, r repo.Repo) (*authenticator, error) {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
	}
	return &authenticator{cfg: cfg, repo: r, secret: secret}, nil
}

type runClaims struct {
	RunID string `json:"run_id,omitempty"`
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// issueRunToken mints a token that can only touch the named run. Used by
// out-of-process plugin entries and live-channel consumers.
func (a *authenticator) issueRunToken(runID string, ttl time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, runClaims{
		RunID: runID,
		Scope: "run",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   runID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(a.secret)
	return signed, exp, err
}

// IssueRunToken signs a run-scoped token with the given secret. The CLI uses
// it to mint tokens offline against the workspace's configured auth secret.
func IssueRunToken(secret, runID string, ttl time.Duration) (string, time.Time, error) {
	a := &authenticator{secret: []byte(secret)}
	return a.issueRunToken(runID, ttl)
}

func (a *authenticator) parseToken(raw string) (principal, error) {
	var claims runClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return principal{}, err
	}
	switch claims.Scope {
	case "run":
		if claims.RunID == "" {
			return principal{}, errors.New("run token missing run_id")
		}
		return principal{RunID: claims.RunID}, nil
	case "admin":
		return principal{Admin: true}, nil
	default:
		return principal{}, fmt.Errorf("unknown token scope %q", claims.Scope)
	}
}

// middleware authenticates every API request. Health, docs and the OpenAPI
// document stay open.
func (a *authenticator) middleware(basePath string, log *slog.Logger) func(http.Handler) http.Handler {
	open := map[string]struct{}{
		path.Join(basePath, "health"):       {},
		path.Join(basePath, "openapi.json"): {},
		"/docs":                             {},
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := open[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			p, err := a.authenticate(r)
			if err != nil {
				log.Debug("auth rejected", "path", r.URL.Path, "error", err)
				writeAuthError(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

func (a *authenticator) authenticate(r *http.Request) (principal, error) {
	if a.cfg.DevMode {
		return principal{Admin: true}, nil
	}
	if a.cfg.AllowAPIKeys {
		if key := strings.TrimSpace(r.Header.Get("X-Api-Key")); key != "" {
			_, err := a.repo.GetAPIKeyByHash(r.Context(), repo.HashAPIKey(key))
			if err == nil {
				return principal{Admin: true}, nil
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return principal{}, err
			}
			return principal{}, errors.New("unknown api key")
		}
	}
	if a.cfg.AllowBearer {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			return a.parseToken(strings.TrimPrefix(auth, "Bearer "))
		}
		// EventSource cannot set headers, so the live channels accept the
		// token as a query parameter.
		if tok := r.URL.Query().Get("token"); tok != "" {
			return a.parseToken(tok)
		}
	}
	return principal{}, errors.New("no credentials presented")
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": apiErrorBody{Code: "UNAUTHORIZED", Message: msg},
	})
}

// NewAPIKey generates a fresh random key. Only the hash is stored.
func NewAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rk_" + hex.EncodeToString(buf), nil
}
