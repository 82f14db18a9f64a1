package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quotagate/quotagate/internal/gateway/cache"
	"github.com/quotagate/quotagate/internal/gateway/gatewayerr"
	"github.com/quotagate/quotagate/internal/shared/database"
	"github.com/quotagate/quotagate/internal/shared/models"
)

type contextKey string

const (
	credentialKey contextKey = "credential"
	requestIDKey  contextKey = "request_id"
)

// CredentialFrom returns the authenticated credential placed on the request
// context by the auth middleware.
func CredentialFrom(ctx context.Context) (*models.Credential, bool) {
	cred, ok := ctx.Value(credentialKey).(*models.Credential)
	return cred, ok
}

type Middleware struct {
	store  database.Store
	cache  cache.Lookup
	logger *slog.Logger
}

func NewMiddleware(store database.Store, lookup cache.Lookup, logger *slog.Logger) *Middleware {
	return &Middleware{
		store:  store,
		cache:  lookup,
		logger: logger,
	}
}

// extractKey pulls the credential id from the request. A Bearer token wins
// over x-api-key when both are present; the scheme match is
// case-insensitive.
func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.Fields(auth)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	return r.Header.Get("x-api-key")
}

// protocolFor picks the error envelope shape from the endpoint being hit.
func protocolFor(r *http.Request) gatewayerr.Protocol {
	if strings.HasPrefix(r.URL.Path, "/v1/messages") {
		return gatewayerr.ProtocolAnthropic
	}
	return gatewayerr.ProtocolOpenAI
}

// Auth authenticates the credential and rejects expired keys. Lookups go
// through the cache first, with negative caching so repeated bad keys skip
// the store.
func (m *Middleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proto := protocolFor(r)

		key := extractKey(r)
		if key == "" {
			gatewayerr.Write(w, proto, gatewayerr.Authentication("missing API key"))
			return
		}

		cred, outcome := m.cache.Get(r.Context(), key)
		switch outcome {
		case cache.NegativeHit:
			gatewayerr.Write(w, proto, gatewayerr.Authentication("invalid API key"))
			return
		case cache.Miss:
			var err error
			cred, err = m.store.GetCredential(r.Context(), key)
			if errors.Is(err, database.ErrNotFound) {
				m.cache.SetNegative(r.Context(), key)
				gatewayerr.Write(w, proto, gatewayerr.Authentication("invalid API key"))
				return
			}
			if err != nil {
				m.logger.Error("credential lookup failed", "error", err)
				gatewayerr.Write(w, proto, gatewayerr.Internal("credential lookup failed", err))
				return
			}
			m.cache.Set(r.Context(), cred)
		}

		// Strict boundary: a credential expiring exactly now is expired.
		if !cred.Valid(time.Now()) {
			gatewayerr.Write(w, proto, gatewayerr.Expired("API key has expired"))
			return
		}

		ctx := context.WithValue(r.Context(), credentialKey, cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom returns the request id tagged onto the context by the
// RequestID middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestID tags every request with a uuid, echoed back as X-Request-Id.
// A caller-supplied id is kept so its own tracing carries through.
func (m *Middleware) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CORS handles cross-origin preflight for the public endpoints.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, anthropic-version")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
