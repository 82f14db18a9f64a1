package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/quotagate/quotagate/internal/gateway/quota"
	"github.com/quotagate/quotagate/internal/shared/database"
)

// AdminHandler exposes the operator-facing key listing.
type AdminHandler struct {
	store   database.Store
	tracker *quota.Tracker
	token   string
	logger  *slog.Logger
}

func NewAdminHandler(store database.Store, tracker *quota.Tracker, token string, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{store: store, tracker: tracker, token: token, logger: logger}
}

// keySummary is one row of the listing. UsageInWindow uses the same
// rolling-sum rule quota enforcement uses, so the display can never
// disagree with admission decisions.
type keySummary struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Model          string     `json:"model,omitempty"`
	TokensLimit    int64      `json:"tokens_limit"`
	UsageInWindow  int64      `json:"usage_in_window"`
	LifetimeTokens int64      `json:"lifetime_tokens"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	Expired        bool       `json:"expired"`
}

// Authorize gates admin routes behind the static operator token.
func (h *AdminHandler) Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			http.Error(w, "admin API disabled", http.StatusForbidden)
			return
		}
		token := extractKey(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleListKeys handles GET /admin/keys.
func (h *AdminHandler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := h.store.ListCredentials(r.Context())
	if err != nil {
		h.logger.Error("key listing failed", "error", err)
		http.Error(w, "failed to list keys", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	summaries := make([]keySummary, 0, len(creds))
	for i := range creds {
		cred := &creds[i]
		summaries = append(summaries, keySummary{
			ID:             maskKey(cred.ID),
			Name:           cred.Name,
			Model:          cred.Model,
			TokensLimit:    cred.TokenLimitPer5h,
			UsageInWindow:  h.tracker.RollingUsage(cred),
			LifetimeTokens: cred.LifetimeTokens,
			ExpiresAt:      cred.ExpiryAt,
			LastUsedAt:     cred.LastUsedAt,
			Expired:        !cred.Valid(now),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": summaries})
}

// maskKey hides the bearer secret in listings, keeping enough to identify it.
func maskKey(id string) string {
	if len(id) <= 8 {
		return "****"
	}
	return id[:4] + "..." + id[len(id)-4:]
}
