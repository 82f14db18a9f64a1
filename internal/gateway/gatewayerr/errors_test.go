package gatewayerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite_OpenAIEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, ProtocolOpenAI, Authentication("invalid API key"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t,
		`{"error":{"message":"invalid API key","type":"authentication_error"}}`,
		rec.Body.String())
}

func TestWrite_AnthropicEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, ProtocolAnthropic, Expired("API key has expired"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t,
		`{"type":"error","error":{"type":"permission_error","message":"API key has expired"}}`,
		rec.Body.String())
}

func TestInternal_DistinctFromUpstreamKinds(t *testing.T) {
	err := Internal("streaming not supported", nil)
	assert.Equal(t, KindInternal, err.Kind)
	assert.Equal(t, http.StatusInternalServerError, err.Status)

	rec := httptest.NewRecorder()
	Write(rec, ProtocolOpenAI, err)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
	assert.NotContains(t, rec.Body.String(), "api_error")
}

func TestWrite_RateLimitSharedShape(t *testing.T) {
	endsAt := time.Now().Add(42 * time.Minute)
	err := RateLimit(12000, 10000, endsAt)

	for _, proto := range []Protocol{ProtocolOpenAI, ProtocolAnthropic} {
		rec := httptest.NewRecorder()
		Write(rec, proto, err)

		require.Equal(t, http.StatusTooManyRequests, rec.Code)

		// Retry-After tracks the window end.
		secs, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
		require.NoError(t, convErr)
		assert.InDelta(t, 42*60, secs, 5)

		var body struct {
			Error struct {
				Type         string `json:"type"`
				Message      string `json:"message"`
				TokensUsed   int64  `json:"tokens_used"`
				TokensLimit  int64  `json:"tokens_limit"`
				WindowEndsAt string `json:"window_ends_at"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "rate_limit_exceeded", body.Error.Type)
		assert.EqualValues(t, 12000, body.Error.TokensUsed)
		assert.EqualValues(t, 10000, body.Error.TokensLimit)

		parsed, parseErr := time.Parse(time.RFC3339, body.Error.WindowEndsAt)
		require.NoError(t, parseErr)
		assert.WithinDuration(t, endsAt, parsed, time.Second)
	}
}

func TestWrite_UpstreamStatusPropagates(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, ProtocolOpenAI, UpstreamHTTP(http.StatusNotFound, "model not found: nope"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "model not found: nope")
}

func TestFrom_UnclassifiedErrorDefaultsToUpstream(t *testing.T) {
	ge := From(fmt.Errorf("boom"))
	assert.Equal(t, KindUpstreamNetwork, ge.Kind)
	assert.Equal(t, http.StatusBadGateway, ge.Status)
}

func TestFrom_UnwrapsWrappedGatewayError(t *testing.T) {
	inner := Validation("bad payload")
	ge := From(fmt.Errorf("handling request: %w", inner))
	assert.Same(t, inner, ge)
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := UpstreamNetwork(cause)
	assert.True(t, errors.Is(err, cause))
}

func TestRetryAfter_Bounds(t *testing.T) {
	now := time.Now()

	// At most one full window.
	far := RateLimit(1, 1, now.Add(100*time.Hour))
	assert.Equal(t, int((5 * time.Hour).Seconds()), far.RetryAfter(now))

	// Never less than one second.
	past := RateLimit(1, 1, now.Add(-time.Minute))
	assert.Equal(t, 1, past.RetryAfter(now))

	// Zero for other kinds.
	assert.Equal(t, 0, Validation("x").RetryAfter(now))
}
