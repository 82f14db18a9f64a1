package gatewayerr

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Protocol selects the wire shape of the error envelope.
type Protocol int

const (
	ProtocolOpenAI Protocol = iota
	ProtocolAnthropic
)

type openAIEnvelope struct {
	Error openAIErrorBody `json:"error"`
}

type openAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type anthropicEnvelope struct {
	Type  string             `json:"type"`
	Error anthropicErrorBody `json:"error"`
}

type anthropicErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Rate-limit rejections share one body shape across both protocols.
type rateLimitEnvelope struct {
	Error rateLimitBody `json:"error"`
}

type rateLimitBody struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	TokensUsed   int64  `json:"tokens_used"`
	TokensLimit  int64  `json:"tokens_limit"`
	WindowEndsAt string `json:"window_ends_at"`
}

// Write renders err into the protocol's error envelope and writes it with
// the right status. Always application/json, never a partial stream. Safe
// to call only before any body bytes have been written.
func Write(w http.ResponseWriter, proto Protocol, err error) {
	ge := From(err)

	w.Header().Set("Content-Type", "application/json")

	if ge.Kind == KindRateLimit {
		w.Header().Set("Retry-After", strconv.Itoa(ge.RetryAfter(time.Now())))
		w.WriteHeader(ge.Status)
		_ = json.NewEncoder(w).Encode(rateLimitEnvelope{Error: rateLimitBody{
			Type:         string(KindRateLimit),
			Message:      ge.Message,
			TokensUsed:   ge.TokensUsed,
			TokensLimit:  ge.TokensLimit,
			WindowEndsAt: ge.WindowEndsAt.UTC().Format(time.RFC3339),
		}})
		return
	}

	w.WriteHeader(ge.Status)
	switch proto {
	case ProtocolAnthropic:
		_ = json.NewEncoder(w).Encode(anthropicEnvelope{
			Type:  "error",
			Error: anthropicErrorBody{Type: string(ge.Kind), Message: ge.Message},
		})
	default:
		_ = json.NewEncoder(w).Encode(openAIEnvelope{
			Error: openAIErrorBody{Message: ge.Message, Type: string(ge.Kind)},
		})
	}
}

// From coerces any error into a gateway error, defaulting to a 502.
func From(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return UpstreamNetwork(err)
}
