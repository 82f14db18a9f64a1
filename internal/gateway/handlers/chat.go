package handlers

import (
	"net/http"

	"github.com/quotagate/quotagate/internal/gateway/gatewayerr"
	"github.com/quotagate/quotagate/internal/gateway/stream"
	"github.com/quotagate/quotagate/internal/gateway/translate"
	"github.com/quotagate/quotagate/internal/shared/models"
)

// HandleChatCompletions handles POST /v1/chat/completions (OpenAI protocol).
func (h *CompletionHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	proto := gatewayerr.ProtocolOpenAI

	cred, ok := CredentialFrom(r.Context())
	if !ok {
		gatewayerr.Write(w, proto, gatewayerr.Authentication("missing credential"))
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		gatewayerr.Write(w, proto, err)
		return
	}

	// The pinned model replaces whatever the caller asked for before the
	// canonical request exists; the substitution is invisible to the caller.
	canonical, err := translate.FromOpenAIRequest(body, cred.Model, h.defaultMaxOut)
	if err != nil {
		gatewayerr.Write(w, proto, err)
		return
	}

	h.handle(w, r, proto, canonical,
		func(resp *models.CanonicalResponse) any { return translate.ToOpenAIResponse(resp) },
		func(id, model string) stream.Renderer { return stream.NewOpenAIRenderer(id, model) },
	)
}
