package handlers

import (
	"net/http"

	"github.com/quotagate/quotagate/internal/gateway/gatewayerr"
	"github.com/quotagate/quotagate/internal/gateway/stream"
	"github.com/quotagate/quotagate/internal/gateway/translate"
	"github.com/quotagate/quotagate/internal/shared/models"
)

// HandleMessages handles POST /v1/messages (Anthropic protocol).
func (h *CompletionHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	proto := gatewayerr.ProtocolAnthropic

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

	canonical, err := translate.FromAnthropicRequest(body, cred.Model)
	if err != nil {
		gatewayerr.Write(w, proto, err)
		return
	}

	h.handle(w, r, proto, canonical,
		func(resp *models.CanonicalResponse) any { return translate.ToAnthropicResponse(resp) },
		func(id, model string) stream.Renderer { return stream.NewAnthropicRenderer(id, model) },
	)
}
