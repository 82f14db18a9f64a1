package translate

import (
	"encoding/json"

	"github.com/quotagate/quotagate/internal/gateway/gatewayerr"
	"github.com/quotagate/quotagate/internal/shared/models"
)

// AnthropicRequest is the inbound messages-API body.
type AnthropicRequest struct {
	Model         string           `json:"model"`
	Messages      []InboundMessage `json:"messages"`
	MaxTokens     int              `json:"max_tokens"`
	System        MaybeBlocks      `json:"system,omitempty"`
	Temperature   *float32         `json:"temperature,omitempty"`
	TopP          *float32         `json:"top_p,omitempty"`
	TopK          *int             `json:"top_k,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
}

var anthropicKnownKeys = map[string]bool{
	"model": true, "messages": true, "max_tokens": true, "system": true,
	"temperature": true, "top_p": true, "top_k": true,
	"stop_sequences": true, "stream": true,
}

// FromAnthropicRequest builds the canonical request from a messages body.
// max_tokens is protocol-mandated here, unlike the chat-completions side.
func FromAnthropicRequest(body []byte, pinnedModel string) (*models.CanonicalRequest, error) {
	var req AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, gatewayerr.Validation("invalid request body: " + err.Error())
	}
	if req.Model == "" {
		return nil, gatewayerr.Validation("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, gatewayerr.Validation("messages must not be empty")
	}
	if req.MaxTokens <= 0 {
		return nil, gatewayerr.Validation("max_tokens is required and must be positive")
	}

	model := req.Model
	if pinnedModel != "" {
		model = pinnedModel
	}

	canonical := &models.CanonicalRequest{
		Model:           model,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		StopSequences:   req.StopSequences,
		Stream:          req.Stream,
		SystemPrompt:    blocksText(req.System),
		Extra:           extraFields(body, anthropicKnownKeys),
	}

	for _, m := range req.Messages {
		canonical.Messages = append(canonical.Messages, models.CanonicalMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	return canonical, nil
}

// AnthropicResponse is the non-streaming messages-API reply body.
type AnthropicResponse struct {
	ID           string                `json:"id"`
	Type         string                `json:"type"`
	Role         string                `json:"role"`
	Content      []models.ContentBlock `json:"content"`
	Model        string                `json:"model"`
	StopReason   string                `json:"stop_reason"`
	StopSequence *string               `json:"stop_sequence"`
	Usage        models.Usage          `json:"usage"`
}

// ToAnthropicResponse renders the canonical response as a messages reply.
func ToAnthropicResponse(resp *models.CanonicalResponse) *AnthropicResponse {
	content := resp.Content
	if content == nil {
		content = []models.ContentBlock{}
	}
	return &AnthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      resp.Model,
		StopReason: resp.StopReason,
		Usage:      resp.Usage,
	}
}
