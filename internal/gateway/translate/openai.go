package translate

import (
	"encoding/json"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/quotagate/quotagate/internal/gateway/gatewayerr"
	"github.com/quotagate/quotagate/internal/shared/models"
)

// OpenAIRequest is the inbound chat-completions body. Parameters the
// canonical request has no field for stay in the extras bag and forward to
// the upstream when it knows the slot.
type OpenAIRequest struct {
	Model       string           `json:"model"`
	Messages    []InboundMessage `json:"messages"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Temperature *float32         `json:"temperature,omitempty"`
	TopP        *float32         `json:"top_p,omitempty"`
	Stop        StringList       `json:"stop,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

// openAIKnownKeys are the body fields mapped onto canonical fields; anything
// else is carried through in the extras bag.
var openAIKnownKeys = map[string]bool{
	"model": true, "messages": true, "max_tokens": true,
	"temperature": true, "top_p": true, "stop": true, "stream": true,
}

// FromOpenAIRequest builds the canonical request from a chat-completions
// body. A pinned model on the credential silently replaces the caller's
// model before the canonical request exists.
func FromOpenAIRequest(body []byte, pinnedModel string, defaultMaxTokens int) (*models.CanonicalRequest, error) {
	var req OpenAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, gatewayerr.Validation("invalid request body: " + err.Error())
	}
	if req.Model == "" {
		return nil, gatewayerr.Validation("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, gatewayerr.Validation("messages must not be empty")
	}

	model := req.Model
	if pinnedModel != "" {
		model = pinnedModel
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	canonical := &models.CanonicalRequest{
		Model:           model,
		MaxOutputTokens: maxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		StopSequences:   req.Stop,
		Stream:          req.Stream,
		Extra:           extraFields(body, openAIKnownKeys),
	}

	// OpenAI carries the system prompt as a leading message; the upstream
	// schema wants it out of the message list.
	for _, m := range req.Messages {
		if m.Role == "system" {
			if canonical.SystemPrompt != "" {
				canonical.SystemPrompt += "\n"
			}
			canonical.SystemPrompt += blocksText(m.Content)
			continue
		}
		canonical.Messages = append(canonical.Messages, models.CanonicalMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if len(canonical.Messages) == 0 {
		return nil, gatewayerr.Validation("messages must contain at least one non-system message")
	}

	return canonical, nil
}

// OpenAIResponse is the non-streaming chat-completions reply body.
type OpenAIResponse struct {
	ID      string                        `json:"id"`
	Object  string                        `json:"object"`
	Created int64                         `json:"created"`
	Model   string                        `json:"model"`
	Choices []openai.ChatCompletionChoice `json:"choices"`
	Usage   openai.Usage                  `json:"usage"`
}

// ToOpenAIResponse renders the canonical response as a chat completion.
func ToOpenAIResponse(resp *models.CanonicalResponse) *OpenAIResponse {
	return &OpenAIResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: resp.Text(),
				},
				FinishReason: openai.FinishReason(FinishReasonFromStop(resp.StopReason)),
			},
		},
		Usage: openai.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.Total()),
		},
	}
}

// FinishReasonFromStop maps the upstream stop reason onto the OpenAI
// finish_reason vocabulary.
func FinishReasonFromStop(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}
