package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotagate/quotagate/internal/gateway/gatewayerr"
	"github.com/quotagate/quotagate/internal/shared/models"
)

func TestFromOpenAIRequest_Basic(t *testing.T) {
	body := []byte(`{
		"model": "upstream-large",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi"}
		],
		"max_tokens": 256,
		"temperature": 0.5,
		"stream": true
	}`)

	req, err := FromOpenAIRequest(body, "", 4096)
	require.NoError(t, err)
	assert.Equal(t, "upstream-large", req.Model)
	assert.Equal(t, 256, req.MaxOutputTokens)
	assert.True(t, req.Stream)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.5, float64(*req.Temperature), 1e-6)

	// The system message leaves the message list and becomes the prompt.
	assert.Equal(t, "be brief", req.SystemPrompt)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[0].Content[0].Text)
}

func TestFromOpenAIRequest_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"m","messages":[]}`},
		{"not json", `{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromOpenAIRequest([]byte(tc.body), "", 4096)
			require.Error(t, err)
			ge := gatewayerr.From(err)
			assert.Equal(t, gatewayerr.KindValidation, ge.Kind)
			assert.Equal(t, 400, ge.Status)
		})
	}
}

func TestFromOpenAIRequest_DefaultMaxTokens(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	req, err := FromOpenAIRequest(body, "", 4096)
	require.NoError(t, err)
	assert.Equal(t, 4096, req.MaxOutputTokens)
}

func TestFromOpenAIRequest_PinnedModelWins(t *testing.T) {
	body := []byte(`{"model":"caller-choice","messages":[{"role":"user","content":"hi"}]}`)
	req, err := FromOpenAIRequest(body, "pinned-model", 4096)
	require.NoError(t, err)
	assert.Equal(t, "pinned-model", req.Model)
}

func TestFromOpenAIRequest_StopStringOrList(t *testing.T) {
	one := []byte(`{"model":"m","messages":[{"role":"user","content":"x"}],"stop":"END"}`)
	req, err := FromOpenAIRequest(one, "", 4096)
	require.NoError(t, err)
	assert.Equal(t, []string{"END"}, []string(req.StopSequences))

	many := []byte(`{"model":"m","messages":[{"role":"user","content":"x"}],"stop":["a","b"]}`)
	req, err = FromOpenAIRequest(many, "", 4096)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, []string(req.StopSequences))
}

func TestFromOpenAIRequest_ExtrasCarried(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"x"}],"metadata":{"user_id":"u1"},"logit_bias":{"50256":-100}}`)
	req, err := FromOpenAIRequest(body, "", 4096)
	require.NoError(t, err)
	require.Contains(t, req.Extra, "metadata")
	require.Contains(t, req.Extra, "logit_bias")
	assert.NotContains(t, req.Extra, "model")
	assert.NotContains(t, req.Extra, "messages")
}

func TestFromOpenAIRequest_MultipleSystemMessagesJoined(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [
			{"role": "system", "content": "You are terse."},
			{"role": "system", "content": "Answer in French."},
			{"role": "user", "content": "hi"}
		]
	}`)

	req, err := FromOpenAIRequest(body, "", 1024)
	require.NoError(t, err)
	assert.Equal(t, "You are terse.\nAnswer in French.", req.SystemPrompt)
}

func TestFromAnthropicRequest_Basic(t *testing.T) {
	body := []byte(`{
		"model": "upstream-large",
		"max_tokens": 1024,
		"system": "stay focused",
		"messages": [
			{"role": "user", "content": [{"type": "text", "text": "hello"}]}
		],
		"top_k": 40,
		"stop_sequences": ["STOP"]
	}`)

	req, err := FromAnthropicRequest(body, "")
	require.NoError(t, err)
	assert.Equal(t, "upstream-large", req.Model)
	assert.Equal(t, 1024, req.MaxOutputTokens)
	assert.Equal(t, "stay focused", req.SystemPrompt)
	require.NotNil(t, req.TopK)
	assert.Equal(t, 40, *req.TopK)
	assert.Equal(t, []string{"STOP"}, req.StopSequences)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hello", req.Messages[0].Content[0].Text)
}

func TestFromAnthropicRequest_MaxTokensRequired(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	_, err := FromAnthropicRequest(body, "")
	require.Error(t, err)
	assert.Equal(t, gatewayerr.KindValidation, gatewayerr.From(err).Kind)
}

func TestFromAnthropicRequest_PinnedModelWins(t *testing.T) {
	body := []byte(`{"model":"caller-choice","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)
	req, err := FromAnthropicRequest(body, "pinned-model")
	require.NoError(t, err)
	assert.Equal(t, "pinned-model", req.Model)
}

func TestUnknownBlockTypesPassThrough(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"max_tokens": 10,
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "look at this"},
				{"type": "image", "source": {"type": "base64", "data": "abcd"}}
			]}
		]
	}`)

	req, err := FromAnthropicRequest(body, "")
	require.NoError(t, err)
	require.Len(t, req.Messages[0].Content, 2)

	img := req.Messages[0].Content[1]
	assert.Equal(t, "image", img.Type)

	// The raw payload survives re-serialization untouched.
	out, err := json.Marshal(img)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"image","source":{"type":"base64","data":"abcd"}}`, string(out))
}

func TestToOpenAIResponse_FieldMapping(t *testing.T) {
	resp := &models.CanonicalResponse{
		ID:         "msg_123",
		Model:      "upstream-large",
		Role:       "assistant",
		Content:    []models.ContentBlock{models.TextBlock("hi "), models.TextBlock("there")},
		StopReason: "max_tokens",
		Usage:      models.Usage{InputTokens: 10, OutputTokens: 20},
	}

	out := ToOpenAIResponse(resp)
	assert.Equal(t, "chat.completion", out.Object)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "hi there", out.Choices[0].Message.Content)
	assert.EqualValues(t, "length", out.Choices[0].FinishReason)
	assert.Equal(t, 10, out.Usage.PromptTokens)
	assert.Equal(t, 20, out.Usage.CompletionTokens)
	assert.Equal(t, 30, out.Usage.TotalTokens)
}

func TestToAnthropicResponse_FieldMapping(t *testing.T) {
	resp := &models.CanonicalResponse{
		ID:         "msg_123",
		Model:      "upstream-large",
		Role:       "assistant",
		Content:    []models.ContentBlock{models.TextBlock("hello")},
		StopReason: "end_turn",
		Usage:      models.Usage{InputTokens: 10, OutputTokens: 20},
	}

	out := ToAnthropicResponse(resp)
	assert.Equal(t, "message", out.Type)
	assert.Equal(t, "assistant", out.Role)
	assert.Equal(t, "end_turn", out.StopReason)
	assert.EqualValues(t, 10, out.Usage.InputTokens)
	assert.EqualValues(t, 20, out.Usage.OutputTokens)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "stop_reason")
	assert.Contains(t, decoded, "content")
	assert.NotContains(t, decoded, "choices")
}

func TestFinishReasonFromStop(t *testing.T) {
	assert.Equal(t, "stop", FinishReasonFromStop("end_turn"))
	assert.Equal(t, "stop", FinishReasonFromStop("stop_sequence"))
	assert.Equal(t, "length", FinishReasonFromStop("max_tokens"))
	assert.Equal(t, "tool_calls", FinishReasonFromStop("tool_use"))
}
