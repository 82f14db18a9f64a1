package stream

import (
	"encoding/json"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/quotagate/quotagate/internal/gateway/translate"
	"github.com/quotagate/quotagate/internal/gateway/upstream"
)

// OpenAIRenderer emits the chat-completions streaming grammar: plain
// data-framed chunks, a final chunk carrying finish_reason, then exactly one
// [DONE] sentinel with nothing after it.
type OpenAIRenderer struct {
	state      state
	id         string
	model      string
	created    int64
	stopReason string
}

// NewOpenAIRenderer builds a renderer for one connection. id and model are
// fallbacks used until the upstream announces its own.
func NewOpenAIRenderer(id, model string) *OpenAIRenderer {
	return &OpenAIRenderer{
		id:      id,
		model:   model,
		created: time.Now().Unix(),
	}
}

func (r *OpenAIRenderer) chunk(delta openai.ChatCompletionStreamChoiceDelta, finishReason string) Frame {
	c := openai.ChatCompletionStreamResponse{
		ID:      r.id,
		Object:  "chat.completion.chunk",
		Created: r.created,
		Model:   r.model,
		Choices: []openai.ChatCompletionStreamChoice{
			{
				Index:        0,
				Delta:        delta,
				FinishReason: openai.FinishReason(finishReason),
			},
		},
	}
	data, _ := json.Marshal(c)
	return Frame{Data: data}
}

func (r *OpenAIRenderer) start() []Frame {
	r.state = stateStarted
	return []Frame{r.chunk(openai.ChatCompletionStreamChoiceDelta{Role: "assistant"}, "")}
}

// Render implements Renderer.
func (r *OpenAIRenderer) Render(ev upstream.Event) []Frame {
	if r.state == stateDone || r.state == stateErrored {
		return nil
	}

	switch ev.Type {
	case upstream.EventMessageStart:
		if ev.MessageID != "" {
			r.id = ev.MessageID
		}
		if ev.Model != "" {
			r.model = ev.Model
		}
		if r.state == stateNotStarted {
			return r.start()
		}
		return nil

	case upstream.EventTextDelta:
		var frames []Frame
		if r.state == stateNotStarted {
			frames = r.start()
		}
		r.state = stateStreaming
		frames = append(frames, r.chunk(openai.ChatCompletionStreamChoiceDelta{Content: ev.Text}, ""))
		return frames

	case upstream.EventMessageDelta:
		r.stopReason = ev.StopReason
		return nil

	case upstream.EventMessageStop:
		return r.Finish()

	default:
		// Block boundaries and pings have no chat-completions framing.
		return nil
	}
}

// Finish implements Renderer.
func (r *OpenAIRenderer) Finish() []Frame {
	if r.state == stateDone || r.state == stateErrored {
		return nil
	}
	started := r.state != stateNotStarted
	r.state = stateStopping

	var frames []Frame
	if started {
		frames = append(frames, r.chunk(
			openai.ChatCompletionStreamChoiceDelta{},
			translate.FinishReasonFromStop(r.stopReason),
		))
	}
	frames = append(frames, Frame{Data: []byte("[DONE]")})
	r.state = stateDone
	return frames
}

// Fail implements Renderer.
func (r *OpenAIRenderer) Fail() {
	if r.state != stateDone {
		r.state = stateErrored
	}
}
