package stream

import (
	"encoding/json"

	"github.com/quotagate/quotagate/internal/gateway/upstream"
)

// AnthropicRenderer emits the messages streaming grammar: exactly one
// message_start and message_stop per stream, a content_block_start/stop pair
// around every contiguous delta run, message_delta with the final stop
// reason and usage before message_stop, and pass-through pings that never
// advance the block index.
type AnthropicRenderer struct {
	state        state
	id           string
	model        string
	blockIndex   int
	blockOpen    bool
	stopReason   string
	inputTokens  int64
	outputTokens int64
}

// NewAnthropicRenderer builds a renderer for one connection. id and model
// are fallbacks used until the upstream announces its own.
func NewAnthropicRenderer(id, model string) *AnthropicRenderer {
	return &AnthropicRenderer{id: id, model: model}
}

func frame(event string, payload any) Frame {
	data, _ := json.Marshal(payload)
	return Frame{Event: event, Data: data}
}

func (r *AnthropicRenderer) messageStart() Frame {
	return frame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            r.id,
			"type":          "message",
			"role":          "assistant",
			"model":         r.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  r.inputTokens,
				"output_tokens": 0,
			},
		},
	})
}

func (r *AnthropicRenderer) blockStart(index int) Frame {
	return frame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
}

func (r *AnthropicRenderer) blockStop(index int) Frame {
	return frame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})
}

func (r *AnthropicRenderer) start() []Frame {
	r.state = stateStarted
	r.blockOpen = true
	return []Frame{r.messageStart(), r.blockStart(0)}
}

// Render implements Renderer.
func (r *AnthropicRenderer) Render(ev upstream.Event) []Frame {
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
		r.inputTokens = ev.InputTokens
		if r.state == stateNotStarted {
			return r.start()
		}
		return nil

	case upstream.EventBlockStart:
		var frames []Frame
		if r.state == stateNotStarted {
			frames = r.start()
		}
		// Block 0 is opened as part of the start framing; only a new
		// upstream segment advances the index.
		if ev.BlockIndex == r.blockIndex && r.blockOpen {
			return frames
		}
		if r.blockOpen {
			frames = append(frames, r.blockStop(r.blockIndex))
		}
		r.blockIndex = ev.BlockIndex
		r.blockOpen = true
		frames = append(frames, r.blockStart(r.blockIndex))
		return frames

	case upstream.EventTextDelta:
		var frames []Frame
		if r.state == stateNotStarted {
			frames = r.start()
		}
		r.state = stateStreaming
		frames = append(frames, frame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": r.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		}))
		return frames

	case upstream.EventBlockStop:
		if !r.blockOpen {
			return nil
		}
		r.blockOpen = false
		return []Frame{r.blockStop(r.blockIndex)}

	case upstream.EventMessageDelta:
		r.stopReason = ev.StopReason
		r.outputTokens = ev.OutputTokens
		return nil

	case upstream.EventMessageStop:
		return r.Finish()

	case upstream.EventPing:
		return []Frame{frame("ping", map[string]any{"type": "ping"})}

	default:
		return nil
	}
}

// Finish implements Renderer.
func (r *AnthropicRenderer) Finish() []Frame {
	if r.state == stateDone || r.state == stateErrored {
		return nil
	}
	started := r.state != stateNotStarted
	r.state = stateStopping

	var frames []Frame
	if !started {
		// Empty upstream output still yields a well-formed grammar.
		frames = append(frames, r.messageStart(), r.blockStart(0))
		r.blockOpen = true
	}
	if r.blockOpen {
		frames = append(frames, r.blockStop(r.blockIndex))
		r.blockOpen = false
	}

	stopReason := r.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	frames = append(frames,
		frame("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
			"usage": map[string]any{"output_tokens": r.outputTokens},
		}),
		frame("message_stop", map[string]any{"type": "message_stop"}),
	)
	r.state = stateDone
	return frames
}

// Fail implements Renderer.
func (r *AnthropicRenderer) Fail() {
	if r.state != stateDone {
		r.state = stateErrored
	}
}
