package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotagate/quotagate/internal/gateway/upstream"
)

// drive feeds a scripted event sequence through a renderer and returns the
// full SSE output plus the frame list.
func drive(r Renderer, events []upstream.Event, eof bool) (string, []Frame) {
	var frames []Frame
	for _, ev := range events {
		frames = append(frames, r.Render(ev)...)
	}
	if eof {
		frames = append(frames, r.Finish()...)
	}
	var buf bytes.Buffer
	for _, f := range frames {
		_, _ = f.WriteTo(&buf)
	}
	return buf.String(), frames
}

func textStream(deltas ...string) []upstream.Event {
	events := []upstream.Event{
		{Type: upstream.EventMessageStart, MessageID: "msg_1", Model: "upstream-large", InputTokens: 7},
		{Type: upstream.EventBlockStart, BlockIndex: 0},
	}
	for _, d := range deltas {
		events = append(events, upstream.Event{Type: upstream.EventTextDelta, Text: d})
	}
	events = append(events,
		upstream.Event{Type: upstream.EventBlockStop, BlockIndex: 0},
		upstream.Event{Type: upstream.EventMessageDelta, StopReason: "end_turn", OutputTokens: int64(len(deltas))},
		upstream.Event{Type: upstream.EventMessageStop},
	)
	return events
}

func countOccurrences(s, sub string) int { return strings.Count(s, sub) }

func TestOpenAIRenderer_EndsWithSingleDone(t *testing.T) {
	for _, deltas := range [][]string{{}, {"one"}, {"a", "b", "c", "d"}} {
		out, _ := drive(NewOpenAIRenderer("fallback", "m"), textStream(deltas...), false)

		require.Equal(t, 1, countOccurrences(out, "data: [DONE]"))
		// Nothing after the sentinel.
		assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))

		for _, d := range deltas {
			assert.Contains(t, out, d)
		}
	}
}

func TestOpenAIRenderer_ChunkShape(t *testing.T) {
	out, frames := drive(NewOpenAIRenderer("fallback", "m"), textStream("hello"), false)
	assert.Contains(t, out, `"chat.completion.chunk"`)

	// First chunk carries the role, middle ones the content, the last
	// non-sentinel one the finish reason.
	first := decodeChunk(t, frames[0].Data)
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)

	var sawContent, sawFinish bool
	for _, f := range frames {
		if bytes.Equal(f.Data, []byte("[DONE]")) {
			continue
		}
		c := decodeChunk(t, f.Data)
		if c.Choices[0].Delta.Content == "hello" {
			sawContent = true
		}
		if c.Choices[0].FinishReason == "stop" {
			sawFinish = true
		}
		assert.Equal(t, "msg_1", c.ID, "upstream message id propagates")
	}
	assert.True(t, sawContent)
	assert.True(t, sawFinish)
}

type chunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func decodeChunk(t *testing.T, data []byte) chunk {
	t.Helper()
	var c chunk
	require.NoError(t, json.Unmarshal(data, &c))
	require.Len(t, c.Choices, 1)
	return c
}

func TestOpenAIRenderer_NoFramesAfterFail(t *testing.T) {
	r := NewOpenAIRenderer("fallback", "m")
	r.Render(upstream.Event{Type: upstream.EventMessageStart})
	r.Render(upstream.Event{Type: upstream.EventTextDelta, Text: "partial"})
	r.Fail()

	assert.Empty(t, r.Render(upstream.Event{Type: upstream.EventTextDelta, Text: "late"}))
	assert.Empty(t, r.Finish())
}

func TestAnthropicRenderer_GrammarWellFormed(t *testing.T) {
	for _, deltas := range [][]string{{}, {"one"}, {"a", "b", "c", "d"}} {
		out, _ := drive(NewAnthropicRenderer("msg_f", "m"), textStream(deltas...), false)

		assert.Equal(t, 1, countOccurrences(out, "event: message_start\n"), "deltas=%v", deltas)
		assert.Equal(t, 1, countOccurrences(out, "event: message_stop\n"), "deltas=%v", deltas)
		assert.Equal(t, 1, countOccurrences(out, "event: message_delta\n"), "deltas=%v", deltas)
		assert.Equal(t,
			countOccurrences(out, "event: content_block_start\n"),
			countOccurrences(out, "event: content_block_stop\n"),
			"every block start has a stop, deltas=%v", deltas)
		assert.Equal(t, len(deltas), countOccurrences(out, "event: content_block_delta\n"))

		// message_delta carries the final stop reason and usage.
		assert.Contains(t, out, `"stop_reason":"end_turn"`)
	}
}

func TestAnthropicRenderer_EventOrdering(t *testing.T) {
	out, _ := drive(NewAnthropicRenderer("msg_f", "m"), textStream("x"), false)

	order := []string{
		"event: message_start",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: message_delta",
		"event: message_stop",
	}
	last := -1
	for _, name := range order {
		idx := strings.Index(out, name)
		require.GreaterOrEqual(t, idx, 0, "missing %s", name)
		require.Greater(t, idx, last, "%s out of order", name)
		last = idx
	}
}

func TestAnthropicRenderer_PingDoesNotAdvanceBlockIndex(t *testing.T) {
	r := NewAnthropicRenderer("msg_f", "m")
	events := []upstream.Event{
		{Type: upstream.EventMessageStart, MessageID: "msg_1"},
		{Type: upstream.EventBlockStart, BlockIndex: 0},
		{Type: upstream.EventTextDelta, Text: "a"},
		{Type: upstream.EventPing},
		{Type: upstream.EventTextDelta, Text: "b"},
		{Type: upstream.EventBlockStop, BlockIndex: 0},
		{Type: upstream.EventMessageDelta, StopReason: "end_turn"},
		{Type: upstream.EventMessageStop},
	}
	out, _ := drive(r, events, false)

	assert.Equal(t, 1, countOccurrences(out, "event: ping\n"))
	assert.Equal(t, 1, countOccurrences(out, "event: content_block_start\n"))
	assert.Equal(t, 2, countOccurrences(out, "event: content_block_delta\n"))
	assert.Zero(t, countOccurrences(out, `"index":1`), "ping must not advance the block index")
}

func TestAnthropicRenderer_NewBlockAdvancesIndex(t *testing.T) {
	r := NewAnthropicRenderer("msg_f", "m")
	events := []upstream.Event{
		{Type: upstream.EventMessageStart, MessageID: "msg_1"},
		{Type: upstream.EventBlockStart, BlockIndex: 0},
		{Type: upstream.EventTextDelta, BlockIndex: 0, Text: "first"},
		{Type: upstream.EventBlockStop, BlockIndex: 0},
		{Type: upstream.EventBlockStart, BlockIndex: 1},
		{Type: upstream.EventTextDelta, BlockIndex: 1, Text: "second"},
		{Type: upstream.EventBlockStop, BlockIndex: 1},
		{Type: upstream.EventMessageDelta, StopReason: "end_turn"},
		{Type: upstream.EventMessageStop},
	}
	out, _ := drive(r, events, false)

	assert.Equal(t, 2, countOccurrences(out, "event: content_block_start\n"))
	assert.Equal(t, 2, countOccurrences(out, "event: content_block_stop\n"))
	assert.Contains(t, out, `"index":1`)
}

func TestAnthropicRenderer_FinishWithoutMessageStop(t *testing.T) {
	// Upstream EOF before message_stop still closes the grammar cleanly.
	r := NewAnthropicRenderer("msg_f", "m")
	events := []upstream.Event{
		{Type: upstream.EventMessageStart, MessageID: "msg_1"},
		{Type: upstream.EventTextDelta, Text: "cut off"},
	}
	out, _ := drive(r, events, true)

	assert.Equal(t, 1, countOccurrences(out, "event: message_stop\n"))
	assert.Equal(t, 1, countOccurrences(out, "event: content_block_stop\n"))
}

func TestAnthropicRenderer_NoFramesAfterFail(t *testing.T) {
	r := NewAnthropicRenderer("msg_f", "m")
	r.Render(upstream.Event{Type: upstream.EventMessageStart})
	r.Fail()

	assert.Empty(t, r.Render(upstream.Event{Type: upstream.EventTextDelta, Text: "late"}))
	assert.Empty(t, r.Finish())
}

func TestFrameWriteTo(t *testing.T) {
	var buf bytes.Buffer
	_, err := Frame{Event: "ping", Data: []byte(`{"type":"ping"}`)}.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "event: ping\ndata: {\"type\":\"ping\"}\n\n", buf.String())

	buf.Reset()
	_, err = Frame{Data: []byte("[DONE]")}.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "data: [DONE]\n\n", buf.String())
}
