package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/quotagate/quotagate/internal/gateway/gatewayerr"
)

// Stream reads the upstream SSE connection and yields abstract events.
// Inter-chunk silence is bounded by an idle watchdog that cancels the
// request context; Recv maps that cancellation to a timeout error.
type Stream struct {
	resp   *http.Response
	reader *bufio.Reader
	cancel context.CancelFunc

	idle       *time.Timer
	idleWindow time.Duration
	idleFired  atomic.Bool
}

func newStream(resp *http.Response, reader *bufio.Reader, cancel context.CancelFunc, idleTimeout time.Duration) *Stream {
	s := &Stream{resp: resp, reader: reader, cancel: cancel, idleWindow: idleTimeout}
	if idleTimeout > 0 {
		s.idle = time.AfterFunc(idleTimeout, func() {
			s.idleFired.Store(true)
			cancel()
		})
	}
	return s
}

// wire shapes for the upstream SSE event payloads.
type ssePayload struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens int64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Recv returns the next abstract event. io.EOF signals a clean end of
// stream after message_stop; any other error means the stream broke and no
// further events will follow.
func (s *Stream) Recv() (Event, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if s.idleFired.Load() {
				return Event{}, gatewayerr.UpstreamTimeout(errors.New("no upstream output within idle window"))
			}
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, classify(err)
		}

		if s.idle != nil {
			s.idle.Reset(s.idleWindow)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload[0] != '{' {
			continue
		}

		var p ssePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			continue
		}

		switch p.Type {
		case "message_start":
			ev := Event{Type: EventMessageStart}
			if p.Message != nil {
				ev.MessageID = p.Message.ID
				ev.Model = p.Message.Model
				ev.InputTokens = p.Message.Usage.InputTokens
			}
			return ev, nil
		case "content_block_start":
			return Event{Type: EventBlockStart, BlockIndex: p.Index}, nil
		case "content_block_delta":
			if p.Delta == nil || p.Delta.Text == "" {
				continue
			}
			return Event{Type: EventTextDelta, BlockIndex: p.Index, Text: p.Delta.Text}, nil
		case "content_block_stop":
			return Event{Type: EventBlockStop, BlockIndex: p.Index}, nil
		case "message_delta":
			ev := Event{Type: EventMessageDelta}
			if p.Delta != nil {
				ev.StopReason = p.Delta.StopReason
			}
			if p.Usage != nil {
				ev.OutputTokens = p.Usage.OutputTokens
			}
			return ev, nil
		case "message_stop":
			return Event{Type: EventMessageStop}, nil
		case "ping":
			return Event{Type: EventPing}, nil
		case "error":
			msg := "upstream stream error"
			if p.Error != nil && p.Error.Message != "" {
				msg = p.Error.Message
			}
			return Event{}, gatewayerr.UpstreamNetwork(errors.New(msg))
		default:
			continue
		}
	}
}

// Close tears down the stream and the underlying connection. Safe to call
// after an error or caller disconnect.
func (s *Stream) Close() error {
	if s.idle != nil {
		s.idle.Stop()
	}
	s.cancel()
	if s.resp != nil && s.resp.Body != nil {
		return s.resp.Body.Close()
	}
	return nil
}
