// Package stream re-packages the upstream's incremental output into each
// public protocol's streaming grammar. The two renderers are independent
// state machines over the same abstract event stream; neither touches the
// other's framing.
package stream

import (
	"fmt"
	"io"
	"net/http"

	"github.com/quotagate/quotagate/internal/gateway/upstream"
)

// Frame is one SSE frame ready to flush to the caller.
type Frame struct {
	// Event is the SSE event name; empty for bare data frames.
	Event string
	Data  []byte
}

// WriteTo writes the frame in SSE wire form.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	var n int
	var err error
	if f.Event != "" {
		n, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, f.Data)
	} else {
		n, err = fmt.Fprintf(w, "data: %s\n\n", f.Data)
	}
	return int64(n), err
}

// Renderer turns abstract upstream events into protocol frames. Renderers
// hold per-request state only; one renderer serves exactly one connection.
type Renderer interface {
	// Render returns the frames this event produces, possibly none.
	Render(ev upstream.Event) []Frame
	// Finish returns the closing frames if the stream ended without the
	// upstream's own terminal event. Idempotent.
	Finish() []Frame
	// Fail moves the renderer to its terminal error state. No frame is
	// emitted: a fault mid-stream must never produce a malformed partial
	// event.
	Fail()
}

// state is the per-connection transcoder lifecycle.
type state int

const (
	stateNotStarted state = iota
	stateStarted
	stateStreaming
	stateStopping
	stateDone
	stateErrored
)

// Flush writes frames to the response, flushing after each one so the
// caller sees tokens as they are produced.
func Flush(w http.ResponseWriter, flusher http.Flusher, frames []Frame) error {
	for _, f := range frames {
		if _, err := f.WriteTo(w); err != nil {
			return err
		}
		flusher.Flush()
	}
	return nil
}
