// Package handlers wires the per-request control flow: authentication,
// quota admission, translation, the upstream call, response rendering, and
// usage settlement.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quotagate/quotagate/internal/gateway/cache"
	"github.com/quotagate/quotagate/internal/gateway/gatewayerr"
	"github.com/quotagate/quotagate/internal/gateway/quota"
	"github.com/quotagate/quotagate/internal/gateway/stream"
	"github.com/quotagate/quotagate/internal/gateway/upstream"
	"github.com/quotagate/quotagate/internal/shared/models"
)

const maxBodyBytes = 10 << 20

// Upstream is the completion service contract the handlers call. Implemented
// by upstream.Client; tests substitute fakes.
type Upstream interface {
	Complete(ctx context.Context, req *models.CanonicalRequest) (*models.CanonicalResponse, error)
	OpenStream(ctx context.Context, req *models.CanonicalRequest) (upstream.EventStream, error)
}

type CompletionHandler struct {
	upstream       Upstream
	tracker        *quota.Tracker
	cache          cache.Lookup
	logger         *slog.Logger
	defaultMaxOut  int
	requestTimeout time.Duration
}

func NewCompletionHandler(up Upstream, tracker *quota.Tracker, lookup cache.Lookup, logger *slog.Logger, defaultMaxOut int, requestTimeout time.Duration) *CompletionHandler {
	return &CompletionHandler{
		upstream:       up,
		tracker:        tracker,
		cache:          lookup,
		logger:         logger,
		defaultMaxOut:  defaultMaxOut,
		requestTimeout: requestTimeout,
	}
}

// renderResponse turns the canonical response into the caller's wire shape.
type renderResponse func(*models.CanonicalResponse) any

// newRenderer builds the streaming renderer for the caller's grammar.
type newRenderer func(id, model string) stream.Renderer

// handle runs the shared admission → upstream → settlement sequence. The
// two endpoints differ only in translation and rendering.
func (h *CompletionHandler) handle(
	w http.ResponseWriter,
	r *http.Request,
	proto gatewayerr.Protocol,
	canonical *models.CanonicalRequest,
	render renderResponse,
	renderer newRenderer,
) {
	cred, ok := CredentialFrom(r.Context())
	if !ok {
		gatewayerr.Write(w, proto, gatewayerr.Authentication("missing credential"))
		return
	}

	// Admission happens before any upstream traffic; the estimate bounds
	// the whole request including the full output budget.
	estimate := quota.Estimate(canonical)
	decision := h.tracker.CheckAndReserve(cred, estimate)
	if !decision.Allowed {
		gatewayerr.Write(w, proto, gatewayerr.RateLimit(
			decision.TokensUsed, decision.TokensLimit, decision.WindowEndsAt))
		return
	}

	if canonical.Stream {
		h.streamed(w, r, proto, cred, canonical, decision, renderer)
		return
	}
	h.blocking(w, r, proto, cred, canonical, decision, render)
}

func (h *CompletionHandler) blocking(
	w http.ResponseWriter,
	r *http.Request,
	proto gatewayerr.Protocol,
	cred *models.Credential,
	canonical *models.CanonicalRequest,
	decision *quota.Decision,
	render renderResponse,
) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	resp, err := h.upstream.Complete(ctx, canonical)
	if err != nil {
		h.tracker.Release(decision)
		h.logger.Warn("upstream completion failed",
			"request_id", RequestIDFrom(r.Context()),
			"credential", cred.ID,
			"error", err)
		gatewayerr.Write(w, proto, err)
		return
	}

	if err := h.settle(cred, decision, resp.Usage.Total()); err != nil {
		gatewayerr.Write(w, proto, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(render(resp))
}

func (h *CompletionHandler) streamed(
	w http.ResponseWriter,
	r *http.Request,
	proto gatewayerr.Protocol,
	cred *models.Credential,
	canonical *models.CanonicalRequest,
	decision *quota.Decision,
	renderer newRenderer,
) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.tracker.Release(decision)
		gatewayerr.Write(w, proto, gatewayerr.Internal("streaming not supported", nil))
		return
	}

	es, err := h.upstream.OpenStream(r.Context(), canonical)
	if err != nil {
		h.tracker.Release(decision)
		h.logger.Warn("upstream stream open failed",
			"request_id", RequestIDFrom(r.Context()),
			"credential", cred.ID,
			"error", err)
		gatewayerr.Write(w, proto, err)
		return
	}
	defer es.Close()

	rd := renderer(fallbackMessageID(proto), canonical.Model)
	var usage models.Usage
	headersSent := false
	var streamErr error

	flush := func(frames []stream.Frame) bool {
		if len(frames) == 0 {
			return true
		}
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			headersSent = true
		}
		if err := stream.Flush(w, flusher, frames); err != nil {
			// Caller went away; stop consuming upstream output.
			streamErr = err
			return false
		}
		return true
	}

loop:
	for {
		ev, err := es.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush(rd.Finish())
				break
			}
			// A fault mid-stream cannot retroactively change headers.
			// Before the first byte it becomes a normal error response;
			// after it, the stream just terminates.
			rd.Fail()
			streamErr = err
			break
		}

		switch ev.Type {
		case upstream.EventMessageStart:
			usage.InputTokens = ev.InputTokens
		case upstream.EventMessageDelta:
			usage.OutputTokens = ev.OutputTokens
		}

		done := ev.Type == upstream.EventMessageStop
		if !flush(rd.Render(ev)) {
			break
		}
		if done {
			break loop
		}
	}

	if streamErr != nil && usage.Total() == 0 && !headersSent {
		// Nothing billable happened and nothing was flushed: the caller
		// still gets a clean JSON error.
		h.tracker.Release(decision)
		gatewayerr.Write(w, proto, streamErr)
		return
	}

	if streamErr != nil {
		h.logger.Warn("stream terminated early",
			"request_id", RequestIDFrom(r.Context()),
			"credential", cred.ID,
			"tokens_attributed", usage.Total(),
			"error", streamErr)
	}

	// Tokens attributed before a failure are still billed; a broken stream
	// with zero output just releases the reservation.
	if usage.Total() == 0 && streamErr != nil {
		h.tracker.Release(decision)
		return
	}
	if err := h.settle(cred, decision, usage.Total()); err != nil && !headersSent {
		gatewayerr.Write(w, proto, err)
	}
}

// settle records actual usage and refreshes the lookup cache. The caller's
// request context may already be gone (disconnects), so the write gets its
// own deadline.
func (h *CompletionHandler) settle(cred *models.Credential, decision *quota.Decision, tokens int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := h.tracker.Settle(ctx, decision, tokens)
	h.cache.Invalidate(ctx, cred.ID)
	return err
}

func fallbackMessageID(proto gatewayerr.Protocol) string {
	if proto == gatewayerr.ProtocolAnthropic {
		return "msg_" + uuid.NewString()
	}
	return "chatcmpl-" + uuid.NewString()
}

// readBody reads the request body under the size cap.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, gatewayerr.Validation("failed to read request body")
	}
	return body, nil
}
