// Package upstream calls the single completion service behind the gateway
// and exposes its output either as a completed canonical response or as a
// stream of abstract events.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quotagate/quotagate/internal/gateway/gatewayerr"
	"github.com/quotagate/quotagate/internal/shared/models"
)

const apiVersion = "2023-06-01"

// extraSlots are the pass-through parameters the upstream schema has a slot
// for. Extras outside this set are ignored explicitly, not an error.
var extraSlots = map[string]bool{
	"metadata":     true,
	"tools":        true,
	"tool_choice":  true,
	"service_tier": true,
	"top_k":        true,
}

type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	idleTimeout time.Duration
}

// Options configures the upstream client transport.
type Options struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// NewClient builds the upstream client. The HTTP client carries no overall
// timeout so streams can run long; non-streaming calls bound themselves with
// a context deadline, streams with the inter-chunk watchdog.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		httpClient:  &http.Client{Transport: transport},
		idleTimeout: opts.IdleTimeout,
	}
}

// request is the upstream messages-schema body.
type request struct {
	Model         string                    `json:"model"`
	Messages      []models.CanonicalMessage `json:"messages"`
	MaxTokens     int                       `json:"max_tokens"`
	System        string                    `json:"system,omitempty"`
	Temperature   *float32                  `json:"temperature,omitempty"`
	TopP          *float32                  `json:"top_p,omitempty"`
	TopK          *int                      `json:"top_k,omitempty"`
	StopSequences []string                  `json:"stop_sequences,omitempty"`
	Stream        bool                      `json:"stream,omitempty"`
}

// response is the upstream non-streaming reply.
type response struct {
	ID         string                `json:"id"`
	Type       string                `json:"type"`
	Role       string                `json:"role"`
	Content    []models.ContentBlock `json:"content"`
	Model      string                `json:"model"`
	StopReason string                `json:"stop_reason"`
	Usage      models.Usage          `json:"usage"`
}

func (c *Client) buildBody(req *models.CanonicalRequest, stream bool) ([]byte, error) {
	base, err := json.Marshal(request{
		Model:         req.Model,
		Messages:      req.Messages,
		MaxTokens:     req.MaxOutputTokens,
		System:        req.SystemPrompt,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
		Stream:        stream,
	})
	if err != nil {
		return nil, err
	}
	if len(req.Extra) == 0 {
		return base, nil
	}

	// Splice pass-through extras into the body where the upstream has a
	// matching slot; everything else is dropped here, deliberately. A slot
	// already filled from a canonical field is never overwritten.
	var body map[string]json.RawMessage
	if err := json.Unmarshal(base, &body); err != nil {
		return nil, err
	}
	for k, v := range req.Extra {
		if _, taken := body[k]; taken {
			continue
		}
		if extraSlots[k] {
			body[k] = v
		}
	}
	return json.Marshal(body)
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

// Complete performs a non-streaming completion.
func (c *Client) Complete(ctx context.Context, req *models.CanonicalRequest) (*models.CanonicalResponse, error) {
	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classify(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, httpError(httpResp.StatusCode, respBody)
	}

	var out response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, gatewayerr.UpstreamNetwork(fmt.Errorf("failed to parse upstream response: %w", err))
	}

	return &models.CanonicalResponse{
		ID:         out.ID,
		Model:      out.Model,
		Role:       out.Role,
		Content:    out.Content,
		StopReason: out.StopReason,
		Usage:      out.Usage,
	}, nil
}

// OpenStream starts a streaming completion. The returned stream owns the
// response body and must be closed by the caller.
func (c *Client) OpenStream(ctx context.Context, req *models.CanonicalRequest) (EventStream, error) {
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := c.newRequest(streamCtx, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, classify(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer cancel()
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, httpError(httpResp.StatusCode, respBody)
	}

	return newStream(httpResp, bufio.NewReaderSize(httpResp.Body, 32*1024), cancel, c.idleTimeout), nil
}
