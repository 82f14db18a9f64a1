package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/quotagate/quotagate/internal/gateway/gatewayerr"
)

// classify maps a transport-level failure onto the gateway taxonomy.
// Timeouts (connect deadline, TLS handshake, idle watchdog) are a distinct
// kind from connection refused/reset/DNS failures.
func classify(err error) *gatewayerr.Error {
	var ge *gatewayerr.Error
	if errors.As(err, &ge) {
		return ge
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return gatewayerr.UpstreamTimeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gatewayerr.UpstreamTimeout(err)
	}
	return gatewayerr.UpstreamNetwork(err)
}

// upstreamErrorBody is the error envelope the upstream returns on non-2xx.
type upstreamErrorBody struct {
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// httpError propagates an upstream non-2xx status, carrying the upstream's
// own message through so the caller sees the same semantics re-wrapped in
// its protocol's envelope.
func httpError(status int, body []byte) *gatewayerr.Error {
	var parsed upstreamErrorBody
	msg := ""
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		msg = parsed.Error.Message
	}
	return gatewayerr.UpstreamHTTP(status, msg)
}
