package quota

import "github.com/quotagate/quotagate/internal/shared/models"

// charsPerToken is the rough bytes-per-token ratio used for admission
// estimates. Admission only needs a conservative upper bound; actual billing
// uses the upstream's reported usage.
const charsPerToken = 4

// Estimate returns the admission-time cost bound for a request: the
// approximate input token count plus the full requested output budget. An
// over-budget streaming request is therefore rejected before any upstream
// traffic.
func Estimate(req *models.CanonicalRequest) int64 {
	chars := len(req.SystemPrompt)
	for _, m := range req.Messages {
		chars += len(m.Role)
		for _, b := range m.Content {
			chars += len(b.Text) + len(b.Raw)
		}
	}

	input := int64(chars/charsPerToken) + 1
	return input + int64(req.MaxOutputTokens)
}
