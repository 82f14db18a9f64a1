package models

import (
	"encoding/json"
	"time"
)

// WindowDuration is the length of the rolling quota window.
const WindowDuration = 5 * time.Hour

// UsageWindow records the tokens billed for one settled request.
type UsageWindow struct {
	WindowStart time.Time `json:"window_start"`
	TokensUsed  int64     `json:"tokens_used"`
}

// Credential is a gateway API key record
type Credential struct {
	ID              string
	Name            string
	Model           string // optional pinned upstream model; empty = pass through
	TokenLimitPer5h int64
	ExpiryAt        time.Time
	CreatedAt       time.Time
	LastUsedAt      *time.Time
	LifetimeTokens  int64
	UsageWindows    []UsageWindow
}

// Valid reports whether the credential may be used right now.
// Expiry is strict: a credential whose expiry equals now is already expired.
func (c *Credential) Valid(now time.Time) bool {
	return now.Before(c.ExpiryAt)
}

// RollingUsage sums tokens over windows inside the trailing lookback.
// The boundary is exclusive: an entry exactly WindowDuration old is out.
func (c *Credential) RollingUsage(now time.Time) int64 {
	horizon := now.Add(-WindowDuration)
	var sum int64
	for _, w := range c.UsageWindows {
		if w.WindowStart.After(horizon) {
			sum += w.TokensUsed
		}
	}
	return sum
}

// CanonicalMessage is one turn of the conversation in the upstream schema.
type CanonicalMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a typed content segment. Only text blocks are interpreted;
// unrecognized types keep their raw payload and pass through untouched.
type ContentBlock struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// MarshalJSON emits the raw payload verbatim for pass-through blocks.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if b.Type != "text" && len(b.Raw) > 0 {
		return b.Raw, nil
	}
	type block struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	return json.Marshal(block{Type: b.Type, Text: b.Text})
}

// UnmarshalJSON keeps the raw payload so unknown block types round-trip.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type block struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	var bl block
	if err := json.Unmarshal(data, &bl); err != nil {
		return err
	}
	b.Type = bl.Type
	b.Text = bl.Text
	if bl.Type != "text" {
		b.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// CanonicalRequest is the protocol-neutral request the upstream call is
// built from, regardless of which public schema it arrived in.
type CanonicalRequest struct {
	Model           string
	Messages        []CanonicalMessage
	MaxOutputTokens int
	Temperature     *float32
	TopP            *float32
	TopK            *int
	StopSequences   []string
	Stream          bool
	SystemPrompt    string

	// Extra holds caller parameters with no canonical field of their own.
	// They forward to the upstream body when it has a matching slot and
	// are ignored otherwise.
	Extra map[string]json.RawMessage
}

// Usage is the token accounting for one completion.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns input + output tokens.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// CanonicalResponse is the protocol-neutral completed response.
type CanonicalResponse struct {
	ID         string
	Model      string
	Role       string
	Content    []ContentBlock
	StopReason string
	Usage      Usage
}

// Text concatenates the text blocks of the response content.
func (r *CanonicalResponse) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
