// Package translate converts between the two public wire schemas and the
// single canonical shape the upstream call is built from. Each direction is
// mapped explicitly; caller parameters with no mapping are kept in a
// pass-through bag rather than dropped.
package translate

import (
	"encoding/json"

	"github.com/quotagate/quotagate/internal/shared/models"
)

// InboundMessage accepts content as either a plain string or an ordered
// list of typed blocks, as both public protocols allow.
type InboundMessage struct {
	Role    string      `json:"role"`
	Content MaybeBlocks `json:"content"`
}

// MaybeBlocks is a content field that may arrive as a bare string or a
// block list. Unrecognized block types keep their raw JSON and pass through.
type MaybeBlocks []models.ContentBlock

func (m *MaybeBlocks) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = MaybeBlocks{models.TextBlock(s)}
		return nil
	}
	var blocks []models.ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*m = MaybeBlocks(blocks)
	return nil
}

// StringList accepts a bare string or a string array (the chat-completions
// "stop" field allows both).
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

// blocksText joins the text blocks of a content value.
func blocksText(blocks []models.ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// extraFields returns the top-level body fields not claimed by the
// protocol's canonical mapping.
func extraFields(body []byte, known map[string]bool) map[string]json.RawMessage {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(body, &all); err != nil {
		return nil
	}
	extras := make(map[string]json.RawMessage)
	for k, v := range all {
		if !known[k] {
			extras[k] = v
		}
	}
	if len(extras) == 0 {
		return nil
	}
	return extras
}
