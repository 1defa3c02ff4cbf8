package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	errx "github.com/watssabi-collector/server/internal/core/error"
	logx "github.com/watssabi-collector/server/pkg/logger"
)

// Kind discriminates the closed set of agent decisions.
type Kind string

const (
	// KindAsk continues the dialogue with the next question.
	KindAsk Kind = "ask"
	// KindExtract records one collected field, optionally with a follow-up
	// question in the same turn.
	KindExtract Kind = "extract"
	// KindComplete finishes the collection with the final field values.
	KindComplete Kind = "complete"
)

// Result is the validated, structured agent decision. Anything that does not
// conform to one of the three kinds never leaves this package — it surfaces
// as a permanent provider failure instead.
type Result struct {
	Kind     Kind
	Question string            // ask, and optionally extract
	Field    string            // extract
	Value    string            // extract
	Fields   map[string]string // complete
	Reply    string            // complete closing message, may be empty
}

// safety limits mirroring the inbound parser discipline: never let a
// pathological completion blow up downstream consumers.
const (
	maxResponseLen = 64 * 1024
	maxFieldCount  = 64
	maxFieldLen    = 4 * 1024
)

type wireResponse struct {
	Action       string            `json:"action"`
	Field        string            `json:"field,omitempty"`
	Value        string            `json:"value,omitempty"`
	NextQuestion string            `json:"next_question,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	Reply        string            `json:"reply,omitempty"`
}

// ParseResult validates raw model output against the structured action
// schema. Models occasionally wrap JSON in markdown fences, which is
// tolerated; everything else non-conforming is a permanent failure.
func ParseResult(content string) (*Result, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errx.Permanent(fmt.Errorf("empty model response"))
	}
	if len(content) > maxResponseLen {
		logx.Warn().Int("len", len(content)).Msg("model response exceeds size limit")
		return nil, errx.Permanent(fmt.Errorf("model response too large"))
	}
	content = stripFence(content)

	var wire wireResponse
	if err := json.Unmarshal([]byte(content), &wire); err != nil {
		return nil, errx.Permanent(fmt.Errorf("non-conforming model response: %w", err))
	}

	switch Kind(strings.ToLower(strings.TrimSpace(wire.Action))) {
	case KindAsk:
		q := strings.TrimSpace(wire.NextQuestion)
		if q == "" || !utf8.ValidString(q) {
			return nil, errx.Permanent(fmt.Errorf("ask action without a valid next_question"))
		}
		return &Result{Kind: KindAsk, Question: q}, nil

	case KindExtract:
		field := strings.TrimSpace(wire.Field)
		value := strings.TrimSpace(wire.Value)
		if field == "" || value == "" {
			return nil, errx.Permanent(fmt.Errorf("extract action missing field or value"))
		}
		if len(field) > maxFieldLen || len(value) > maxFieldLen {
			return nil, errx.Permanent(fmt.Errorf("extract field or value too large"))
		}
		return &Result{
			Kind:     KindExtract,
			Field:    field,
			Value:    value,
			Question: strings.TrimSpace(wire.NextQuestion),
		}, nil

	case KindComplete:
		if len(wire.Fields) > maxFieldCount {
			return nil, errx.Permanent(fmt.Errorf("complete action with too many fields"))
		}
		fields := make(map[string]string, len(wire.Fields))
		for k, v := range wire.Fields {
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			if k == "" || len(k) > maxFieldLen || len(v) > maxFieldLen {
				return nil, errx.Permanent(fmt.Errorf("complete action with invalid field %q", k))
			}
			fields[k] = v
		}
		return &Result{Kind: KindComplete, Fields: fields, Reply: strings.TrimSpace(wire.Reply)}, nil

	default:
		return nil, errx.Permanent(fmt.Errorf("unknown action %q", wire.Action))
	}
}

// stripFence removes a single ```json ... ``` wrapper if present.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
