// Package events implements the engine event parser (4.C): extracting
// line-delimited JSON events (possibly interleaved with free text) from
// engine stdout, classifying plain-text errors in parallel, and mapping
// tool/command activity to a fixed action-label set.
package events

import (
	"encoding/json"
	"strings"

	"github.com/harrison/ralphy/internal/errs"
)

// Type enumerates the recognized engine event variants (§6).
type Type string

const (
	TypeStepStart  Type = "step_start"
	TypeStepFinish Type = "step_finish"
	TypeText       Type = "text"
	TypeError      Type = "error"
	TypeToolUse    Type = "tool_use"
	TypeResult     Type = "result"
)

// Event is the union of the recognized engine stdout event variants.
// Fields not relevant to a given Type are left zero.
type Event struct {
	Type       Type            `json:"type"`
	IsError    bool            `json:"is_error,omitempty"`
	Error      string          `json:"error,omitempty"`
	Message    string          `json:"message,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Command    string          `json:"command,omitempty"`
	Result     *ResultPayload  `json:"result,omitempty"`
	Part       *PartPayload    `json:"part,omitempty"`
	Tokens     *TokenCounts    `json:"tokens,omitempty"`
	Usage      *TokenCounts    `json:"usage,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// ResultPayload is the "result" event's payload, carrying authoritative
// token usage when present.
type ResultPayload struct {
	Usage *TokenCounts `json:"usage,omitempty"`
}

// PartPayload carries a step_finish event's nested token counts.
type PartPayload struct {
	Tokens *TokenCounts `json:"tokens,omitempty"`
}

// TokenCounts is the {input, output} token pair reported by the engine.
type TokenCounts struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ExtractJSON performs bracket-balanced extraction of one complete JSON
// object from the start of line, tracking string escapes so that braces
// inside string literals do not confuse the balance count. It returns
// the extracted object substring and whatever remains after it.
func ExtractJSON(line string) (object string, remaining string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return "", line, false
	}

	depth := 0
	inString := false
	escaped := false
	for i, r := range trimmed {
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch r {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return trimmed[:i+1], trimmed[i+1:], true
			}
		}
	}
	return "", line, false
}

// ParseLine attempts to extract and validate a single engine event from
// one line of output. If the line does not start a well-formed JSON
// object, or the object does not match a recognized event type, it
// returns ok=false and the caller should treat the line as free text.
func ParseLine(line string) (*Event, bool) {
	object, _, ok := ExtractJSON(line)
	if !ok {
		return nil, false
	}

	var ev Event
	if err := json.Unmarshal([]byte(object), &ev); err != nil {
		return nil, false
	}
	switch ev.Type {
	case TypeStepStart, TypeStepFinish, TypeText, TypeError, TypeToolUse, TypeResult:
		ev.Raw = json.RawMessage(object)
		return &ev, true
	default:
		return nil, false
	}
}

// TokenCountsFrom extracts {input, output} token counts from an event,
// checking result.usage, then step_finish.part.tokens, then
// step_finish.tokens, in that priority order (§4.C).
func TokenCountsFrom(ev *Event) (input, output int, ok bool) {
	if ev == nil {
		return 0, 0, false
	}
	if ev.Result != nil && ev.Result.Usage != nil {
		return ev.Result.Usage.InputTokens, ev.Result.Usage.OutputTokens, true
	}
	if ev.Usage != nil {
		return ev.Usage.InputTokens, ev.Usage.OutputTokens, true
	}
	if ev.Part != nil && ev.Part.Tokens != nil {
		return ev.Part.Tokens.InputTokens, ev.Part.Tokens.OutputTokens, true
	}
	if ev.Tokens != nil {
		return ev.Tokens.InputTokens, ev.Tokens.OutputTokens, true
	}
	return 0, 0, false
}

// actionLabels maps a lowercase substring of a tool name or command to
// one of the fixed action labels from 4.C.
var actionLabels = []struct {
	match string
	label string
}{
	{"read", "Reading code"},
	{"grep", "Reading code"},
	{"glob", "Reading code"},
	{"pytest", "Testing"},
	{"go test", "Testing"},
	{"npm test", "Testing"},
	{"test", "Writing tests"},
	{"write", "Implementing"},
	{"edit", "Implementing"},
	{"lint", "Linting"},
	{"git add", "Staging"},
	{"git commit", "Committing"},
}

// ActionLabel maps a tool name and/or command string to a fixed action
// label, or "" if nothing matches.
func ActionLabel(toolName, command string) string {
	haystack := strings.ToLower(toolName + " " + command)
	for _, rule := range actionLabels {
		if strings.Contains(haystack, rule.match) {
			return rule.label
		}
	}
	return ""
}

// textErrorPatterns maps substrings of free-text output to the error
// code the classifier should assign.
var textErrorPatterns = []struct {
	match string
	code  errs.Code
}{
	{"rate limit", errs.CodeRateLimit},
	{"quota", errs.CodeRateLimit},
	{"connection refused", errs.CodeNetwork},
	{"econnrefused", errs.CodeNetwork},
	{"model not found", errs.CodeProcess},
}

// ClassifyTextError inspects a free-text (non-JSON) line for rate-limit,
// quota, connection, or model-not-found patterns and returns a
// structured *errs.Error if one matches.
func ClassifyTextError(line string) (*errs.Error, bool) {
	lower := strings.ToLower(line)
	for _, rule := range textErrorPatterns {
		if strings.Contains(lower, rule.match) {
			return errs.New(rule.code, line), true
		}
	}
	return nil, false
}

// authKeywords are matched against an error/message string once an event
// has already been flagged as an error by type=="error", is_error==true,
// or error=="authentication_failed".
var authKeywords = []string{
	"authentication", "unauthorized", "invalid api key", "invalid token", "401", "403",
}

// ExtractAuthError inspects an event already known to represent an error
// (type=="error", IsError, or Error=="authentication_failed") and
// returns the message if it matches an authentication-failure keyword.
func ExtractAuthError(ev *Event) (string, bool) {
	if ev == nil {
		return "", false
	}
	isErrorEvent := ev.Type == TypeError || ev.IsError || ev.Error == "authentication_failed"
	if !isErrorEvent {
		return "", false
	}
	message := ev.Message
	if message == "" {
		message = ev.Error
	}
	lower := strings.ToLower(message)
	for _, kw := range authKeywords {
		if strings.Contains(lower, kw) {
			return message, true
		}
	}
	return "", false
}
