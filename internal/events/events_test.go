package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONBalancesBracesThroughStrings(t *testing.T) {
	line := `{"type":"text","message":"has a } brace"} trailing free text`
	obj, remaining, ok := ExtractJSON(line)
	require.True(t, ok)
	assert.Equal(t, `{"type":"text","message":"has a } brace"}`, obj)
	assert.Equal(t, " trailing free text", remaining)
}

func TestExtractJSONRejectsNonJSONLine(t *testing.T) {
	_, _, ok := ExtractJSON("just some free text")
	assert.False(t, ok)
}

func TestParseLineValidatesEventType(t *testing.T) {
	ev, ok := ParseLine(`{"type":"step_finish","tokens":{"input_tokens":10,"output_tokens":5}}`)
	require.True(t, ok)
	assert.Equal(t, TypeStepFinish, ev.Type)

	_, ok = ParseLine(`{"type":"unknown_variant"}`)
	assert.False(t, ok)
}

func TestTokenCountsFromPriorityOrder(t *testing.T) {
	ev := &Event{Type: TypeResult, Result: &ResultPayload{Usage: &TokenCounts{InputTokens: 1, OutputTokens: 2}}}
	in, out, ok := TokenCountsFrom(ev)
	require.True(t, ok)
	assert.Equal(t, 1, in)
	assert.Equal(t, 2, out)

	ev2 := &Event{Type: TypeStepFinish, Part: &PartPayload{Tokens: &TokenCounts{InputTokens: 3, OutputTokens: 4}}}
	in2, out2, ok2 := TokenCountsFrom(ev2)
	require.True(t, ok2)
	assert.Equal(t, 3, in2)
	assert.Equal(t, 4, out2)
}

func TestActionLabelMapping(t *testing.T) {
	assert.Equal(t, "Reading code", ActionLabel("Grep", ""))
	assert.Equal(t, "Committing", ActionLabel("Bash", "git commit -m x"))
	assert.Equal(t, "", ActionLabel("Unknown", "nothing matches"))
}

func TestClassifyTextError(t *testing.T) {
	e, ok := ClassifyTextError("Error: rate limit exceeded, please retry later")
	require.True(t, ok)
	assert.Equal(t, "RATE_LIMIT", string(e.Code))
}

func TestExtractAuthError(t *testing.T) {
	ev := &Event{Type: TypeError, Message: "401 Unauthorized: invalid api key"}
	msg, ok := ExtractAuthError(ev)
	require.True(t, ok)
	assert.Contains(t, msg, "invalid api key")

	notAuth := &Event{Type: TypeText, Message: "nothing to see here"}
	_, ok = ExtractAuthError(notAuth)
	assert.False(t, ok)
}
