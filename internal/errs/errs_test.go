package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeVariants(t *testing.T) {
	assert.Equal(t, CodeStringError, Normalize("boom").Code)
	assert.Equal(t, CodeUnknown, Normalize(errors.New("wrapped")).Code)
	assert.Equal(t, CodeUnknown, Normalize(42).Code)

	e := New(CodeTimeout, "deadline exceeded")
	assert.Same(t, e, Normalize(e))
}

func TestRetryablePatterns(t *testing.T) {
	cases := []string{
		"connection refused while dialing",
		"ECONNRESET by peer",
		"rate limit exceeded, try again",
		"socket hang up",
	}
	for _, msg := range cases {
		e := Normalize(msg)
		assert.True(t, IsRetryable(e), msg)
	}
}

func TestFatalOverridesRetryable(t *testing.T) {
	// "rate limit" is retryable but "unauthorized" is fatal; fatal wins.
	e := Normalize("unauthorized: rate limit context ignored")
	assert.True(t, IsFatal(e))
	assert.False(t, IsRetryable(e))
}

func TestUnknownIsNotRetryable(t *testing.T) {
	e := Normalize("something unexpected happened")
	assert.False(t, IsRetryable(e))
	assert.False(t, IsFatal(e))
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(Normalize("ECONNRESET")))
	assert.False(t, IsConnectionError(Normalize("invalid api key")))
}
