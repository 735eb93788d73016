package coursejobs_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/courseforge/coursejobs"
)

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "plain message", coursejobs.SanitizeErrorMessage("plain message"))

	// Control characters are stripped, newlines and tabs survive.
	assert.Equal(t, "ab", coursejobs.SanitizeErrorMessage("a\x00\x07b"))
	assert.Equal(t, "a\nb\tc", coursejobs.SanitizeErrorMessage("a\nb\tc"))

	long := strings.Repeat("x", coursejobs.MaxErrorMessageLength*2)
	got := coursejobs.SanitizeErrorMessage(long)
	assert.Len(t, got, coursejobs.MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(got, "..."))

	// Truncation never splits a multi-byte rune.
	multi := strings.Repeat("é", coursejobs.MaxErrorMessageLength)
	got = coursejobs.SanitizeErrorMessage(multi)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), coursejobs.MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestClampAttempts(t *testing.T) {
	assert.Equal(t, 1, coursejobs.ClampAttempts(0))
	assert.Equal(t, 1, coursejobs.ClampAttempts(-5))
	assert.Equal(t, 3, coursejobs.ClampAttempts(3))
	assert.Equal(t, coursejobs.MaxAttemptsLimit, coursejobs.ClampAttempts(1000))
}

func TestClampConcurrency(t *testing.T) {
	assert.Equal(t, 1, coursejobs.ClampConcurrency(0))
	assert.Equal(t, 8, coursejobs.ClampConcurrency(8))
	assert.Equal(t, coursejobs.MaxConcurrency, coursejobs.ClampConcurrency(100000))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, coursejobs.StatusPending.Terminal())
	assert.False(t, coursejobs.StatusActive.Terminal())
	assert.True(t, coursejobs.StatusCompleted.Terminal())
	assert.True(t, coursejobs.StatusFailed.Terminal())
}

func TestIsCancelled(t *testing.T) {
	err := &coursejobs.CancelledError{JobID: "job-1"}
	assert.True(t, coursejobs.IsCancelled(err))
	assert.Contains(t, err.Error(), "job-1")
	assert.False(t, coursejobs.IsCancelled(assert.AnError))
	assert.False(t, coursejobs.IsCancelled(nil))
}
