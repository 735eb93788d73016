package coursejobs

import (
	"strings"
	"unicode/utf8"
)

// Hard limits on stored values.
const (
	// MaxPayloadSize bounds serialized payloads (1MB).
	MaxPayloadSize = 1 << 20

	// MaxErrorMessageLength bounds error messages persisted on records.
	MaxErrorMessageLength = 4096

	// MaxAttemptsLimit is the hard ceiling for retry attempts.
	MaxAttemptsLimit = 50

	// MaxConcurrency is the hard ceiling for worker pool size.
	MaxConcurrency = 256
)

// SanitizeErrorMessage strips control characters and truncates msg before
// it is written to a status record.
func SanitizeErrorMessage(msg string) string {
	msg = strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, msg)

	if len(msg) > MaxErrorMessageLength {
		cut := MaxErrorMessageLength - 3
		// Back up to a rune boundary so the cut never splits a character.
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}

// ClampAttempts bounds a retry count to [1, MaxAttemptsLimit].
func ClampAttempts(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxAttemptsLimit {
		return MaxAttemptsLimit
	}
	return n
}

// ClampConcurrency bounds a worker pool size to [1, MaxConcurrency].
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
