// Package util provides utility functions for the TaskPipe application.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; IDs are identifiers, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateJobID generates a unique job ID with "job_" prefix.
func GenerateJobID() string {
	return GenerateRandomID("job_", 32)
}

// GenerateMessageID generates a unique message ID with "msg_" prefix.
func GenerateMessageID() string {
	return GenerateRandomID("msg_", 32)
}
