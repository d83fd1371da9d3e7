package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
// Uses math/rand/v2 for optimal performance with modern best practices.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2 with optimal entropy utilization for non-cryptographic purposes.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length) // Pre-allocate capacity for efficiency

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateConversationID generates a unique conversation ID with "c_" prefix.
func GenerateConversationID() string {
	return GenerateRandomID("c_", 32)
}

// GenerateMessageID generates a unique message ID with "m_" prefix.
func GenerateMessageID() string {
	return GenerateRandomID("m_", 32)
}

// GenerateStrategyID generates a unique strategy ID with "s_" prefix.
func GenerateStrategyID() string {
	return GenerateRandomID("s_", 32)
}

// GenerateActionID generates a unique custom action, chain or step ID with the given prefix.
func GenerateActionID(prefix string) string {
	return GenerateRandomID(prefix, 24)
}
