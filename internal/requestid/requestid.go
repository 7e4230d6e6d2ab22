// Package requestid generates correlation ids used to tie together the
// IncomingRequestAtFips / OutgoingRequestToServer / IncomingResponseFromServer
// / OutgoingResponseFromFips observer events for a single request.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// maxLength matches a UUID's rendered length so ids stay log-friendly.
	maxLength = 36
	prefixLen = 5
	// maxCustomLen leaves room for the random prefix and separator.
	maxCustomLen = maxLength - prefixLen - 1
)

var (
	sanitizeRegex      = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	consecutiveHyphens = regexp.MustCompile(`-+`)
)

// New generates a correlation id. If customID is non-empty it is sanitized
// (keeping only [a-zA-Z0-9-]) and combined with a 5-character random prefix
// for uniqueness across clients reusing the same custom id. An empty or
// fully-sanitized-away customID falls back to a UUID.
func New(customID string) string {
	sanitized := strings.ReplaceAll(customID, " ", "-")
	sanitized = sanitizeRegex.ReplaceAllString(sanitized, "")
	sanitized = consecutiveHyphens.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	if sanitized == "" {
		return uuid.New().String()
	}

	if len(sanitized) > maxCustomLen {
		sanitized = sanitized[:maxCustomLen]
	}

	return randomPrefix() + "-" + sanitized
}

func randomPrefix() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()[:prefixLen]
	}
	return hex.EncodeToString(buf)[:prefixLen]
}
