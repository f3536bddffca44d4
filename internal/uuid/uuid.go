// Package uuid generates client-side record identifiers and idempotency keys.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// idempotencyNamespace scopes name-based keys so they never collide with
// keys minted by other producers of v5 UUIDs.
var idempotencyNamespace = uuid.MustParse("6f1d8c1e-3b0a-4c1f-9a57-1d3c2b9e4f70")

// New generates a new UUID v4 record identifier.
func New() string {
	return uuid.New().String()
}

// IdempotencyKey derives a stable v5 UUID from the given parts. The same
// parts always produce the same key, so a retried request is recognisable
// by the server as a replay.
func IdempotencyKey(parts ...string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
