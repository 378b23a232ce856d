// Package idgen provides random and deterministic identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// idempotencyNamespace scopes derived idempotency keys to this service so
// that the same refund id always maps to the same provider key.
var idempotencyNamespace = uuid.MustParse("6f1c1a52-94c8-4d4b-9a0e-5b7d2f6c9e11")

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 32 hex chars, e.g. "esc_3f2a...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IdempotencyKey derives a stable key from the given parts. Calling it
// again with the same parts yields the same key, which lets a retried
// provider call be deduplicated on the provider side.
func IdempotencyKey(parts ...string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(strings.Join(parts, "|"))).String()
}
