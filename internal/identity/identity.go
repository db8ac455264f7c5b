// Package identity computes the deterministic, content-derived identifiers used
// throughout the pipeline.
//
// Every identifier is a lowercase hex SHA-256 digest of fields that are already
// known, so recomputing from the same inputs always yields the same value. Time
// only enters an identity as an explicitly rounded bucket.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
)

// WindowLayout is the minute-resolution layout of an identity window.
const WindowLayout = "2006-01-02T15:04Z"

// Separator joins hashed fields.
const Separator = "|"

// ComputeIdentityWindow rounds observedAt down to the minute in UTC and
// renders it as YYYY-MM-DDTHH:MMZ.
func ComputeIdentityWindow(observedAt time.Time) string {
	return observedAt.UTC().Truncate(time.Minute).Format(WindowLayout)
}

// ComputeSignalID fingerprints a raw signal.
//
// The hashed value is a canonical JSON object. encoding/json writes map keys in
// sorted order, which keeps metadata ordering out of the identity.
func ComputeSignalID(source, signalType, service string, severity domain.Severity, identityWindow string, metadata map[string]string) string {
	if metadata == nil {
		metadata = map[string]string{}
	}
	doc := map[string]any{
		"identityWindow": identityWindow,
		"metadata":       metadata,
		"service":        service,
		"severity":       string(severity),
		"source":         source,
		"type":           signalType,
	}
	body, err := CanonicalJSON(doc)
	if err != nil {
		// Maps of strings always marshal.
		panic(fmt.Sprintf("identity: canonical signal document: %v", err))
	}
	return HashBytes(body)
}

// HashParts hashes the fields joined by Separator.
func HashParts(parts ...string) string {
	return HashBytes([]byte(strings.Join(parts, Separator)))
}

// HashBytes returns the hex SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON marshals v without HTML escaping. Struct fields keep their
// declaration order and map keys are sorted.
func CanonicalJSON(v any) ([]byte, error) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(sb.String(), "\n")), nil
}

// HashJSON hashes the canonical JSON encoding of v.
func HashJSON(v any) (string, error) {
	body, err := CanonicalJSON(v)
	if err != nil {
		return "", fmt.Errorf("canonical encoding: %w", err)
	}
	return HashBytes(body), nil
}

// Checksum fingerprints a raw payload.
func Checksum(payload []byte) string {
	return HashBytes(payload)
}

// IsDigest reports whether s looks like a hex SHA-256 digest.
func IsDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil && strings.ToLower(s) == s
}
