package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
)

const (
	fingerprintVersion = "v1:"
	// fingerprintHashLen keeps 16 of the 32 SHA-256 bytes (128 bits).
	fingerprintHashLen = 16
	// fingerprintTotalLen is "v1:" plus 32 hex characters.
	fingerprintTotalLen = 35
)

// Generate hashes the given components into a version-prefixed fingerprint.
// Components are joined with a pipe so ["ab", "c"] and ["a", "bc"] differ.
func Generate(components ...string) string {
	combined := strings.Join(components, "|")
	hash := sha256.Sum256([]byte(combined))

	return fingerprintVersion + hex.EncodeToString(hash[:fingerprintHashLen])
}

// Request fingerprints a logical API request. Two requests with the same verb,
// zone, endpoint and semantically equal JSON payload produce the same value
// regardless of object key order.
//
//	fp := fingerprint.Request("POST", "webservices2", "/tickets", payload)
//	fp := fingerprint.Request("POST", "webservices2", "/tickets", payload, fingerprint.WithHeaders(h))
func Request(verb, zone, endpoint string, payload []byte, opts ...Option) string {
	o := applyOptions(opts...)

	components := []string{
		strings.ToUpper(verb),
		zone,
		endpoint,
	}

	if o.includePayload {
		components = append(components, string(Canonical(payload)))
	}

	if o.includeHeaders && len(o.headers) > 0 {
		components = append(components, canonicalHeaders(o.headers))
	}

	return Generate(components...)
}

// Canonical returns a stable encoding of a JSON document: object keys are
// sorted and insignificant whitespace removed. Input that is not valid JSON is
// returned with surrounding whitespace trimmed.
func Canonical(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return trimmed
	}

	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return out
}

// Validate checks that fp has the expected version prefix and length.
func Validate(fp string) error {
	if !strings.HasPrefix(fp, fingerprintVersion) || len(fp) != fingerprintTotalLen {
		return ErrInvalidFingerprint
	}
	return nil
}

// Match reports whether a stored fingerprint equals a freshly computed one.
func Match(stored, current string) error {
	if err := Validate(stored); err != nil {
		return err
	}
	if stored != current {
		return ErrMismatch
	}
	return nil
}

func canonicalHeaders(h map[string]string) string {
	pairs := make([]string, 0, len(h))
	for k, v := range h {
		pairs = append(pairs, strings.ToLower(k)+"="+v)
	}
	slices.Sort(pairs)
	return strings.Join(pairs, ",")
}
