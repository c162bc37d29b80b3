// Package fingerprint derives stable identifiers for logical API requests.
//
// The queue uses fingerprints to detect duplicate submissions: two requests
// with the same verb, zone, endpoint and semantically equal JSON payload get
// the same fingerprint even when their object keys arrive in a different order.
//
// Basic usage:
//
//	import "github.com/dmitrymomot/zonequeue/pkg/fingerprint"
//
//	fp := fingerprint.Request("POST", "webservices2", "/tickets", payload)
//
//	// Headers that change request meaning can be included:
//	fp = fingerprint.Request("POST", "webservices2", "/tickets", payload,
//		fingerprint.WithHeaders(map[string]string{"ImpersonationResourceId": "42"}))
//
// # Format
//
// Fingerprints are "v1:" followed by 32 hex characters: the first 16 bytes of
// a SHA-256 over the pipe-joined components. Validate checks the format.
package fingerprint
