package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/zonequeue/pkg/fingerprint"
)

func TestRequest(t *testing.T) {
	t.Parallel()

	t.Run("stable across key order", func(t *testing.T) {
		t.Parallel()

		a := fingerprint.Request("POST", "z1", "/tickets", []byte(`{"a":1,"b":{"y":2,"x":1}}`))
		b := fingerprint.Request("post", "z1", "/tickets", []byte(` {"b":{"x":1,"y":2},"a":1} `))

		assert.Equal(t, a, b)
		assert.Len(t, a, 35)
		assert.Regexp(t, "^v1:[a-f0-9]{32}$", a)
	})

	t.Run("differs by zone endpoint and payload", func(t *testing.T) {
		t.Parallel()

		base := fingerprint.Request("POST", "z1", "/tickets", []byte(`{"a":1}`))
		assert.NotEqual(t, base, fingerprint.Request("POST", "z2", "/tickets", []byte(`{"a":1}`)))
		assert.NotEqual(t, base, fingerprint.Request("POST", "z1", "/companies", []byte(`{"a":1}`)))
		assert.NotEqual(t, base, fingerprint.Request("POST", "z1", "/tickets", []byte(`{"a":2}`)))
		assert.NotEqual(t, base, fingerprint.Request("GET", "z1", "/tickets", []byte(`{"a":1}`)))
	})

	t.Run("large numbers keep precision", func(t *testing.T) {
		t.Parallel()

		a := fingerprint.Request("GET", "z", "/e", []byte(`{"id":9007199254740993}`))
		b := fingerprint.Request("GET", "z", "/e", []byte(`{"id":9007199254740992}`))
		assert.NotEqual(t, a, b)
	})

	t.Run("headers are optional and case insensitive", func(t *testing.T) {
		t.Parallel()

		plain := fingerprint.Request("GET", "z", "/e", nil)
		withH := fingerprint.Request("GET", "z", "/e", nil, fingerprint.WithHeaders(map[string]string{"X-A": "1"}))
		lower := fingerprint.Request("GET", "z", "/e", nil, fingerprint.WithHeaders(map[string]string{"x-a": "1"}))

		assert.NotEqual(t, plain, withH)
		assert.Equal(t, withH, lower)
		assert.Equal(t, plain, fingerprint.Request("GET", "z", "/e", nil, fingerprint.WithHeaders(nil)))
	})

	t.Run("without payload", func(t *testing.T) {
		t.Parallel()

		a := fingerprint.Request("GET", "z", "/e", []byte(`{"a":1}`), fingerprint.WithoutPayload())
		b := fingerprint.Request("GET", "z", "/e", []byte(`{"a":2}`), fingerprint.WithoutPayload())
		assert.Equal(t, a, b)
	})
}

func TestCanonical(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `{"a":[1,2],"b":true}`, string(fingerprint.Canonical([]byte(`{ "b": true, "a": [1, 2] }`))))
	assert.Equal(t, "not json", string(fingerprint.Canonical([]byte("  not json "))))
	assert.Nil(t, fingerprint.Canonical([]byte("   ")))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	fp := fingerprint.Generate("a", "b")
	assert.NoError(t, fingerprint.Validate(fp))
	assert.ErrorIs(t, fingerprint.Validate("v2:abc"), fingerprint.ErrInvalidFingerprint)
	assert.ErrorIs(t, fingerprint.Match(fp, fingerprint.Generate("a", "c")), fingerprint.ErrMismatch)
	assert.NoError(t, fingerprint.Match(fp, fingerprint.Generate("a", "b")))
	assert.NotEqual(t, fingerprint.Generate("ab", "c"), fingerprint.Generate("a", "bc"))
}
