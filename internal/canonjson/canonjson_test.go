package canonjson

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysAtEveryDepth(t *testing.T) {
	raw := []byte(`{"b": {"z": 1, "a": 2}, "a": [ {"y": true, "x": null} ]}`)
	got, err := Canonicalize(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"x":null,"y":true}],"b":{"a":2,"z":1}}`, string(got))
}

func TestCanonicalizePreservesArrayOrder(t *testing.T) {
	got, err := Canonicalize([]byte(`[3, 1, 2]`))
	require.NoError(t, err)
	assert.Equal(t, `[3,1,2]`, string(got))
}

func TestCanonicalizeNumbers(t *testing.T) {
	cases := map[string]string{
		`5`:       `5`,
		`5.0`:     `5`,
		`3.1400`:  `3.14`,
		`-0.500`:  `-0.5`,
		`1e10`:    `1e10`,
		`0.0`:     `0`,
		`1000000`: `1000000`,
	}
	for in, want := range cases {
		got, err := Canonicalize([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, string(got), "input %s", in)
	}
}

func TestMarshalStructIsStable(t *testing.T) {
	type inner struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	v := struct {
		Z inner    `json:"z"`
		M []string `json:"m"`
	}{Z: inner{B: 1, A: "x"}, M: []string{"c", "a"}}

	first, err := Marshal(v)
	require.NoError(t, err)
	second, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, `{"m":["c","a"],"z":{"a":"x","b":1}}`, string(first))
}

var fpRe = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

func TestFingerprintFormat(t *testing.T) {
	fp := Fingerprint([]byte("hello"))
	assert.Regexp(t, fpRe, fp)

	// Known vector: sha256("hello").
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", fp)
}

func TestFingerprintValueRoundTrip(t *testing.T) {
	v := map[string]any{"b": 1, "a": []string{"x"}}
	fp1, err := FingerprintValue(v)
	require.NoError(t, err)

	// Same content, different key insertion order.
	v2 := map[string]any{"a": []string{"x"}, "b": 1}
	fp2, err := FingerprintValue(v2)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}
