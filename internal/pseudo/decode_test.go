package pseudo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pseudonymizing-proxy/internal/mapping"
)

func TestDecode_ReverseMapDocumentOrder(t *testing.T) {
	res, err := decodeResult([]byte(`{"masked_prompt":"x","reverse_map":{"ZZ":"1","AA":"2","MM":"3"}}`))
	require.NoError(t, err)
	assert.Equal(t, []mapping.Pair{{Pseudonym: "ZZ", Original: "1"}, {Pseudonym: "AA", Original: "2"}, {Pseudonym: "MM", Original: "3"}}, res.Mapping.Pairs())
}

func TestDecode_OptionalFieldsAbsent(t *testing.T) {
	res, err := decodeResult([]byte(`{"masked_prompt":"nothing found"}`))
	require.NoError(t, err)
	assert.Equal(t, "nothing found", res.MaskedText)
	assert.True(t, res.Mapping.IsEmpty())
	assert.Empty(t, res.Items)
}

func TestDecode_SubstitutionMapInverted(t *testing.T) {
	res, err := decodeResult([]byte(`{"pseudonymized":"hi Lee","substitution_map":{"Kim":"Lee"}}`))
	require.NoError(t, err)
	assert.Equal(t, "hi Lee", res.MaskedText)
	orig, ok := res.Mapping.Lookup("Lee")
	require.True(t, ok)
	assert.Equal(t, "Kim", orig)
}

func TestDecode_ReverseMapWinsOverItems(t *testing.T) {
	res, err := decodeResult([]byte(`{"masked_prompt":"x","reverse_map":{"T":"a"},"mapping":[{"type":"name","value":"b","token":"T","start":0,"end":1}]}`))
	require.NoError(t, err)
	orig, _ := res.Mapping.Lookup("T")
	assert.Equal(t, "a", orig)
	assert.Len(t, res.Items, 1)
}

func TestDecode_Failures(t *testing.T) {
	for name, body := range map[string]string{
		"not json":       `<html>`,
		"missing masked": `{"reverse_map":{}}`,
		"ok false":       `{"ok":false}`,
		"ok false msg":   `{"ok":false,"error":"boom"}`,
	} {
		_, err := decodeResult([]byte(body))
		assert.Error(t, err, name)
	}
}
