package codec

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oracular-labs/fortunegate/pkg/types"
)

func encode(t *testing.T, raw string) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

const validPayment = `{
	"x402Version": 1,
	"scheme": "exact",
	"network": "base-sepolia",
	"payload": {
		"signature": "0xabc123",
		"authorization": {
			"from": "0x1111111111111111111111111111111111111111",
			"to": "0x2222222222222222222222222222222222222222",
			"value": "750",
			"validAfter": "1700000000",
			"validBefore": "1700000600",
			"nonce": "0x0101010101010101010101010101010101010101010101010101010101010101"
		}
	}
}`

func TestDecodeValidHeader(t *testing.T) {
	payload, err := Decode(encode(t, validPayment))
	require.NoError(t, err)

	assert.Equal(t, types.X402Version, payload.X402Version)
	assert.Equal(t, "exact", payload.Scheme)
	assert.Equal(t, "base-sepolia", payload.Network)
	require.NotNil(t, payload.Payload)
	assert.Equal(t, "0xabc123", payload.Payload.Signature)
	require.NotNil(t, payload.Payload.Authorization)
	assert.Equal(t, "750", payload.Payload.Authorization.Value)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", payload.Payload.Authorization.From)
}

func TestDecodeMalformedHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"base64 of non-JSON", encode(t, "this is not json")},
		{"base64 of truncated JSON", encode(t, `{"payload": {"signature":`)},
		{"base64 of invalid UTF-8", base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0xfd})},
		{"empty header", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Decode(tt.header)
			assert.Nil(t, payload)
			assert.ErrorIs(t, err, ErrMalformedHeader)
		})
	}
}

func TestDecodeInvalidStructure(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no payload", `{"x402Version": 1}`},
		{"payload not object", `{"payload": "nope"}`},
		{"missing signature", `{"payload": {"authorization": {"from": "0x1", "to": "0x2", "value": "1", "validAfter": "0", "validBefore": "1", "nonce": "0x0"}}}`},
		{"empty signature", `{"payload": {"signature": "", "authorization": {"from": "0x1", "to": "0x2", "value": "1", "validAfter": "0", "validBefore": "1", "nonce": "0x0"}}}`},
		{"null authorization", `{"payload": {"signature": "0xabc", "authorization": null}}`},
		{"authorization missing fields", `{"payload": {"signature": "0xabc", "authorization": {"from": "0x1"}}}`},
		{"top-level array", `[1, 2, 3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Decode(encode(t, tt.raw))
			assert.Nil(t, payload)
			assert.ErrorIs(t, err, ErrInvalidPaymentStructure)
		})
	}
}

func TestDecodeErrorCategoriesAreDisjoint(t *testing.T) {
	_, malformed := Decode("%%%")
	assert.NotErrorIs(t, malformed, ErrInvalidPaymentStructure)

	_, structural := Decode(encode(t, `{"payload": {}}`))
	assert.NotErrorIs(t, structural, ErrMalformedHeader)
}

// An authorization whose value or asset disagrees with the issued challenge
// still decodes. Amount policy is enforced by the settlement contract, not
// by this server.
func TestDecodeDoesNotCheckAmount(t *testing.T) {
	raw := `{"payload": {"signature": "0xabc", "authorization": {
		"from": "0x1111111111111111111111111111111111111111",
		"to": "0x2222222222222222222222222222222222222222",
		"value": "1",
		"validAfter": "0",
		"validBefore": "99999999999",
		"nonce": "0x0101010101010101010101010101010101010101010101010101010101010101"
	}}}`

	payload, err := Decode(encode(t, raw))
	require.NoError(t, err)
	assert.Equal(t, "1", payload.Payload.Authorization.Value)
}
