// Package codec decodes the X-PAYMENT header into a payment payload.
//
// Decoding is a security boundary: everything the client sends passes
// through here before any chain interaction. The codec only guarantees
// shape; it deliberately performs no cryptographic verification of the
// authorization signature. The settlement contract is the authoritative
// verifier, and duplicating its logic locally would risk divergence.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"encoding/json"

	"github.com/xeipuuv/gojsonschema"

	"github.com/oracular-labs/fortunegate/pkg/types"
)

// Decode error categories. Handlers map these to HTTP statuses; the
// messages shown to clients are fixed per category and never carry the
// underlying detail.
var (
	// ErrMalformedHeader covers bad base64 and bad JSON.
	ErrMalformedHeader = errors.New("payment: malformed payment header")
	// ErrInvalidPaymentStructure covers a payload missing its signature
	// or authorization.
	ErrInvalidPaymentStructure = errors.New("payment: invalid payment data structure")
)

// payloadSchema pins the minimum shape a payment payload must have before
// any further processing: a payload object carrying a non-empty signature
// and a non-null authorization.
const payloadSchema = `{
	"type": "object",
	"required": ["payload"],
	"properties": {
		"payload": {
			"type": "object",
			"required": ["signature", "authorization"],
			"properties": {
				"signature": {"type": "string", "minLength": 1},
				"authorization": {
					"type": "object",
					"required": ["from", "to", "value", "validAfter", "validBefore", "nonce"]
				}
			}
		}
	}
}`

var schema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		panic(fmt.Sprintf("codec: invalid payload schema: %v", err))
	}
	return s
}()

// Decode validates and decodes a single X-PAYMENT header value.
//
// Rejection points, in order: base64 decoding (ErrMalformedHeader), JSON
// parsing (ErrMalformedHeader), structural validation against the payload
// schema (ErrInvalidPaymentStructure).
func Decode(header string) (*types.PaymentPayload, error) {
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decoding failed: %v", ErrMalformedHeader, err)
	}
	if !utf8.Valid(decoded) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrMalformedHeader)
	}

	if !json.Valid(decoded) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrMalformedHeader)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(decoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPaymentStructure, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPaymentStructure, firstSchemaError(result))
	}

	var payload types.PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPaymentStructure, err)
	}
	payload.X402Version = types.X402Version

	return &payload, nil
}

func firstSchemaError(result *gojsonschema.Result) string {
	for _, desc := range result.Errors() {
		return desc.String()
	}
	return "schema validation failed"
}
