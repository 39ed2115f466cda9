// Package types defines the wire types of the payment protocol: the
// requirements challenge returned with a 402 response, the decoded
// X-PAYMENT header payload, and the settlement response echoed back to
// the client in the X-PAYMENT-RESPONSE header.
package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// X402Version is the protocol version carried in payment payloads.
const X402Version = 1

// SchemeExact is the only pricing scheme this server supports.
const SchemeExact = "exact"

// PaymentRequirements describes what a client must pay to access a resource.
// It is issued as the body of a 402 response and is immutable once built.
type PaymentRequirements struct {
	Scheme            string        `json:"scheme"`
	Network           string        `json:"network"`
	MaxAmountRequired string        `json:"maxAmountRequired"`
	Resource          string        `json:"resource"`
	Description       string        `json:"description,omitempty"`
	MimeType          string        `json:"mimeType,omitempty"`
	PayTo             string        `json:"payTo"`
	MaxTimeoutSeconds int           `json:"maxTimeoutSeconds"`
	Asset             string        `json:"asset"`
	Extra             *PaymentExtra `json:"extra,omitempty"`
}

// PaymentExtra carries the asset's EIP-712 signing-domain metadata so the
// client can produce a domain-bound authorization signature.
type PaymentExtra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Validate checks the invariants a challenge must hold before it is issued.
func (r *PaymentRequirements) Validate() error {
	if r.Scheme != SchemeExact {
		return fmt.Errorf("unsupported scheme: %s", r.Scheme)
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if r.MaxAmountRequired == "" {
		return fmt.Errorf("payment amount is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	if r.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("payment timeout must be positive")
	}
	return nil
}

// PaymentPayload is the decoded X-PAYMENT header envelope.
type PaymentPayload struct {
	X402Version int              `json:"x402Version"`
	Scheme      string           `json:"scheme,omitempty"`
	Network     string           `json:"network,omitempty"`
	Payload     *ExactEvmPayload `json:"payload"`
}

// ExactEvmPayload is the scheme-specific part of a payment payload: a
// detached signature over an EIP-3009 transfer authorization.
type ExactEvmPayload struct {
	Signature     string                        `json:"signature"`
	Authorization *ExactEvmPayloadAuthorization `json:"authorization"`
}

// ExactEvmPayloadAuthorization mirrors the TransferWithAuthorization
// typed-data message. Numeric fields are decimal strings with smallest-unit
// integer semantics; Nonce is 0x-prefixed 32-byte hex.
type ExactEvmPayloadAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SettleResponse reports the outcome of a settlement attempt back to the
// client alongside the protected resource.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason *string `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction"`
	Network     string  `json:"network"`
}

// EncodeToBase64String encodes the settle response for transport in the
// X-PAYMENT-RESPONSE header.
func (s *SettleResponse) EncodeToBase64String() (string, error) {
	jsonBytes, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodeSettleResponseFromBase64 is the inverse of EncodeToBase64String.
func DecodeSettleResponseFromBase64(encoded string) (*SettleResponse, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode settle response: %w", err)
	}
	var resp SettleResponse
	if err := json.Unmarshal(decoded, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settle response: %w", err)
	}
	return &resp, nil
}
