// Package eip3009 models the TransferWithAuthorization message of
// EIP-3009 tokens: parsing the wire form into chain-native values,
// computing the EIP-712 digest, and recovering the signer.
//
// Signer recovery is an optional fast-fail step in front of relay
// submission. The on-chain contract remains the authoritative verifier of
// both the signature and the authorization's nonce and validity window.
package eip3009

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/oracular-labs/fortunegate/pkg/types"
)

// Authorization is the chain-native form of a transfer authorization.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// ParseAuthorization converts the wire representation into chain-native
// values, rejecting anything that cannot be encoded into the contract call:
// non-address from/to, non-integer value or window bounds, inverted window,
// nonce that is not exactly 32 bytes.
func ParseAuthorization(a *types.ExactEvmPayloadAuthorization) (*Authorization, error) {
	if a == nil {
		return nil, fmt.Errorf("authorization is missing")
	}
	if !common.IsHexAddress(a.From) {
		return nil, fmt.Errorf("invalid from address: %s", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return nil, fmt.Errorf("invalid to address: %s", a.To)
	}

	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid authorization value: %s", a.Value)
	}
	validAfter, ok := new(big.Int).SetString(a.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", a.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(a.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", a.ValidBefore)
	}
	if validAfter.Cmp(validBefore) >= 0 {
		return nil, fmt.Errorf("authorization validity window is empty")
	}

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(a.Nonce, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid authorization nonce: %v", err)
	}
	if len(nonceBytes) != 32 {
		return nil, fmt.Errorf("authorization nonce must be 32 bytes, got %d", len(nonceBytes))
	}

	auth := &Authorization{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
	}
	copy(auth.Nonce[:], nonceBytes)
	return auth, nil
}

// ParseSignature decodes a hex signature and normalizes the recovery byte
// to the 27/28 convention the token contract expects.
func ParseSignature(signature string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %v", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] == 0 || sig[64] == 1 {
		sig[64] += 27
	}
	return sig, nil
}

// Domain identifies the EIP-712 signing domain of the settlement asset.
type Domain struct {
	Name    string
	Version string
	ChainID *big.Int
	Asset   common.Address
}

// TypedData builds the EIP-712 structure for a transfer authorization.
func TypedData(auth *Authorization, domain Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.Asset.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}
}

// Digest computes the EIP-712 signing digest for the authorization.
func Digest(auth *Authorization, domain Domain) ([]byte, error) {
	typedData := TypedData(auth, domain)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// RecoverSigner returns the address that produced the signature over the
// authorization's typed-data digest.
func RecoverSigner(auth *Authorization, domain Domain, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	digest, err := Digest(auth, domain)
	if err != nil {
		return common.Address{}, err
	}

	// crypto.SigToPub expects the recovery id in the 0/1 convention.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] == 27 || sig[64] == 28 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySigner recovers the signer and checks it matches the
// authorization's from address.
func VerifySigner(auth *Authorization, domain Domain, signature []byte) error {
	signer, err := RecoverSigner(auth, domain, signature)
	if err != nil {
		return err
	}
	if signer != auth.From {
		return fmt.Errorf("signature signer %s does not match authorization from %s", signer.Hex(), auth.From.Hex())
	}
	return nil
}
