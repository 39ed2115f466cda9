// Package relay speaks to the meta-transaction relay: an external service
// that submits batched calls on behalf of the merchant's custodial key and
// reports per-batch status. The relay is treated as opaque; only the
// submit/status surface is modeled, with explicit result types validated at
// the boundary. Unrecognized shapes fail closed.
package relay

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Batch status codes reported by the relay. Codes at or above
// StatusConfirmed are terminal.
const (
	StatusPending   = 100
	StatusConfirmed = 200
)

// Call is a single call inside a batch.
type Call struct {
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value,omitempty"`
	Data  hexutil.Bytes  `json:"data,omitempty"`
}

// Receipt is the per-call receipt attached to a confirmed batch.
type Receipt struct {
	TransactionHash common.Hash `json:"transactionHash"`
}

// BatchStatus is the relay's view of a submitted batch.
type BatchStatus struct {
	ID         string    `json:"id"`
	StatusCode int       `json:"status"`
	Receipts   []Receipt `json:"receipts"`
}

// Terminal reports whether the batch has reached a final status.
func (s *BatchStatus) Terminal() bool { return s.StatusCode >= StatusConfirmed }

// Confirmed reports whether the batch settled successfully.
func (s *BatchStatus) Confirmed() bool { return s.StatusCode == StatusConfirmed }

// TransactionHash returns the settlement transaction hash of a confirmed
// batch, or false when the relay attached no receipt.
func (s *BatchStatus) TransactionHash() (common.Hash, bool) {
	if len(s.Receipts) == 0 {
		return common.Hash{}, false
	}
	if s.Receipts[0].TransactionHash == (common.Hash{}) {
		return common.Hash{}, false
	}
	return s.Receipts[0].TransactionHash, true
}

// Client is the process-wide relay handle. It owns the RPC connection and
// the merchant's custodial signing key, is constructed once at startup, and
// is injected into whatever needs to settle payments.
type Client struct {
	rpc     *rpc.Client
	chainID uint64
	key     *ecdsa.PrivateKey
	account common.Address
	log     *zap.Logger
}

// Dial connects to the relay RPC endpoint and loads the merchant key.
func Dial(ctx context.Context, url string, chainID uint64, privateKeyHex string, log *zap.Logger) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid merchant private key: %w", err)
	}

	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay at %s: %w", url, err)
	}

	return &Client{
		rpc:     rpcClient,
		chainID: chainID,
		key:     key,
		account: crypto.PubkeyToAddress(key.PublicKey),
		log:     log,
	}, nil
}

// Close releases the RPC connection. In-flight batches are unaffected;
// submission is irrevocable.
func (c *Client) Close() {
	c.rpc.Close()
}

// Account returns the merchant address derived from the custodial key.
func (c *Client) Account() common.Address {
	return c.account
}

type keyParam struct {
	PublicKey string `json:"publicKey"`
	Type      string `json:"type"`
	Prehash   bool   `json:"prehash"`
}

type feeTokenCapability struct {
	FeeToken common.Address `json:"feeToken"`
}

type prepareCallsParams struct {
	From         common.Address     `json:"from"`
	ChainID      hexutil.Uint64     `json:"chainId"`
	Calls        []Call             `json:"calls"`
	Capabilities feeTokenCapability `json:"capabilities"`
	Key          keyParam           `json:"key"`
}

type prepareCallsResult struct {
	Digest  hexutil.Bytes   `json:"digest"`
	Context json.RawMessage `json:"context"`
}

type sendPreparedCallsParams struct {
	Context   json.RawMessage `json:"context"`
	Signature hexutil.Bytes   `json:"signature"`
	Key       keyParam        `json:"key"`
}

type sendPreparedCallsResult struct {
	ID string `json:"id"`
}

func (c *Client) signingKeyParam() keyParam {
	return keyParam{
		PublicKey: hexutil.Encode(crypto.FromECDSAPub(&c.key.PublicKey)),
		Type:      "secp256k1",
		Prehash:   false,
	}
}

// SendCalls submits a batch of calls through the relay, paying fees in
// feeToken so the end user never needs native gas. It returns the relay's
// opaque batch identifier. The flow is prepare / sign digest with the
// custodial key / send prepared.
func (c *Client) SendCalls(ctx context.Context, calls []Call, feeToken common.Address) (string, error) {
	var prepared prepareCallsResult
	err := c.rpc.CallContext(ctx, &prepared, "wallet_prepareCalls", prepareCallsParams{
		From:         c.account,
		ChainID:      hexutil.Uint64(c.chainID),
		Calls:        calls,
		Capabilities: feeTokenCapability{FeeToken: feeToken},
		Key:          c.signingKeyParam(),
	})
	if err != nil {
		return "", fmt.Errorf("wallet_prepareCalls failed: %w", err)
	}
	if len(prepared.Digest) != 32 || len(prepared.Context) == 0 {
		return "", fmt.Errorf("relay returned malformed prepare result")
	}

	signature, err := crypto.Sign(prepared.Digest, c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign call batch digest: %w", err)
	}

	var sent sendPreparedCallsResult
	err = c.rpc.CallContext(ctx, &sent, "wallet_sendPreparedCalls", sendPreparedCallsParams{
		Context:   prepared.Context,
		Signature: signature,
		Key:       c.signingKeyParam(),
	})
	if err != nil {
		return "", fmt.Errorf("wallet_sendPreparedCalls failed: %w", err)
	}
	if sent.ID == "" {
		return "", fmt.Errorf("relay returned no batch id")
	}

	c.log.Debug("call batch submitted",
		zap.String("batch_id", sent.ID),
		zap.Int("calls", len(calls)))
	return sent.ID, nil
}

// GetCallsStatus queries the relay for the status of a submitted batch.
func (c *Client) GetCallsStatus(ctx context.Context, id string) (*BatchStatus, error) {
	var status BatchStatus
	if err := c.rpc.CallContext(ctx, &status, "wallet_getCallsStatus", id); err != nil {
		return nil, fmt.Errorf("wallet_getCallsStatus failed: %w", err)
	}
	if status.StatusCode == 0 {
		// A missing status field would otherwise read as pending-forever.
		return nil, fmt.Errorf("relay returned malformed batch status")
	}
	return &status, nil
}

// Healthy reports whether the relay endpoint answers a chain id query.
func (c *Client) Healthy(ctx context.Context) error {
	var chainID hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &chainID, "eth_chainId"); err != nil {
		return fmt.Errorf("relay unreachable: %w", err)
	}
	return nil
}
