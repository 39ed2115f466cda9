// Package settle converts a validated transfer authorization into an
// on-chain call batch and watches it to a terminal status.
//
// Each settlement attempt belongs to exactly one request. The server keeps
// no settlement registry and never retries: authorizations are single-use
// and time-windowed, so a retry is the client's job with a fresh signature.
package settle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oracular-labs/fortunegate/pkg/eip3009"
	"github.com/oracular-labs/fortunegate/pkg/relay"
)

// Settlement error categories. Handlers map all three to 500-class
// responses with a fixed message; the underlying relay detail stays in the
// server log.
var (
	ErrSubmissionFailed   = errors.New("payment: settlement submission failed")
	ErrSettlementFailed   = errors.New("payment: settlement failed")
	ErrSettlementTimedOut = errors.New("payment: settlement timed out")
)

// Status of a settlement attempt. Submitted is the only non-terminal state.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Attempt tracks one settlement through its lifecycle. It is created by
// Submit, advanced to a terminal status by Watch, and discarded with the
// request that owns it.
type Attempt struct {
	// ID correlates log lines for this attempt.
	ID string
	// BundleID is the relay's opaque identifier for the submitted batch.
	BundleID string
	Status   Status
	// Transaction is the settlement transaction hash, set on confirmation.
	Transaction common.Hash
	// FailureReason records why a terminal non-success status was reached.
	FailureReason string
}

// transferWithAuthorizationABI is the EIP-3009 entry point in its
// bytes-signature form, matching what the settlement asset exposes.
const transferWithAuthorizationABI = `[{
	"type": "function",
	"name": "transferWithAuthorization",
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "signature", "type": "bytes"}
	],
	"outputs": []
}]`

var transferABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		panic(fmt.Sprintf("settle: invalid transferWithAuthorization ABI: %v", err))
	}
	return parsed
}()

// RelayClient is the slice of the relay surface settlement needs. The
// concrete implementation is relay.Client; tests substitute a double.
type RelayClient interface {
	SendCalls(ctx context.Context, calls []relay.Call, feeToken common.Address) (string, error)
	GetCallsStatus(ctx context.Context, id string) (*relay.BatchStatus, error)
}

// Config parameterizes a Settler.
type Config struct {
	// Asset is the settlement token contract. It doubles as the fee token
	// for submitted batches so the payer never needs native gas.
	Asset common.Address
	// Timeout bounds the watch from submission to terminal status.
	Timeout time.Duration
	// PollInterval is the delay between status queries.
	PollInterval time.Duration
}

const (
	// DefaultTimeout mirrors the reference deployment's settlement bound.
	DefaultTimeout = 20 * time.Second

	DefaultPollInterval = time.Second
)

// Settler submits and watches settlement attempts.
type Settler struct {
	relay        RelayClient
	asset        common.Address
	timeout      time.Duration
	pollInterval time.Duration
	log          *zap.Logger
}

// New builds a Settler. Zero durations in cfg fall back to defaults.
func New(relayClient RelayClient, cfg Config, log *zap.Logger) *Settler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Settler{
		relay:        relayClient,
		asset:        cfg.Asset,
		timeout:      timeout,
		pollInterval: pollInterval,
		log:          log,
	}
}

// Submit encodes the transferWithAuthorization call and sends it through
// the relay as a one-call batch. The authorization's value and asset are
// submitted as signed; the contract, not this server, decides whether they
// are acceptable.
func (s *Settler) Submit(ctx context.Context, auth *eip3009.Authorization, signature []byte) (*Attempt, error) {
	data, err := transferABI.Pack(
		"transferWithAuthorization",
		auth.From,
		auth.To,
		auth.Value,
		auth.ValidAfter,
		auth.ValidBefore,
		auth.Nonce,
		signature,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode call: %v", ErrSubmissionFailed, err)
	}

	attemptID := uuid.NewString()
	bundleID, err := s.relay.SendCalls(ctx, []relay.Call{{To: s.asset, Data: data}}, s.asset)
	if err != nil {
		s.log.Error("settlement submission failed",
			zap.String("attempt_id", attemptID),
			zap.String("from", auth.From.Hex()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	s.log.Info("settlement submitted",
		zap.String("attempt_id", attemptID),
		zap.String("bundle_id", bundleID),
		zap.String("from", auth.From.Hex()),
		zap.String("value", auth.Value.String()))

	return &Attempt{
		ID:       attemptID,
		BundleID: bundleID,
		Status:   StatusSubmitted,
	}, nil
}

// Watch polls the relay until the attempt's batch reaches a terminal
// status or the configured timeout elapses. It mutates the attempt to its
// terminal state and returns nil only on confirmation.
//
// Callers that must observe the terminal status even after the client goes
// away should pass a context detached from the request.
func (s *Settler) Watch(ctx context.Context, attempt *Attempt) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		status, err := s.relay.GetCallsStatus(ctx, attempt.BundleID)
		switch {
		case err != nil:
			// Transient poll errors are retried until the deadline; the
			// batch's fate on-chain is independent of our ability to ask.
			s.log.Warn("settlement status query failed",
				zap.String("attempt_id", attempt.ID),
				zap.Error(err))
		case status.Confirmed():
			hash, ok := status.TransactionHash()
			if !ok {
				// Confirmed without a receipt is an unrecognized shape.
				attempt.Status = StatusFailed
				attempt.FailureReason = "confirmed batch carried no receipt"
				s.log.Error("settlement failed",
					zap.String("attempt_id", attempt.ID),
					zap.String("reason", attempt.FailureReason))
				return fmt.Errorf("%w: %s", ErrSettlementFailed, attempt.FailureReason)
			}
			attempt.Status = StatusConfirmed
			attempt.Transaction = hash
			s.log.Info("settlement confirmed",
				zap.String("attempt_id", attempt.ID),
				zap.String("transaction", hash.Hex()))
			return nil
		case status.Terminal():
			attempt.Status = StatusFailed
			attempt.FailureReason = fmt.Sprintf("terminal status %d", status.StatusCode)
			s.log.Error("settlement failed",
				zap.String("attempt_id", attempt.ID),
				zap.Int("status", status.StatusCode))
			return fmt.Errorf("%w: %s", ErrSettlementFailed, attempt.FailureReason)
		}

		select {
		case <-ctx.Done():
			attempt.Status = StatusTimedOut
			attempt.FailureReason = "no terminal status before deadline"
			s.log.Error("settlement timed out",
				zap.String("attempt_id", attempt.ID),
				zap.Duration("timeout", s.timeout))
			return fmt.Errorf("%w after %s", ErrSettlementTimedOut, s.timeout)
		case <-ticker.C:
		}
	}
}
