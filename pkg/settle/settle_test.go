package settle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oracular-labs/fortunegate/pkg/eip3009"
	"github.com/oracular-labs/fortunegate/pkg/relay"
)

var testAsset = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")

// mockRelay substitutes the relay client with per-call hooks.
type mockRelay struct {
	mu          sync.Mutex
	sendCalls   func(calls []relay.Call, feeToken common.Address) (string, error)
	status      func(id string) (*relay.BatchStatus, error)
	sentBatches [][]relay.Call
	statusPolls int
}

func (m *mockRelay) SendCalls(_ context.Context, calls []relay.Call, feeToken common.Address) (string, error) {
	m.mu.Lock()
	m.sentBatches = append(m.sentBatches, calls)
	m.mu.Unlock()
	if m.sendCalls != nil {
		return m.sendCalls(calls, feeToken)
	}
	return "bundle-1", nil
}

func (m *mockRelay) GetCallsStatus(_ context.Context, id string) (*relay.BatchStatus, error) {
	m.mu.Lock()
	m.statusPolls++
	m.mu.Unlock()
	return m.status(id)
}

func testAuthorization(t *testing.T) *eip3009.Authorization {
	t.Helper()
	auth := &eip3009.Authorization{
		From:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:          common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:       big.NewInt(750),
		ValidAfter:  big.NewInt(1700000000),
		ValidBefore: big.NewInt(1700000600),
	}
	auth.Nonce[0] = 0x01
	return auth
}

func newSettler(t *testing.T, m *mockRelay, cfg Config) *Settler {
	t.Helper()
	cfg.Asset = testAsset
	return New(m, cfg, zaptest.NewLogger(t))
}

func TestSubmitPacksTransferWithAuthorization(t *testing.T) {
	m := &mockRelay{}
	s := newSettler(t, m, Config{})

	sig := make([]byte, 65)
	attempt, err := s.Submit(context.Background(), testAuthorization(t), sig)
	require.NoError(t, err)

	assert.Equal(t, StatusSubmitted, attempt.Status)
	assert.Equal(t, "bundle-1", attempt.BundleID)
	assert.NotEmpty(t, attempt.ID)

	require.Len(t, m.sentBatches, 1)
	require.Len(t, m.sentBatches[0], 1, "settlement is a one-call batch")

	call := m.sentBatches[0][0]
	assert.Equal(t, testAsset, call.To, "call targets the asset contract")

	selector := crypto.Keccak256([]byte(
		"transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,bytes)",
	))[:4]
	require.GreaterOrEqual(t, len(call.Data), 4)
	assert.Equal(t, selector, []byte(call.Data[:4]))
}

func TestSubmitSurfacesRelayErrors(t *testing.T) {
	m := &mockRelay{
		sendCalls: func([]relay.Call, common.Address) (string, error) {
			return "", fmt.Errorf("relay exploded")
		},
	}
	s := newSettler(t, m, Config{})

	attempt, err := s.Submit(context.Background(), testAuthorization(t), make([]byte, 65))
	assert.Nil(t, attempt)
	assert.ErrorIs(t, err, ErrSubmissionFailed)
}

func TestSubmitDoesNotRetry(t *testing.T) {
	m := &mockRelay{
		sendCalls: func([]relay.Call, common.Address) (string, error) {
			return "", fmt.Errorf("transient")
		},
	}
	s := newSettler(t, m, Config{})

	_, err := s.Submit(context.Background(), testAuthorization(t), make([]byte, 65))
	require.Error(t, err)
	assert.Len(t, m.sentBatches, 1, "exactly one submission per attempt")
}

func TestWatchConfirmed(t *testing.T) {
	txHash := common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000001")
	m := &mockRelay{
		status: func(string) (*relay.BatchStatus, error) {
			return &relay.BatchStatus{
				StatusCode: relay.StatusConfirmed,
				Receipts:   []relay.Receipt{{TransactionHash: txHash}},
			}, nil
		},
	}
	s := newSettler(t, m, Config{PollInterval: 5 * time.Millisecond})

	attempt := &Attempt{ID: "a", BundleID: "bundle-1", Status: StatusSubmitted}
	require.NoError(t, s.Watch(context.Background(), attempt))
	assert.Equal(t, StatusConfirmed, attempt.Status)
	assert.Equal(t, txHash, attempt.Transaction)
}

func TestWatchEventualConfirmation(t *testing.T) {
	txHash := common.HexToHash("0x01")
	var polls int
	m := &mockRelay{}
	m.status = func(string) (*relay.BatchStatus, error) {
		polls++
		if polls < 3 {
			return &relay.BatchStatus{StatusCode: relay.StatusPending}, nil
		}
		return &relay.BatchStatus{
			StatusCode: relay.StatusConfirmed,
			Receipts:   []relay.Receipt{{TransactionHash: txHash}},
		}, nil
	}
	s := newSettler(t, m, Config{PollInterval: time.Millisecond})

	attempt := &Attempt{ID: "a", BundleID: "bundle-1", Status: StatusSubmitted}
	require.NoError(t, s.Watch(context.Background(), attempt))
	assert.Equal(t, StatusConfirmed, attempt.Status)
	assert.GreaterOrEqual(t, polls, 3)
}

func TestWatchTerminalFailure(t *testing.T) {
	m := &mockRelay{
		status: func(string) (*relay.BatchStatus, error) {
			return &relay.BatchStatus{StatusCode: 500}, nil
		},
	}
	s := newSettler(t, m, Config{PollInterval: time.Millisecond})

	attempt := &Attempt{ID: "a", BundleID: "bundle-1", Status: StatusSubmitted}
	err := s.Watch(context.Background(), attempt)
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.Equal(t, StatusFailed, attempt.Status)
	assert.Contains(t, attempt.FailureReason, "500")
}

func TestWatchFailsClosedOnConfirmationWithoutReceipt(t *testing.T) {
	m := &mockRelay{
		status: func(string) (*relay.BatchStatus, error) {
			return &relay.BatchStatus{StatusCode: relay.StatusConfirmed}, nil
		},
	}
	s := newSettler(t, m, Config{PollInterval: time.Millisecond})

	attempt := &Attempt{ID: "a", BundleID: "bundle-1", Status: StatusSubmitted}
	err := s.Watch(context.Background(), attempt)
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.Equal(t, StatusFailed, attempt.Status)
}

func TestWatchTimesOutWithoutHanging(t *testing.T) {
	m := &mockRelay{
		status: func(string) (*relay.BatchStatus, error) {
			return &relay.BatchStatus{StatusCode: relay.StatusPending}, nil
		},
	}
	s := newSettler(t, m, Config{Timeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	attempt := &Attempt{ID: "a", BundleID: "bundle-1", Status: StatusSubmitted}
	start := time.Now()
	err := s.Watch(context.Background(), attempt)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrSettlementTimedOut)
	assert.Equal(t, StatusTimedOut, attempt.Status)
	assert.Less(t, elapsed, time.Second, "watch must not hang past timeout plus epsilon")
}

func TestWatchRetriesTransientPollErrors(t *testing.T) {
	var polls int
	m := &mockRelay{}
	m.status = func(string) (*relay.BatchStatus, error) {
		polls++
		if polls == 1 {
			return nil, fmt.Errorf("connection reset")
		}
		return &relay.BatchStatus{
			StatusCode: relay.StatusConfirmed,
			Receipts:   []relay.Receipt{{TransactionHash: common.HexToHash("0x01")}},
		}, nil
	}
	s := newSettler(t, m, Config{PollInterval: time.Millisecond})

	attempt := &Attempt{ID: "a", BundleID: "bundle-1", Status: StatusSubmitted}
	require.NoError(t, s.Watch(context.Background(), attempt))
	assert.Equal(t, StatusConfirmed, attempt.Status)
}

// Two identical authorizations submit independently; the server performs no
// nonce deduplication. The second batch's fate is the contract's business.
func TestDuplicateSubmissionsAreIndependent(t *testing.T) {
	var n int
	m := &mockRelay{
		sendCalls: func([]relay.Call, common.Address) (string, error) {
			n++
			return fmt.Sprintf("bundle-%d", n), nil
		},
	}
	s := newSettler(t, m, Config{})

	auth := testAuthorization(t)
	sig := make([]byte, 65)

	first, err := s.Submit(context.Background(), auth, sig)
	require.NoError(t, err)
	second, err := s.Submit(context.Background(), auth, sig)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.BundleID, second.BundleID)
	assert.Len(t, m.sentBatches, 2)
}
