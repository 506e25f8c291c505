package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tokenAddr  = "0x3333333333333333333333333333333333333333"
	holderAddr = "0x4444444444444444444444444444444444444444"
	payeeAddr  = "0x5555555555555555555555555555555555555555"

	// Throwaway key; the derived address is the platform wallet in tests.
	serviceKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

type fakeBackend struct {
	mu sync.Mutex

	balances map[common.Address]*big.Int
	callErr  error

	sent     []*ethtypes.Transaction
	receipts map[common.Hash]*ethtypes.Receipt

	callCount int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		balances: make(map[common.Address]*big.Int),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
	}
}

func (b *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callCount++
	if b.callErr != nil {
		return nil, b.callErr
	}
	holder := common.BytesToAddress(call.Data[4:36])
	bal, ok := b.balances[holder]
	if !ok {
		bal = big.NewInt(0)
	}
	return common.LeftPadBytes(bal.Bytes(), 32), nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	b.receipts[tx.Hash()] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(84532), nil
}

func (b *fakeBackend) setBalance(addr string, tokens int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[common.HexToAddress(addr)] = new(big.Int).Mul(big.NewInt(tokens), big.NewInt(1_000_000))
}

func newTestClient(t *testing.T, backend Backend, key string) *Client {
	t.Helper()
	c, err := NewWithBackend(context.Background(), backend, Config{
		TokenAddress:   tokenAddr,
		ChainID:        84532,
		ServiceKey:     key,
		PollInterval:   time.Millisecond,
		ConfirmTimeout: time.Second,
		CacheTTL:       time.Minute,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestBalanceDecodesAndCaches(t *testing.T) {
	backend := newFakeBackend()
	backend.setBalance(holderAddr, 42)
	c := newTestClient(t, backend, "")

	bal, err := c.Balance(context.Background(), holderAddr)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(42)), "got %s", bal)

	// Second read is served from cache.
	before := backend.callCount
	_, err = c.Balance(context.Background(), holderAddr)
	require.NoError(t, err)
	assert.Equal(t, before, backend.callCount)
}

func TestBalanceRejectsBadAddress(t *testing.T) {
	c := newTestClient(t, newFakeBackend(), "")
	_, err := c.Balance(context.Background(), "not-an-address")
	require.Error(t, err)
}

func TestVerifyStakeFailClosed(t *testing.T) {
	backend := newFakeBackend()
	backend.callErr = errors.New("rpc unreachable")
	c := newTestClient(t, backend, "")

	ok, err := c.VerifyStake(context.Background(), holderAddr, decimal.NewFromInt(1))
	require.NoError(t, err, "chain errors degrade to unverified, never propagate")
	assert.False(t, ok, "chain error must never pass verification")
}

func TestVerifyStakeComparesBalance(t *testing.T) {
	backend := newFakeBackend()
	backend.setBalance(holderAddr, 10)
	c := newTestClient(t, backend, "")

	ok, err := c.VerifyStake(context.Background(), holderAddr, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.True(t, ok, "exact balance passes")

	c2 := newTestClient(t, backend, "")
	ok, err = c2.VerifyStake(context.Background(), holderAddr, decimal.RequireFromString("10.000001"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecuteTransferSignsAndWaits(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, serviceKey)
	backend.setBalance(c.ServiceWallet().Hex(), 100)

	txHash, err := c.ExecuteTransfer(context.Background(), payeeAddr, decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, txHash, tx.Hash().Hex())
	assert.Equal(t, common.HexToAddress(tokenAddr), *tx.To(), "transfer goes to the token contract")
	assert.Equal(t, uint64(7), tx.Nonce())

	// Calldata: selector + recipient + amount (1.5 tokens = 1500000 units).
	data := tx.Data()
	require.Len(t, data, 68)
	assert.Equal(t, common.HexToAddress(payeeAddr), common.BytesToAddress(data[4:36]))
	assert.Equal(t, int64(1_500_000), new(big.Int).SetBytes(data[36:]).Int64())

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(84532)), tx)
	require.NoError(t, err)
	assert.Equal(t, c.ServiceWallet(), sender)
}

func TestExecuteTransferInsufficientBalance(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, serviceKey)
	backend.setBalance(c.ServiceWallet().Hex(), 1)

	_, err := c.ExecuteTransfer(context.Background(), payeeAddr, decimal.NewFromInt(2))
	require.Error(t, err)
	assert.Empty(t, backend.sent, "no transaction when funds are short")
}

func TestExecuteTransferRequiresKey(t *testing.T) {
	c := newTestClient(t, newFakeBackend(), "")
	_, err := c.ExecuteTransfer(context.Background(), payeeAddr, decimal.NewFromInt(1))
	require.Error(t, err)
}

func transferReceipt(token, from, to string, units int64, status uint64) *ethtypes.Receipt {
	return &ethtypes.Receipt{
		Status: status,
		Logs: []*ethtypes.Log{{
			Address: common.HexToAddress(token),
			Topics: []common.Hash{
				topicTransfer,
				common.BytesToHash(common.HexToAddress(from).Bytes()),
				common.BytesToHash(common.HexToAddress(to).Bytes()),
			},
			Data: common.LeftPadBytes(big.NewInt(units).Bytes(), 32),
		}},
	}
}

func TestVerifyTransferMatchesEvent(t *testing.T) {
	backend := newFakeBackend()
	hash := common.HexToHash("0xaa")
	backend.receipts[hash] = transferReceipt(tokenAddr, holderAddr, payeeAddr, 2_000_000, ethtypes.ReceiptStatusSuccessful)
	c := newTestClient(t, backend, "")

	ok, err := c.VerifyTransfer(context.Background(), hash.Hex(), holderAddr, payeeAddr, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.True(t, ok)

	// Wrong recipient fails.
	ok, err = c.VerifyTransfer(context.Background(), hash.Hex(), holderAddr, holderAddr, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.False(t, ok)

	// Amount above the transferred value fails.
	ok, err = c.VerifyTransfer(context.Background(), hash.Hex(), holderAddr, payeeAddr, decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyTransferIgnoresOtherTokens(t *testing.T) {
	backend := newFakeBackend()
	hash := common.HexToHash("0xbb")
	backend.receipts[hash] = transferReceipt(payeeAddr, holderAddr, payeeAddr, 2_000_000, ethtypes.ReceiptStatusSuccessful)
	c := newTestClient(t, backend, "")

	ok, err := c.VerifyTransfer(context.Background(), hash.Hex(), holderAddr, payeeAddr, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.False(t, ok, "event from another contract must not count")
}

func TestVerifyTransferRevertedFails(t *testing.T) {
	backend := newFakeBackend()
	hash := common.HexToHash("0xcc")
	backend.receipts[hash] = transferReceipt(tokenAddr, holderAddr, payeeAddr, 2_000_000, ethtypes.ReceiptStatusFailed)
	c := newTestClient(t, backend, "")

	ok, err := c.VerifyTransfer(context.Background(), hash.Hex(), holderAddr, payeeAddr, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyTransferFailClosedOnMissingReceipt(t *testing.T) {
	c := newTestClient(t, newFakeBackend(), "")
	ok, err := c.VerifyTransfer(context.Background(), "0xdd", holderAddr, payeeAddr, decimal.NewFromInt(2))
	require.Error(t, err)
	assert.False(t, ok)
}
