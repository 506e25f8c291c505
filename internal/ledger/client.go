// Package ledger talks to the settlement chain: ERC-20 balance reads,
// stake verification, and platform-wallet transfers. Verification is
// fail-closed; an unreachable chain never passes a check.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"intentcast/internal/logging"
)

var (
	selectorBalanceOf = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	selectorTransfer  = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	topicTransfer     = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// Gas for a plain ERC-20 transfer; generous headroom over the usual ~65k.
const transferGasLimit = 100_000

// Backend is the chain surface the client needs. *ethclient.Client
// satisfies it; tests substitute a fake.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client is the ledger client. Balance reads go through a TTL cache;
// stake checks and transfer verifications always reflect at most
// CacheTTL of staleness, never an unverified pass.
type Client struct {
	backend  Backend
	token    common.Address
	decimals int32
	chainID  *big.Int

	key  *ecdsa.PrivateKey
	from common.Address

	balances *expirable.LRU[string, decimal.Decimal]

	confirmTimeout time.Duration
	pollInterval   time.Duration

	logger logging.Logger
}

// New dials the RPC endpoint and resolves the chain id.
func New(ctx context.Context, cfg Config, logger logging.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("ledger: rpc url required")
	}
	backend, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect rpc: %w", err)
	}
	return NewWithBackend(ctx, backend, cfg, logger)
}

// NewWithBackend builds a client over an existing backend. Used directly
// by tests.
func NewWithBackend(ctx context.Context, backend Backend, cfg Config, logger logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	cfg.normalize()

	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("ledger: invalid token address %q", cfg.TokenAddress)
	}

	c := &Client{
		backend:        backend,
		token:          common.HexToAddress(cfg.TokenAddress),
		decimals:       cfg.Decimals,
		balances:       expirable.NewLRU[string, decimal.Decimal](cfg.CacheSize, nil, cfg.CacheTTL),
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		logger:         logger,
	}

	if cfg.ChainID != 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	} else {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger: resolve chain id: %w", err)
		}
		c.chainID = id
	}

	if cfg.ServiceKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.ServiceKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("ledger: parse service key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// ServiceWallet returns the platform wallet address, or the zero address
// when the client is read-only.
func (c *Client) ServiceWallet() common.Address { return c.from }

func (c *Client) toAtomic(amount decimal.Decimal) *big.Int {
	return amount.Shift(c.decimals).BigInt()
}

func (c *Client) fromAtomic(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -c.decimals)
}

// Balance returns the token balance of a wallet, served from cache within
// the TTL.
func (c *Client) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	if !common.IsHexAddress(wallet) {
		return decimal.Decimal{}, fmt.Errorf("ledger: invalid wallet address %q", wallet)
	}
	key := strings.ToLower(wallet)
	if bal, ok := c.balances.Get(key); ok {
		observeCacheEvent("hit")
		return bal, nil
	}
	observeCacheEvent("miss")

	bal, err := c.balanceOf(ctx, common.HexToAddress(wallet))
	if err != nil {
		observeCall("balance", "error")
		return decimal.Decimal{}, err
	}
	observeCall("balance", "success")
	c.balances.Add(key, bal)
	return bal, nil
}

func (c *Client) balanceOf(ctx context.Context, wallet common.Address) (decimal.Decimal, error) {
	data := append(append([]byte{}, selectorBalanceOf...), common.LeftPadBytes(wallet.Bytes(), 32)...)
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("ledger: balanceOf %s: %w", wallet.Hex(), err)
	}
	if len(out) < 32 {
		return decimal.Decimal{}, fmt.Errorf("ledger: balanceOf %s: short return (%d bytes)", wallet.Hex(), len(out))
	}
	return c.fromAtomic(new(big.Int).SetBytes(out[:32])), nil
}

// VerifyStake checks that a wallet holds at least the stake amount.
// Fail-closed: a chain error reports the stake as not verified rather
// than surfacing the error, so an unreachable RPC can never pass a check
// or block the caller.
func (c *Client) VerifyStake(ctx context.Context, wallet string, amount decimal.Decimal) (bool, error) {
	bal, err := c.Balance(ctx, wallet)
	if err != nil {
		observeCall("verify_stake", "error")
		c.logger.Warnf("stake check degraded to unverified for %s: %v", wallet, err)
		return false, nil
	}
	ok := bal.GreaterThanOrEqual(amount)
	if ok {
		observeCall("verify_stake", "success")
	} else {
		observeCall("verify_stake", "insufficient")
	}
	return ok, nil
}

// ExecuteTransfer moves tokens from the platform wallet to a recipient
// and waits for the transaction to mine. Returns the transaction hash.
func (c *Client) ExecuteTransfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	if c.key == nil {
		return "", fmt.Errorf("ledger: service key not configured")
	}
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("ledger: invalid recipient address %q", to)
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("ledger: transfer amount must be positive, got %s", amount)
	}

	bal, err := c.balanceOf(ctx, c.from)
	if err != nil {
		observeTransfer("error")
		return "", err
	}
	if bal.LessThan(amount) {
		observeTransfer("insufficient")
		return "", fmt.Errorf("ledger: platform wallet holds %s, need %s", bal, amount)
	}

	recipient := common.HexToAddress(to)
	data := append(append([]byte{}, selectorTransfer...),
		append(common.LeftPadBytes(recipient.Bytes(), 32), common.LeftPadBytes(c.toAtomic(amount).Bytes(), 32)...)...)

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		observeTransfer("error")
		return "", fmt.Errorf("ledger: pending nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		observeTransfer("error")
		return "", fmt.Errorf("ledger: gas price: %w", err)
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.token,
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		observeTransfer("error")
		return "", fmt.Errorf("ledger: sign transfer: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		observeTransfer("error")
		return "", fmt.Errorf("ledger: send transfer: %w", err)
	}

	hash := signed.Hash()
	c.logger.Infof("transfer submitted tx=%s to=%s amount=%s", hash.Hex(), recipient.Hex(), amount)

	receipt, err := c.waitMined(ctx, hash)
	if err != nil {
		observeTransfer("timeout")
		return "", err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		observeTransfer("reverted")
		return "", fmt.Errorf("ledger: transfer %s reverted", hash.Hex())
	}

	// Sender and recipient balances both moved.
	c.balances.Remove(strings.ToLower(c.from.Hex()))
	c.balances.Remove(strings.ToLower(recipient.Hex()))

	observeTransfer("success")
	return hash.Hex(), nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	deadline := time.Now().Add(c.confirmTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("ledger: receipt %s: %w", hash.Hex(), err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("ledger: transfer %s not mined within %s", hash.Hex(), c.confirmTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// VerifyTransfer confirms that a mined transaction carries a token
// Transfer of at least the given amount from one wallet to another.
// Fail-closed like VerifyStake.
func (c *Client) VerifyTransfer(ctx context.Context, txHash, from, to string, amount decimal.Decimal) (bool, error) {
	if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
		return false, fmt.Errorf("ledger: invalid transfer endpoints %q -> %q", from, to)
	}
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		observeCall("verify_transfer", "error")
		return false, fmt.Errorf("ledger: receipt %s: %w", txHash, err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		observeCall("verify_transfer", "reverted")
		return false, nil
	}

	want := c.toAtomic(amount)
	fromAddr := common.HexToAddress(from)
	toAddr := common.HexToAddress(to)

	for _, lg := range receipt.Logs {
		if lg.Address != c.token || len(lg.Topics) != 3 || lg.Topics[0] != topicTransfer {
			continue
		}
		if common.BytesToAddress(lg.Topics[1].Bytes()) != fromAddr {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != toAddr {
			continue
		}
		value := new(big.Int).SetBytes(lg.Data)
		if value.Cmp(want) >= 0 {
			observeCall("verify_transfer", "success")
			return true, nil
		}
	}
	observeCall("verify_transfer", "mismatch")
	return false, nil
}
