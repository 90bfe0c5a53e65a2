// Package chain wraps direct JSON-RPC access to an EVM chain for point
// verification of transactions, independent of the block-explorer API.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// RPC is the narrow surface the verification engine needs. Network-backed
// and transiently fallible; callers decide their own retry policy.
type RPC interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// Client implements RPC on top of go-ethereum's ethclient.
type Client struct {
	eth    *ethclient.Client
	logger *zap.Logger
}

func NewClient(rpcURL string, logger *zap.Logger) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", rpcURL, err)
	}
	logger.Info("chain RPC client initialized", zap.String("endpoint", rpcURL))
	return &Client{eth: eth, logger: logger}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return c.eth.TransactionByHash(ctx, hash)
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, hash)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

// TokenBalance calls balanceOf(owner) on the token contract.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	if len(result) < 32 {
		return nil, fmt.Errorf("invalid balance response length: %d", len(result))
	}
	return new(big.Int).SetBytes(result), nil
}

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsValidAddress reports whether s is a well-formed EVM address.
func IsValidAddress(s string) bool {
	return addressRe.MatchString(s)
}

// IsNotFound reports whether err is the RPC's "not found" sentinel.
func IsNotFound(err error) bool {
	return err == ethereum.NotFound
}
