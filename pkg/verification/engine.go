// Package verification checks token payments against the chain. Point
// verification inspects a known transaction hash over direct RPC; candidate
// search scans an address's transfer history through the explorer API.
package verification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg/chain"
	"github.com/stablepay/usdt-settlement/pkg/explorer"
)

// scanTolerance absorbs decimal-formatting artifacts in provider data. It
// applies only to candidate matching; point verification is exact.
var scanTolerance = decimal.RequireFromString("0.01")

// Result is the outcome of point verification. A hard failure (Soft=false,
// IsValid=false) means the hash will never validate for this payment; a soft
// failure means the transfer matched but has not reached the confirmation
// threshold yet.
type Result struct {
	IsValid       bool
	Soft          bool
	Reason        string
	Confirmations uint64
	Tx            *types.Transaction
	Receipt       *types.Receipt
	Transfer      *chain.TransferEvent
}

// Engine defines payment verification operations.
type Engine interface {
	// Verify performs point verification of txHash against the expected
	// parties and amount. It returns an error only on transient RPC
	// failures; every definitive outcome is expressed in the Result.
	Verify(ctx context.Context, txHash, expectedFrom, expectedTo string, expectedAmount decimal.Decimal) (*Result, error)
	// FindTokenTransfers returns recent token transfers involving address.
	// Explorer failures are logged and yield an empty list so a scan
	// failure never aborts a reconciliation cycle.
	FindTokenTransfers(ctx context.Context, address string, startBlock, endBlock uint64) []explorer.TokenTransfer
	// ScanRecent is FindTokenTransfers over the trailing blocks window
	// ending at the current head.
	ScanRecent(ctx context.Context, address string, blocks uint64) []explorer.TokenTransfer
	// MatchCandidate picks the first transfer matching the given parties
	// and amount within tolerance, no older than notBefore.
	MatchCandidate(transfers []explorer.TokenTransfer, from, to string, amount decimal.Decimal, notBefore time.Time) (*explorer.TokenTransfer, bool)
	RequiredConfirmations() uint64
}

// Config holds the token parameters the engine verifies against.
type Config struct {
	TokenContract         string `mapstructure:"token_contract" validate:"required"`
	TokenDecimals         int32  `mapstructure:"token_decimals"`
	RequiredConfirmations uint64 `mapstructure:"required_confirmations"`
}

type EngineImpl struct {
	logger   *zap.Logger
	rpc      chain.RPC
	explorer *explorer.Client
	contract common.Address
	decimals int32
	required uint64
}

// NewEngine creates a verification engine. Zero-value decimals and
// confirmation threshold fall back to the USDT defaults (18, 12).
func NewEngine(logger *zap.Logger, rpc chain.RPC, exp *explorer.Client, cfg Config) Engine {
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 18
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 12
	}
	return &EngineImpl{
		logger:   logger,
		rpc:      rpc,
		explorer: exp,
		contract: common.HexToAddress(cfg.TokenContract),
		decimals: cfg.TokenDecimals,
		required: cfg.RequiredConfirmations,
	}
}

func (e *EngineImpl) RequiredConfirmations() uint64 {
	return e.required
}

func hard(reason string) *Result {
	return &Result{IsValid: false, Soft: false, Reason: reason}
}

func (e *EngineImpl) Verify(ctx context.Context, txHash, expectedFrom, expectedTo string, expectedAmount decimal.Decimal) (*Result, error) {
	hash := common.HexToHash(txHash)

	tx, isPending, err := e.rpc.TransactionByHash(ctx, hash)
	if chain.IsNotFound(err) {
		return hard("transaction not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", txHash, err)
	}
	if tx.To() == nil || *tx.To() != e.contract {
		return hard("transaction is not addressed to the token contract"), nil
	}
	if isPending {
		return hard("transaction failed or still pending"), nil
	}

	receipt, err := e.rpc.TransactionReceipt(ctx, hash)
	if chain.IsNotFound(err) {
		return hard("transaction failed or still pending"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt %s: %w", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hard("transaction failed or still pending"), nil
	}

	transfer, ok := e.findTransfer(receipt, expectedFrom, expectedTo)
	if !ok {
		return hard(fmt.Sprintf("no token transfer from %s to %s in transaction", expectedFrom, expectedTo)), nil
	}

	// Exact value comparison in base units. Any deviation is a different
	// payment, even when a scan within tolerance originally surfaced it.
	wantValue := expectedAmount.Shift(e.decimals).BigInt()
	if transfer.Value.Cmp(wantValue) != 0 {
		actual := decimal.NewFromBigInt(transfer.Value, -e.decimals)
		return hard(fmt.Sprintf("amount mismatch: expected %s, got %s", expectedAmount.String(), actual.String())), nil
	}

	head, err := e.rpc.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block number: %w", err)
	}
	var confirmations uint64
	if block := receipt.BlockNumber.Uint64(); head >= block {
		confirmations = head - block
	}
	if confirmations < e.required {
		return &Result{
			Soft:          true,
			Reason:        fmt.Sprintf("insufficient confirmations: %d of %d", confirmations, e.required),
			Confirmations: confirmations,
			Tx:            tx,
			Receipt:       receipt,
			Transfer:      transfer,
		}, nil
	}

	return &Result{
		IsValid:       true,
		Confirmations: confirmations,
		Tx:            tx,
		Receipt:       receipt,
		Transfer:      transfer,
	}, nil
}

// findTransfer decodes every Transfer the token contract emitted in the
// receipt and returns the one matching both parties. A transaction routed
// through an intermediate contract can emit several transfers; only an exact
// party match counts.
func (e *EngineImpl) findTransfer(receipt *types.Receipt, expectedFrom, expectedTo string) (*chain.TransferEvent, bool) {
	wantFrom := common.HexToAddress(expectedFrom)
	wantTo := common.HexToAddress(expectedTo)
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != e.contract {
			continue
		}
		ev, ok := chain.DecodeTransferEvent(lg)
		if !ok {
			continue
		}
		if ev.From == wantFrom && ev.To == wantTo {
			return ev, true
		}
	}
	return nil, false
}

func (e *EngineImpl) FindTokenTransfers(ctx context.Context, address string, startBlock, endBlock uint64) []explorer.TokenTransfer {
	transfers, err := e.explorer.TokenTransfers(ctx, e.contract.Hex(), address, startBlock, endBlock)
	if err != nil {
		e.logger.Warn("token transfer scan failed",
			zap.String("address", address),
			zap.Uint64("start_block", startBlock),
			zap.Uint64("end_block", endBlock),
			zap.Error(err))
		return nil
	}
	return transfers
}

func (e *EngineImpl) ScanRecent(ctx context.Context, address string, blocks uint64) []explorer.TokenTransfer {
	var start uint64
	head, err := e.rpc.BlockNumber(ctx)
	if err != nil {
		// Unbounded scan; the provider caps and sorts the list anyway.
		e.logger.Warn("failed to fetch head block for scan window", zap.Error(err))
	} else if head > blocks {
		start = head - blocks
	}
	return e.FindTokenTransfers(ctx, address, start, 0)
}

func (e *EngineImpl) MatchCandidate(transfers []explorer.TokenTransfer, from, to string, amount decimal.Decimal, notBefore time.Time) (*explorer.TokenTransfer, bool) {
	for i := range transfers {
		t := &transfers[i]
		if !strings.EqualFold(t.From, from) || !strings.EqualFold(t.To, to) {
			continue
		}
		if t.Amount(e.decimals).Sub(amount).Abs().GreaterThan(scanTolerance) {
			continue
		}
		if ts := t.Time(); ts.IsZero() || ts.Before(notBefore) {
			continue
		}
		return t, true
	}
	return nil, false
}
