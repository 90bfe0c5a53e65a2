package verification

import (
	"context"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg/chain"
	"github.com/stablepay/usdt-settlement/pkg/explorer"
)

var (
	tokenAddr = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	payerAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	merchAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeRPC struct {
	tx         *types.Transaction
	pending    bool
	txErr      error
	receipt    *types.Receipt
	receiptErr error
	head       uint64
}

func (f *fakeRPC) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return f.tx, f.pending, f.txErr
}

func (f *fakeRPC) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeRPC) BlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeRPC) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeRPC) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func tokenTx(to common.Address) *types.Transaction {
	return types.NewTx(&types.LegacyTx{To: &to, Gas: 60000, GasPrice: big.NewInt(1)})
}

func transferReceipt(block uint64, from, to common.Address, value *big.Int) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(block),
		Logs: []*types.Log{{
			Address: tokenAddr,
			Topics: []common.Hash{
				chain.TransferEventID(),
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(to.Bytes()),
			},
			Data: common.LeftPadBytes(value.Bytes(), 32),
		}},
	}
}

func baseUnits(s string) *big.Int {
	v := new(big.Int)
	v.SetString(s, 10)
	return v
}

func newTestEngine(rpc chain.RPC) Engine {
	return NewEngine(zap.NewNop(), rpc, nil, Config{TokenContract: tokenAddr.Hex()})
}

func TestVerify_ExactMatchConfirmed(t *testing.T) {
	rpc := &fakeRPC{
		tx:      tokenTx(tokenAddr),
		receipt: transferReceipt(100, payerAddr, merchAddr, baseUnits("10000000000000000000")),
		head:    112,
	}
	res, err := newTestEngine(rpc).Verify(context.Background(), "0xabc", payerAddr.Hex(), merchAddr.Hex(), decimal.RequireFromString("10.00"))
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, uint64(12), res.Confirmations)
	require.NotNil(t, res.Transfer)
	assert.Equal(t, payerAddr, res.Transfer.From)
}

func TestVerify_OneBaseUnitOffIsHardFailure(t *testing.T) {
	rpc := &fakeRPC{
		tx:      tokenTx(tokenAddr),
		receipt: transferReceipt(100, payerAddr, merchAddr, baseUnits("10000000000000000001")),
		head:    200,
	}
	res, err := newTestEngine(rpc).Verify(context.Background(), "0xabc", payerAddr.Hex(), merchAddr.Hex(), decimal.RequireFromString("10.00"))
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.False(t, res.Soft)
	assert.Contains(t, res.Reason, "amount mismatch")
	assert.Contains(t, res.Reason, "10.000000000000000001")
}

func TestVerify_InsufficientConfirmationsIsSoft(t *testing.T) {
	rpc := &fakeRPC{
		tx:      tokenTx(tokenAddr),
		receipt: transferReceipt(100, payerAddr, merchAddr, baseUnits("10000000000000000000")),
		head:    103,
	}
	res, err := newTestEngine(rpc).Verify(context.Background(), "0xabc", payerAddr.Hex(), merchAddr.Hex(), decimal.RequireFromString("10.00"))
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.True(t, res.Soft)
	assert.Equal(t, uint64(3), res.Confirmations)
}

func TestVerify_HardFailures(t *testing.T) {
	amount := decimal.RequireFromString("10.00")

	t.Run("transaction not found", func(t *testing.T) {
		rpc := &fakeRPC{txErr: ethereum.NotFound}
		res, err := newTestEngine(rpc).Verify(context.Background(), "0xabc", payerAddr.Hex(), merchAddr.Hex(), amount)
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		assert.False(t, res.Soft)
		assert.Equal(t, "transaction not found", res.Reason)
	})

	t.Run("wrong contract", func(t *testing.T) {
		other := common.HexToAddress("0x9999999999999999999999999999999999999999")
		rpc := &fakeRPC{tx: tokenTx(other)}
		res, err := newTestEngine(rpc).Verify(context.Background(), "0xabc", payerAddr.Hex(), merchAddr.Hex(), amount)
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		assert.Contains(t, res.Reason, "token contract")
	})

	t.Run("missing receipt", func(t *testing.T) {
		rpc := &fakeRPC{tx: tokenTx(tokenAddr), receiptErr: ethereum.NotFound}
		res, err := newTestEngine(rpc).Verify(context.Background(), "0xabc", payerAddr.Hex(), merchAddr.Hex(), amount)
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		assert.Contains(t, res.Reason, "failed or still pending")
	})

	t.Run("reverted receipt", func(t *testing.T) {
		receipt := transferReceipt(100, payerAddr, merchAddr, baseUnits("10000000000000000000"))
		receipt.Status = types.ReceiptStatusFailed
		rpc := &fakeRPC{tx: tokenTx(tokenAddr), receipt: receipt, head: 200}
		res, err := newTestEngine(rpc).Verify(context.Background(), "0xabc", payerAddr.Hex(), merchAddr.Hex(), amount)
		require.NoError(t, err)
		assert.False(t, res.IsValid)
	})

	t.Run("transfer between other parties", func(t *testing.T) {
		stranger := common.HexToAddress("0x3333333333333333333333333333333333333333")
		rpc := &fakeRPC{
			tx:      tokenTx(tokenAddr),
			receipt: transferReceipt(100, stranger, merchAddr, baseUnits("10000000000000000000")),
			head:    200,
		}
		res, err := newTestEngine(rpc).Verify(context.Background(), "0xabc", payerAddr.Hex(), merchAddr.Hex(), amount)
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		assert.Contains(t, res.Reason, "no token transfer")
	})
}

func scanTransfer(value string, ts time.Time) explorer.TokenTransfer {
	return explorer.TokenTransfer{
		Hash:      "0xfeed",
		From:      payerAddr.Hex(),
		To:        merchAddr.Hex(),
		Value:     value,
		TimeStamp: strconv.FormatInt(ts.Unix(), 10),
	}
}

func TestMatchCandidate(t *testing.T) {
	engine := newTestEngine(&fakeRPC{})
	created := time.Now().Add(-10 * time.Minute)
	amount := decimal.RequireFromString("10.00")

	t.Run("within tolerance", func(t *testing.T) {
		// 9.995 tokens, 0.005 under the expected amount.
		transfers := []explorer.TokenTransfer{scanTransfer("9995000000000000000", time.Now())}
		match, ok := engine.MatchCandidate(transfers, payerAddr.Hex(), merchAddr.Hex(), amount, created)
		require.True(t, ok)
		assert.Equal(t, "0xfeed", match.Hash)
	})

	t.Run("beyond tolerance", func(t *testing.T) {
		transfers := []explorer.TokenTransfer{scanTransfer("9980000000000000000", time.Now())}
		_, ok := engine.MatchCandidate(transfers, payerAddr.Hex(), merchAddr.Hex(), amount, created)
		assert.False(t, ok)
	})

	t.Run("older than order", func(t *testing.T) {
		transfers := []explorer.TokenTransfer{scanTransfer("10000000000000000000", created.Add(-time.Hour))}
		_, ok := engine.MatchCandidate(transfers, payerAddr.Hex(), merchAddr.Hex(), amount, created)
		assert.False(t, ok)
	})

	t.Run("case-insensitive parties", func(t *testing.T) {
		tr := scanTransfer("10000000000000000000", time.Now())
		tr.From = "0X1111111111111111111111111111111111111111"
		_, ok := engine.MatchCandidate([]explorer.TokenTransfer{tr}, payerAddr.Hex(), merchAddr.Hex(), amount, created)
		assert.True(t, ok)
	})

	t.Run("wrong recipient", func(t *testing.T) {
		tr := scanTransfer("10000000000000000000", time.Now())
		tr.To = "0x4444444444444444444444444444444444444444"
		_, ok := engine.MatchCandidate([]explorer.TokenTransfer{tr}, payerAddr.Hex(), merchAddr.Hex(), amount, created)
		assert.False(t, ok)
	})
}
