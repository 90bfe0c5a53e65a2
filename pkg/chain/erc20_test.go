package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferLog(contract, from, to common.Address, value *big.Int) *types.Log {
	return &types.Log{
		Address: contract,
		Topics: []common.Hash{
			TransferEventID(),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(value.Bytes(), 32),
	}
}

func TestDecodeTransferEvent(t *testing.T) {
	contract := common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	value := new(big.Int)
	value.SetString("10000000000000000000", 10) // 10 tokens at 18 decimals

	ev, ok := DecodeTransferEvent(transferLog(contract, from, to, value))
	require.True(t, ok)
	assert.Equal(t, contract, ev.Contract)
	assert.Equal(t, from, ev.From)
	assert.Equal(t, to, ev.To)
	assert.Zero(t, ev.Value.Cmp(value))
}

func TestDecodeTransferEvent_RejectsOtherEvents(t *testing.T) {
	lg := &types.Log{
		Topics: []common.Hash{
			common.HexToHash("0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925"), // Approval
			common.BytesToHash(common.HexToAddress("0x1").Bytes()),
			common.BytesToHash(common.HexToAddress("0x2").Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(1).Bytes(), 32),
	}
	_, ok := DecodeTransferEvent(lg)
	assert.False(t, ok)

	// Transfers always carry exactly two indexed parties.
	_, ok = DecodeTransferEvent(&types.Log{Topics: []common.Hash{TransferEventID()}})
	assert.False(t, ok)
	_, ok = DecodeTransferEvent(nil)
	assert.False(t, ok)
}

func TestIsValidAddress(t *testing.T) {
	assert.True(t, IsValidAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"))
	assert.False(t, IsValidAddress("dAC17F958D2ee523a2206206994597C13D831ec7"))
	assert.False(t, IsValidAddress("0x123"))
	assert.False(t, IsValidAddress(""))
}
