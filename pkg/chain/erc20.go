package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Minimal ERC-20 fragment: the Transfer event plus balanceOf.
const erc20ABIJSON = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}],
	 "name":"Transfer","type":"event"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],
	 "name":"balanceOf","outputs":[{"name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"}
]`

var (
	erc20ABI         abi.ABI
	transferEventID  common.Hash
	transferIndexed  abi.Arguments
	transferABIEvent abi.Event
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(err)
	}
	erc20ABI = parsed
	transferABIEvent = parsed.Events["Transfer"]
	transferEventID = transferABIEvent.ID
	for _, arg := range transferABIEvent.Inputs {
		if arg.Indexed {
			transferIndexed = append(transferIndexed, arg)
		}
	}
}

// TransferEvent is one decoded ERC-20 Transfer log.
type TransferEvent struct {
	Contract common.Address
	From     common.Address `abi:"from"`
	To       common.Address `abi:"to"`
	Value    *big.Int       `abi:"value"`
}

// DecodeTransferEvent decodes lg into a TransferEvent, or reports false when
// the log is not an ERC-20 Transfer.
func DecodeTransferEvent(lg *types.Log) (*TransferEvent, bool) {
	if lg == nil || len(lg.Topics) != 3 || lg.Topics[0] != transferEventID {
		return nil, false
	}

	var ev TransferEvent
	if err := erc20ABI.UnpackIntoInterface(&ev, "Transfer", lg.Data); err != nil {
		return nil, false
	}
	if err := abi.ParseTopics(&ev, transferIndexed, lg.Topics[1:]); err != nil {
		return nil, false
	}
	ev.Contract = lg.Address
	return &ev, true
}

// TransferEventID exposes the event signature hash for tests and log filters.
func TransferEventID() common.Hash {
	return transferEventID
}
