package explorer

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TokenTransfer is one row of the provider's token-transfer history
// (module=account, action=tokentx). Numeric fields arrive as strings.
type TokenTransfer struct {
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"` // raw integer in token base units
	ContractAddress string `json:"contractAddress"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"` // unix seconds
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
	Confirmations   string `json:"confirmations"`
}

// Amount converts the raw base-unit value into token units.
func (t TokenTransfer) Amount(decimals int32) decimal.Decimal {
	raw, err := decimal.NewFromString(t.Value)
	if err != nil {
		return decimal.Zero
	}
	return raw.Shift(-decimals)
}

// Time parses the provider's unix-seconds timestamp.
func (t TokenTransfer) Time() time.Time {
	secs, err := strconv.ParseInt(t.TimeStamp, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// Block parses the block number; zero when unparseable.
func (t TokenTransfer) Block() uint64 {
	n, err := strconv.ParseUint(t.BlockNumber, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// TokenTransfers fetches the token-transfer history of an address for the
// given contract. startBlock/endBlock of zero mean "from genesis" / "latest".
// The provider reports an empty history as a soft error; that case is
// returned as an empty slice, not an error.
func (c *Client) TokenTransfers(ctx context.Context, contract, address string, startBlock, endBlock uint64) ([]TokenTransfer, error) {
	params := map[string]string{
		"contractaddress": contract,
		"address":         address,
		"sort":            "desc",
	}
	if startBlock > 0 {
		params["startblock"] = strconv.FormatUint(startBlock, 10)
	}
	if endBlock > 0 {
		params["endblock"] = strconv.FormatUint(endBlock, 10)
	}

	result, err := c.Request(ctx, Query{Module: "account", Action: "tokentx", Params: params})
	if err != nil {
		if ce, ok := AsClientError(err); ok && ce.Code == CodeProvider &&
			strings.Contains(strings.ToLower(ce.Message), "no transactions found") {
			return nil, nil
		}
		return nil, err
	}

	var transfers []TokenTransfer
	if err := json.Unmarshal(result, &transfers); err != nil {
		return nil, &ClientError{Code: CodeParse, Message: "malformed token transfer list", Cause: err}
	}
	return transfers, nil
}
