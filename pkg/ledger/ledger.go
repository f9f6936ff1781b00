// Package ledger implements the LedgerClient capability (C6): reading
// ERC-20 reward-token balances and historical Transfer events from an
// L2 RPC endpoint, grounded on the ABI-encoding/decoding idiom in the
// pack's only go-ethereum consumer,
// rony4d-go-opera-asset/opera/contracts/evmwriter.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	ftypes "github.com/cuemby/formicaio/pkg/types"
)

// erc20ABI defines the two read calls formicaio needs: balanceOf and
// the Transfer event used to reconstruct payment history. Parsed once
// at init time following evmwriter's init()-time ABI.JSON pattern.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var (
	parsedABI     abi.ABI
	transferTopic common.Hash
)

func init() {
	a, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse erc20 abi: %v", err))
	}
	parsedABI = a
	transferTopic = a.Events["Transfer"].ID
}

// Client queries ERC-20 reward-token state for a configured L2 RPC
// endpoint and token contract.
type Client struct {
	eth   *ethclient.Client
	token common.Address
}

// Dial connects to rpcURL and targets tokenAddr as the reward token.
func Dial(rpcURL, tokenAddr string) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	if !common.IsHexAddress(tokenAddr) {
		return nil, fmt.Errorf("invalid token address %q", tokenAddr)
	}
	return &Client{eth: eth, token: common.HexToAddress(tokenAddr)}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.eth.Close() }

// GetBalance returns the reward-token balance of addr.
func (c *Client) GetBalance(ctx context.Context, addr string) (*big.Int, error) {
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("invalid address %q", addr)
	}
	data, err := parsedABI.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	msg := ethereum.CallMsg{To: &c.token, Data: data}
	out, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}

	vals, err := parsedABI.Unpack("balanceOf", out)
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type")
	}
	return balance, nil
}

// GetPaymentsSince queries Transfer events into addr emitted at or
// after fromBlock, returning them as Payments (spec.md §4.8 feeds
// these into the earnings analysis).
func (c *Client) GetPaymentsSince(ctx context.Context, addr string, fromBlock uint64) ([]ftypes.Payment, error) {
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("invalid address %q", addr)
	}
	to := common.HexToAddress(addr)

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.token},
		Topics: [][]common.Hash{
			{transferTopic},
			{},
			{common.BytesToHash(to.Bytes())},
		},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter transfer logs: %w", err)
	}

	out := make([]ftypes.Payment, 0, len(logs))
	for _, l := range logs {
		payment, err := c.paymentFromLog(ctx, l)
		if err != nil {
			continue
		}
		out = append(out, payment)
	}
	return out, nil
}

func (c *Client) paymentFromLog(ctx context.Context, l types.Log) (ftypes.Payment, error) {
	vals, err := parsedABI.Unpack("Transfer", l.Data)
	if err != nil || len(vals) == 0 {
		return ftypes.Payment{}, fmt.Errorf("unpack transfer log: %w", err)
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return ftypes.Payment{}, fmt.Errorf("unexpected transfer amount type")
	}

	header, err := c.eth.HeaderByHash(ctx, l.BlockHash)
	var timestampMs int64
	if err == nil {
		timestampMs = int64(header.Time) * 1000
	}

	to := common.BytesToAddress(l.Topics[2].Bytes())
	return ftypes.Payment{
		Address:     to.Hex(),
		Amount:      amount,
		TimestampMs: timestampMs,
		TxHash:      l.TxHash.Hex(),
	}, nil
}
