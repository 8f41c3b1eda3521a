package chain

import (
	"context"
	"fmt"
	"math/big"
	"polyinsider/config"
	"polyinsider/internal/resilience"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// transferTopic is the ERC-20 Transfer(address,address,uint256) event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// usdcUnits converts USDC base units (6 decimals) to dollars.
var usdcUnits = big.NewFloat(1e6)

// Transfer is a USDC transfer into a wallet.
type Transfer struct {
	From        string
	To          string
	Amount      float64 // USDC
	BlockNumber uint64
	TxHash      string
	Time        time.Time
}

// Client reads USDC transfers from a Polygon JSON-RPC endpoint.
type Client struct {
	logger    *zap.Logger
	eth       *ethclient.Client
	token     common.Address
	blockTime time.Duration
	maxRange  uint64
	guard     *resilience.Guard
}

// NewClient connects to the configured RPC. It returns nil, nil when no RPC
// URL is set.
func NewClient(logger *zap.Logger, cfg *config.Config) (*Client, error) {
	if cfg.Chain.RPCURL == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !common.IsHexAddress(cfg.Chain.USDCAddress) {
		return nil, fmt.Errorf("invalid USDC address %q", cfg.Chain.USDCAddress)
	}

	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial polygon rpc: %w", err)
	}

	blockTime := cfg.Chain.BlockTime
	if blockTime <= 0 {
		blockTime = 2 * time.Second
	}
	maxRange := cfg.Chain.MaxBlockRange
	if maxRange == 0 {
		maxRange = 3000
	}

	return &Client{
		logger:    logger,
		eth:       eth,
		token:     common.HexToAddress(cfg.Chain.USDCAddress),
		blockTime: blockTime,
		maxRange:  maxRange,
		guard:     resilience.NewGuard("chain", cfg.Resilience.GuardPolicy(cfg.Resilience.ChainRatePerSecond), logger),
	}, nil
}

// Guard returns the endpoint guard for stats reporting.
func (c *Client) Guard() *resilience.Guard {
	return c.guard
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// IncomingTransfers returns USDC transfers into wallet at or after since,
// oldest first. The starting block is estimated from the block time and
// every log is checked against its block's timestamp.
func (c *Client) IncomingTransfers(ctx context.Context, wallet string, since time.Time) ([]Transfer, error) {
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("invalid wallet address %q", wallet)
	}
	to := common.HexToAddress(wallet)

	head, err := c.header(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	latest := head.Number.Uint64()
	headTime := time.Unix(int64(head.Time), 0).UTC()

	times := map[uint64]time.Time{latest: headTime}
	var transfers []Transfer

	for start := c.startBlock(latest, headTime, since); start <= latest; start += c.maxRange {
		end := start + c.maxRange - 1
		if end > latest {
			end = latest
		}

		logs, err := c.transferLogs(ctx, to, start, end)
		if err != nil {
			return nil, fmt.Errorf("transfer logs %d-%d: %w", start, end, err)
		}

		for _, l := range logs {
			if l.Removed || len(l.Topics) < 3 {
				continue
			}
			ts, ok := times[l.BlockNumber]
			if !ok {
				h, err := c.header(ctx, new(big.Int).SetUint64(l.BlockNumber))
				if err != nil {
					return nil, fmt.Errorf("header %d: %w", l.BlockNumber, err)
				}
				ts = time.Unix(int64(h.Time), 0).UTC()
				times[l.BlockNumber] = ts
			}
			if ts.Before(since) {
				continue
			}

			transfers = append(transfers, Transfer{
				From:        strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
				To:          strings.ToLower(to.Hex()),
				Amount:      toUSDC(l.Data),
				BlockNumber: l.BlockNumber,
				TxHash:      l.TxHash.Hex(),
				Time:        ts,
			})
		}
	}

	c.logger.Debug("fetched incoming transfers",
		zap.String("wallet", wallet),
		zap.Int("count", len(transfers)),
		zap.Uint64("latestBlock", latest),
	)
	return transfers, nil
}

// startBlock estimates the first block at or after since.
func (c *Client) startBlock(latest uint64, headTime, since time.Time) uint64 {
	if !since.Before(headTime) {
		return latest
	}
	span := uint64(headTime.Sub(since)/c.blockTime) + 1
	if span > latest {
		return 0
	}
	return latest - span
}

func (c *Client) header(ctx context.Context, number *big.Int) (*types.Header, error) {
	var h *types.Header
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		h, err = c.eth.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

func (c *Client) transferLogs(ctx context.Context, to common.Address, start, end uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(start),
		ToBlock:   new(big.Int).SetUint64(end),
		Addresses: []common.Address{c.token},
		Topics:    [][]common.Hash{{transferTopic}, nil, {common.BytesToHash(to.Bytes())}},
	}

	var logs []types.Log
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

func toUSDC(data []byte) float64 {
	v := new(big.Float).SetInt(new(big.Int).SetBytes(data))
	usd, _ := new(big.Float).Quo(v, usdcUnits).Float64()
	return usd
}
