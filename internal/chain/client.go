package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"lendmirror/internal/event"
	"lendmirror/internal/observability"
)

var (
	// ErrNotFound is returned when a block requested by number does not exist
	// on the connected node.
	ErrNotFound = errors.New("chain: not found")

	// ErrPushUnsupported is returned by SubscribeEvents when the client is
	// connected over a transport that cannot deliver push notifications.
	ErrPushUnsupported = errors.New("chain: push subscriptions unsupported on this transport")
)

// Config carries the connection endpoints and the contract addresses the
// client reads from.
type Config struct {
	// WSEndpoint is tried first. Empty means pull-only operation.
	WSEndpoint string
	// HTTPEndpoint is the fallback when the WebSocket dial fails.
	HTTPEndpoint string

	PoolAddress   common.Address
	OracleAddress common.Address
}

// TokenMetadata is the on-chain identity of a supported market's token.
type TokenMetadata struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// Client is a read-only view over the lending pool, its price oracle and the
// tokens it lists. All balance reads go to the chain; the client never derives
// balances from event payloads.
type Client struct {
	eth         *ethclient.Client
	pool        common.Address
	oracle      common.Address
	pushCapable bool
	log         zerolog.Logger
}

// Dial connects to the node, preferring the WebSocket endpoint. When the
// WebSocket dial fails (or no endpoint is configured) it degrades to the HTTP
// endpoint and the client reports itself pull-only.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	log := observability.NewLogger("chain")

	c := &Client{
		pool:   cfg.PoolAddress,
		oracle: cfg.OracleAddress,
		log:    log,
	}

	if cfg.WSEndpoint != "" {
		eth, err := ethclient.DialContext(ctx, cfg.WSEndpoint)
		if err == nil {
			c.eth = eth
			c.pushCapable = true
			log.Info().Str("endpoint", cfg.WSEndpoint).Msg("connected over websocket")
			return c, nil
		}
		log.Warn().Err(err).Str("endpoint", cfg.WSEndpoint).
			Msg("websocket dial failed, degrading to http pull mode")
	}

	if cfg.HTTPEndpoint == "" {
		return nil, errors.New("chain: no reachable endpoint configured")
	}
	eth, err := ethclient.DialContext(ctx, cfg.HTTPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.HTTPEndpoint, err)
	}
	c.eth = eth
	log.Info().Str("endpoint", cfg.HTTPEndpoint).Msg("connected over http")
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// PushCapable reports whether SubscribeEvents can be used on this connection.
func (c *Client) PushCapable() bool {
	return c.pushCapable
}

// CurrentHeight returns the node's latest block number.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// BlockTimestamp returns the timestamp of the block at the given height.
// Returns ErrNotFound when the node has no block at that height.
func (c *Client) BlockTimestamp(ctx context.Context, height uint64) (time.Time, error) {
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("chain: header %d: %w", height, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// SupplyBalance reads the account's current deposited balance of asset from
// the pool contract.
func (c *Client) SupplyBalance(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.pool, poolABI, "getSupplyBalance", account, asset)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// BorrowBalance reads the account's current borrowed balance of asset,
// inclusive of accrued interest, from the pool contract.
func (c *Client) BorrowBalance(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.pool, poolABI, "getBorrowBalance", account, asset)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// AccountShortfall reads the account's aggregate shortfall from the pool. A
// positive shortfall means the account is undercollateralized.
func (c *Client) AccountShortfall(ctx context.Context, account common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.pool, poolABI, "getAccountLiquidity", account)
	if err != nil {
		return nil, err
	}
	return out[1].(*big.Int), nil
}

// AssetPriceUSD reads the oracle's USD price for asset, scaled by 1e18.
func (c *Client) AssetPriceUSD(ctx context.Context, asset common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.oracle, oracleABI, "getPrice", asset)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Metadata reads the token's name, symbol and decimals.
func (c *Client) Metadata(ctx context.Context, asset common.Address) (TokenMetadata, error) {
	var md TokenMetadata

	out, err := c.call(ctx, asset, erc20ABI, "name")
	if err != nil {
		return md, err
	}
	md.Name = out[0].(string)

	out, err = c.call(ctx, asset, erc20ABI, "symbol")
	if err != nil {
		return md, err
	}
	md.Symbol = out[0].(string)

	out, err = c.call(ctx, asset, erc20ABI, "decimals")
	if err != nil {
		return md, err
	}
	md.Decimals = out[0].(uint8)

	return md, nil
}

// FilterEvents fetches all pool logs of the given kind in the inclusive block
// range [from, to], decoded and ordered by (block number, log index).
func (c *Client) FilterEvents(ctx context.Context, kind event.Kind, from, to uint64) ([]event.Event, error) {
	logs, err := c.eth.FilterLogs(ctx, c.filterQuery(kind, from, to))
	if err != nil {
		return nil, fmt.Errorf("chain: filter %s [%d,%d]: %w", kind, from, to, err)
	}

	events := make([]event.Event, 0, len(logs))
	for _, l := range logs {
		ev, err := event.Decode(l)
		if err != nil {
			c.log.Warn().Err(err).
				Str("tx", l.TxHash.Hex()).
				Uint64("block", l.BlockNumber).
				Msg("skipping undecodable log")
			continue
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber() != events[j].BlockNumber() {
			return events[i].BlockNumber() < events[j].BlockNumber()
		}
		return events[i].LogIndex() < events[j].LogIndex()
	})
	return events, nil
}

// SubscribeEvents subscribes to new pool logs of the given kind and forwards
// decoded events to out until the subscription fails or ctx is cancelled.
// Only available on push-capable connections.
func (c *Client) SubscribeEvents(ctx context.Context, kind event.Kind, out chan<- event.Event) (ethereum.Subscription, error) {
	if !c.pushCapable {
		return nil, ErrPushUnsupported
	}

	logs := make(chan types.Log, 128)
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.pool},
		Topics:    [][]common.Hash{{kind.Topic()}},
	}
	sub, err := c.eth.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return nil, fmt.Errorf("chain: subscribe %s: %w", kind, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case l, ok := <-logs:
				if !ok {
					return
				}
				ev, err := event.Decode(l)
				if err != nil {
					c.log.Warn().Err(err).
						Str("tx", l.TxHash.Hex()).
						Msg("skipping undecodable log")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

func (c *Client) filterQuery(kind event.Kind, from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.pool},
		Topics:    [][]common.Hash{{kind.Topic()}},
	}
}

func (c *Client) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return out, nil
}
