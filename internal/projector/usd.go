package projector

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// oraclePriceDecimals is the fixed-point scale of oracle prices.
const oraclePriceDecimals = 18

// usdValue converts a raw token amount to its USD value at the current
// oracle price. Valuation is best effort: an unreachable oracle yields zero
// rather than failing the event.
func (p *Projector) usdValue(ctx context.Context, asset common.Address, amount *big.Int) decimal.Decimal {
	price, err := p.chain.AssetPriceUSD(ctx, asset)
	if err != nil {
		p.metrics.RPCErrors.WithLabelValues("getPrice").Inc()
		p.log.Warn().Err(err).
			Str("asset", asset.Hex()).
			Msg("oracle price unavailable, recording zero usd value")
		return decimal.Zero
	}

	decimals := int32(18)
	if a, err := p.store.GetAsset(ctx, asset); err == nil {
		decimals = int32(a.Decimals)
	}

	tokens := decimal.NewFromBigInt(amount, -decimals)
	return tokens.Mul(decimal.NewFromBigInt(price, -oraclePriceDecimals))
}
