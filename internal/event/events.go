package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event is the interface all decoded pool events implement.
type Event interface {
	// Kind returns the discriminator
	Kind() Kind

	// TxHash returns the chain transaction hash (stable dedup key)
	TxHash() common.Hash

	// BlockNumber returns the height the log was emitted at
	BlockNumber() uint64

	// LogIndex returns the log's position within its block
	LogIndex() uint
}

// Meta carries the log coordinates common to every event.
type Meta struct {
	Hash  common.Hash
	Block uint64
	Index uint
}

func (m Meta) TxHash() common.Hash { return m.Hash }
func (m Meta) BlockNumber() uint64 { return m.Block }
func (m Meta) LogIndex() uint      { return m.Index }

// Deposit: an account supplied an asset to the pool.
type Deposit struct {
	Meta
	Account common.Address
	Asset   common.Address
	Amount  *big.Int // base units
}

func (e *Deposit) Kind() Kind { return KindDeposit }

// Withdraw: an account withdrew previously supplied assets.
type Withdraw struct {
	Meta
	Account common.Address
	Asset   common.Address
	Amount  *big.Int
}

func (e *Withdraw) Kind() Kind { return KindWithdraw }

// Borrow: an account took a loan against its collateral.
type Borrow struct {
	Meta
	Account common.Address
	Asset   common.Address
	Amount  *big.Int
}

func (e *Borrow) Kind() Kind { return KindBorrow }

// Repay: an account repaid borrowed assets.
type Repay struct {
	Meta
	Account common.Address
	Asset   common.Address
	Amount  *big.Int
}

func (e *Repay) Kind() Kind { return KindRepay }

// CollateralSeized: a liquidation executed against the account; Amount is the
// seized collateral in base units of Asset.
type CollateralSeized struct {
	Meta
	Account common.Address
	Asset   common.Address
	Amount  *big.Int
}

func (e *CollateralSeized) Kind() Kind { return KindCollateralSeized }

// Accrue: interest accrual checkpoint. Unlike per-account amounts, the
// aggregate totals in this payload are authoritative and are stored as-is.
type Accrue struct {
	Meta
	Asset         common.Address
	TotalDeposits *big.Int
	TotalBorrows  *big.Int
}

func (e *Accrue) Kind() Kind { return KindAccrue }

// MarketSupported: the pool started supporting an asset as a market.
type MarketSupported struct {
	Meta
	Asset common.Address
}

func (e *MarketSupported) Kind() Kind { return KindMarketSupported }

// MarketUnsupported: the pool stopped supporting an asset.
type MarketUnsupported struct {
	Meta
	Asset common.Address
}

func (e *MarketUnsupported) Kind() Kind { return KindMarketUnsupported }
