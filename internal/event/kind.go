package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Kind discriminator for the fixed vocabulary of lending-pool events.
type Kind int32

const (
	KindUnknown Kind = iota
	KindDeposit
	KindWithdraw
	KindBorrow
	KindRepay
	KindCollateralSeized
	KindAccrue
	KindMarketSupported
	KindMarketUnsupported
)

// Topic hashes are derived from the Solidity event signatures emitted by the
// lending pool. Topic 0 of every log is the keccak-256 of its signature.
var (
	sigDeposit           = crypto.Keccak256Hash([]byte("Deposit(address,address,uint256)"))
	sigWithdraw          = crypto.Keccak256Hash([]byte("Withdraw(address,address,uint256)"))
	sigBorrow            = crypto.Keccak256Hash([]byte("Borrow(address,address,uint256)"))
	sigRepay             = crypto.Keccak256Hash([]byte("Repay(address,address,uint256)"))
	sigCollateralSeized  = crypto.Keccak256Hash([]byte("CollateralSeized(address,address,uint256)"))
	sigAccrue            = crypto.Keccak256Hash([]byte("Accrue(address,uint256,uint256)"))
	sigMarketSupported   = crypto.Keccak256Hash([]byte("MarketSupported(address)"))
	sigMarketUnsupported = crypto.Keccak256Hash([]byte("MarketUnsupported(address)"))
)

// Kinds returns the closed set of event kinds in replay order.
// Ordering between kinds carries no semantic weight: every handler overwrites
// from an authoritative read, so cross-kind order does not matter.
func Kinds() []Kind {
	return []Kind{
		KindDeposit,
		KindWithdraw,
		KindBorrow,
		KindRepay,
		KindCollateralSeized,
		KindAccrue,
		KindMarketSupported,
		KindMarketUnsupported,
	}
}

// Topic returns the log topic (signature hash) that identifies this kind.
func (k Kind) Topic() common.Hash {
	switch k {
	case KindDeposit:
		return sigDeposit
	case KindWithdraw:
		return sigWithdraw
	case KindBorrow:
		return sigBorrow
	case KindRepay:
		return sigRepay
	case KindCollateralSeized:
		return sigCollateralSeized
	case KindAccrue:
		return sigAccrue
	case KindMarketSupported:
		return sigMarketSupported
	case KindMarketUnsupported:
		return sigMarketUnsupported
	default:
		return common.Hash{}
	}
}

// KindForTopic maps a log's topic 0 back to its kind.
func KindForTopic(topic common.Hash) Kind {
	switch topic {
	case sigDeposit:
		return KindDeposit
	case sigWithdraw:
		return KindWithdraw
	case sigBorrow:
		return KindBorrow
	case sigRepay:
		return KindRepay
	case sigCollateralSeized:
		return KindCollateralSeized
	case sigAccrue:
		return KindAccrue
	case sigMarketSupported:
		return KindMarketSupported
	case sigMarketUnsupported:
		return KindMarketUnsupported
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "Deposit"
	case KindWithdraw:
		return "Withdraw"
	case KindBorrow:
		return "Borrow"
	case KindRepay:
		return "Repay"
	case KindCollateralSeized:
		return "CollateralSeized"
	case KindAccrue:
		return "Accrue"
	case KindMarketSupported:
		return "MarketSupported"
	case KindMarketUnsupported:
		return "MarketUnsupported"
	default:
		return "Unknown"
	}
}
