package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Decode turns a raw pool log into its typed event. The kind is derived from
// topic 0, so a log handed in under the wrong filter is rejected rather than
// misread.
//
// Layout: account/asset addresses are indexed (topics 1..n), amounts live in
// the data section as 32-byte big-endian words.
func Decode(l types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return nil, fmt.Errorf("log %s has no topics", l.TxHash)
	}

	kind := KindForTopic(l.Topics[0])
	meta := Meta{Hash: l.TxHash, Block: l.BlockNumber, Index: l.Index}

	switch kind {
	case KindDeposit:
		acct, asset, amount, err := accountAssetAmount(l)
		if err != nil {
			return nil, fmt.Errorf("decode Deposit: %w", err)
		}
		return &Deposit{Meta: meta, Account: acct, Asset: asset, Amount: amount}, nil

	case KindWithdraw:
		acct, asset, amount, err := accountAssetAmount(l)
		if err != nil {
			return nil, fmt.Errorf("decode Withdraw: %w", err)
		}
		return &Withdraw{Meta: meta, Account: acct, Asset: asset, Amount: amount}, nil

	case KindBorrow:
		acct, asset, amount, err := accountAssetAmount(l)
		if err != nil {
			return nil, fmt.Errorf("decode Borrow: %w", err)
		}
		return &Borrow{Meta: meta, Account: acct, Asset: asset, Amount: amount}, nil

	case KindRepay:
		acct, asset, amount, err := accountAssetAmount(l)
		if err != nil {
			return nil, fmt.Errorf("decode Repay: %w", err)
		}
		return &Repay{Meta: meta, Account: acct, Asset: asset, Amount: amount}, nil

	case KindCollateralSeized:
		acct, asset, amount, err := accountAssetAmount(l)
		if err != nil {
			return nil, fmt.Errorf("decode CollateralSeized: %w", err)
		}
		return &CollateralSeized{Meta: meta, Account: acct, Asset: asset, Amount: amount}, nil

	case KindAccrue:
		if len(l.Topics) < 2 {
			return nil, fmt.Errorf("decode Accrue: want 2 topics, got %d", len(l.Topics))
		}
		deposits, borrows, err := twoWords(l.Data)
		if err != nil {
			return nil, fmt.Errorf("decode Accrue: %w", err)
		}
		return &Accrue{
			Meta:          meta,
			Asset:         common.BytesToAddress(l.Topics[1].Bytes()),
			TotalDeposits: deposits,
			TotalBorrows:  borrows,
		}, nil

	case KindMarketSupported:
		if len(l.Topics) < 2 {
			return nil, fmt.Errorf("decode MarketSupported: want 2 topics, got %d", len(l.Topics))
		}
		return &MarketSupported{Meta: meta, Asset: common.BytesToAddress(l.Topics[1].Bytes())}, nil

	case KindMarketUnsupported:
		if len(l.Topics) < 2 {
			return nil, fmt.Errorf("decode MarketUnsupported: want 2 topics, got %d", len(l.Topics))
		}
		return &MarketUnsupported{Meta: meta, Asset: common.BytesToAddress(l.Topics[1].Bytes())}, nil

	default:
		return nil, fmt.Errorf("unknown event topic %s (tx %s)", l.Topics[0], l.TxHash)
	}
}

// accountAssetAmount unpacks the common (account, asset indexed; amount in
// data) layout shared by the five balance-moving events.
func accountAssetAmount(l types.Log) (common.Address, common.Address, *big.Int, error) {
	if len(l.Topics) < 3 {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("want 3 topics, got %d", len(l.Topics))
	}
	if len(l.Data) < 32 {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("want 32 data bytes, got %d", len(l.Data))
	}
	account := common.BytesToAddress(l.Topics[1].Bytes())
	asset := common.BytesToAddress(l.Topics[2].Bytes())
	amount := new(big.Int).SetBytes(l.Data[:32])
	return account, asset, amount, nil
}

func twoWords(data []byte) (*big.Int, *big.Int, error) {
	if len(data) < 64 {
		return nil, nil, fmt.Errorf("want 64 data bytes, got %d", len(data))
	}
	return new(big.Int).SetBytes(data[:32]), new(big.Int).SetBytes(data[32:64]), nil
}
