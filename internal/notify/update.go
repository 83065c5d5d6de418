package notify

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Update is the payload delivered to subscribers when the liquidatable set
// changes. Accounts are the complete new set, lowercase hex, sorted.
type Update struct {
	Type        string    `json:"type"`
	Accounts    []string  `json:"accounts"`
	Count       int       `json:"count"`
	BlockHeight uint64    `json:"block_height"`
	Timestamp   time.Time `json:"timestamp"`
}

// TypeLiquidatable identifies liquidatable-set updates.
const TypeLiquidatable = "liquidatable"

// NewLiquidatableUpdate builds the update for the given set as of height.
func NewLiquidatableUpdate(accounts []common.Address, height uint64) Update {
	hex := make([]string, len(accounts))
	for i, a := range accounts {
		hex[i] = strings.ToLower(a.Hex())
	}
	return Update{
		Type:        TypeLiquidatable,
		Accounts:    hex,
		Count:       len(hex),
		BlockHeight: height,
		Timestamp:   time.Now().UTC(),
	}
}
