package store

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// Numeric adapts *big.Int to Postgres NUMERIC(78,0) columns. Token amounts
// are kept in raw smallest units; 78 digits covers the full uint256 range.
type Numeric struct {
	Int *big.Int
}

// Scan implements sql.Scanner. NULL scans as zero.
func (n *Numeric) Scan(src interface{}) error {
	if src == nil {
		n.Int = new(big.Int)
		return nil
	}
	var s string
	switch v := src.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("store: cannot scan %T into Numeric", src)
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("store: invalid numeric %q", s)
	}
	n.Int = i
	return nil
}

// Value implements driver.Valuer. A nil Int is written as zero.
func (n Numeric) Value() (driver.Value, error) {
	if n.Int == nil {
		return "0", nil
	}
	return n.Int.String(), nil
}
