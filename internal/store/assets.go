package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Asset is a market listed by the pool. Supported flips to false when the
// market is delisted; history and balances are retained.
type Asset struct {
	Address       common.Address
	Name          string
	Symbol        string
	Decimals      uint8
	Supported     bool
	TotalDeposits *big.Int
	TotalBorrows  *big.Int
	UpdatedAt     time.Time
}

// EnsureAsset inserts the market row if absent, leaving it unsupported. A
// balance event can reference an asset whose listing predates the synced
// range; the row must exist before any position can point at it. An existing
// row is left untouched.
func (s *Store) EnsureAsset(ctx context.Context, a Asset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (address, name, symbol, decimals, supported)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (address) DO NOTHING`,
		addrKey(a.Address), a.Name, a.Symbol, a.Decimals,
	)
	if err != nil {
		return fmt.Errorf("store: ensure asset: %w", err)
	}
	return nil
}

// SupportAsset upserts the market with the given token metadata and marks it
// supported. Accumulated totals survive a delist/relist cycle.
func (s *Store) SupportAsset(ctx context.Context, a Asset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (address, name, symbol, decimals, supported)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (address) DO UPDATE SET
			name       = EXCLUDED.name,
			symbol     = EXCLUDED.symbol,
			decimals   = EXCLUDED.decimals,
			supported  = TRUE,
			updated_at = NOW()`,
		addrKey(a.Address), a.Name, a.Symbol, a.Decimals,
	)
	if err != nil {
		return fmt.Errorf("store: support asset: %w", err)
	}
	return nil
}

// UnsupportAsset marks the market delisted. Returns ErrNotFound when the
// market was never listed.
func (s *Store) UnsupportAsset(ctx context.Context, addr common.Address) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET supported = FALSE, updated_at = NOW() WHERE address = $1`,
		addrKey(addr),
	)
	if err != nil {
		return fmt.Errorf("store: unsupport asset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: unsupport asset: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAsset removes the market row, or returns ErrNotFound. Ingestion only
// delists markets; deletion exists for operational cleanup.
func (s *Store) DeleteAsset(ctx context.Context, addr common.Address) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE address = $1`, addrKey(addr))
	if err != nil {
		return fmt.Errorf("store: delete asset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete asset: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAssetTotals overwrites the market's protocol-wide totals with values
// read from the chain.
func (s *Store) SetAssetTotals(ctx context.Context, addr common.Address, deposits, borrows *big.Int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET total_deposits = $2, total_borrows = $3, updated_at = NOW()
		WHERE address = $1`,
		addrKey(addr), Numeric{deposits}, Numeric{borrows},
	)
	if err != nil {
		return fmt.Errorf("store: set asset totals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set asset totals: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAsset returns the market, or ErrNotFound.
func (s *Store) GetAsset(ctx context.Context, addr common.Address) (Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT address, name, symbol, decimals, supported, total_deposits, total_borrows, updated_at
		FROM assets WHERE address = $1`,
		addrKey(addr),
	)
	a, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("store: get asset: %w", err)
	}
	return a, nil
}

// ListAssets returns all markets, optionally restricted to supported ones.
func (s *Store) ListAssets(ctx context.Context, supportedOnly bool) ([]Asset, error) {
	q := `SELECT address, name, symbol, decimals, supported, total_deposits, total_borrows, updated_at
		FROM assets`
	if supportedOnly {
		q += ` WHERE supported`
	}
	q += ` ORDER BY address`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list assets: %w", err)
	}
	defer rows.Close()

	var out []Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAsset(row rowScanner) (Asset, error) {
	var (
		a                 Asset
		hex               string
		deposits, borrows Numeric
	)
	err := row.Scan(&hex, &a.Name, &a.Symbol, &a.Decimals, &a.Supported, &deposits, &borrows, &a.UpdatedAt)
	if err != nil {
		return Asset{}, err
	}
	a.Address = common.HexToAddress(hex)
	a.TotalDeposits = deposits.Int
	a.TotalBorrows = borrows.Int
	return a, nil
}
