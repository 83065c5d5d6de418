package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Account is a protocol participant.
type Account struct {
	Address      common.Address
	Liquidatable bool
	CreatedAt    time.Time
}

// EnsureAccount creates the account row if it does not exist yet. Safe to
// call for every observed event.
func (s *Store) EnsureAccount(ctx context.Context, addr common.Address) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (address) VALUES ($1)
		ON CONFLICT (address) DO NOTHING`,
		addrKey(addr),
	)
	if err != nil {
		return fmt.Errorf("store: ensure account: %w", err)
	}
	return nil
}

// GetAccount returns the account, or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, addr common.Address) (Account, error) {
	var (
		a   Account
		hex string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT address, liquidatable, created_at FROM accounts WHERE address = $1`,
		addrKey(addr),
	).Scan(&hex, &a.Liquidatable, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("store: get account: %w", err)
	}
	a.Address = common.HexToAddress(hex)
	return a, nil
}

// ListAccounts returns accounts ordered by address. Limit defaults to 100.
func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]Account, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, liquidatable, created_at FROM accounts
		ORDER BY address LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var (
			a   Account
			hex string
		)
		if err := rows.Scan(&hex, &a.Liquidatable, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		a.Address = common.HexToAddress(hex)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListBorrowers returns every account that currently has a positive borrowed
// balance in any market.
func (s *Store) ListBorrowers(ctx context.Context) ([]common.Address, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT account FROM account_assets WHERE borrowed > 0 ORDER BY account`)
	if err != nil {
		return nil, fmt.Errorf("store: list borrowers: %w", err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, fmt.Errorf("store: scan borrower: %w", err)
		}
		out = append(out, common.HexToAddress(hex))
	}
	return out, rows.Err()
}

// SetLiquidatable records the account's current risk flag.
func (s *Store) SetLiquidatable(ctx context.Context, addr common.Address, flag bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET liquidatable = $2 WHERE address = $1`,
		addrKey(addr), flag,
	)
	if err != nil {
		return fmt.Errorf("store: set liquidatable: %w", err)
	}
	return nil
}

// ListLiquidatable returns the addresses currently flagged at risk, sorted.
func (s *Store) ListLiquidatable(ctx context.Context) ([]common.Address, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address FROM accounts WHERE liquidatable ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("store: list liquidatable: %w", err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, fmt.Errorf("store: scan liquidatable: %w", err)
		}
		out = append(out, common.HexToAddress(hex))
	}
	return out, rows.Err()
}
