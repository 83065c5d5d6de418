package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AccountAsset is one account's position in one market. Balances are always
// full values read from the chain, never event deltas.
type AccountAsset struct {
	Account   common.Address
	Asset     common.Address
	Deposited *big.Int
	Borrowed  *big.Int
	UpdatedAt time.Time
}

// UpsertAccountAsset overwrites both balances of the position, creating the
// row if needed.
func (s *Store) UpsertAccountAsset(ctx context.Context, account, asset common.Address, deposited, borrowed *big.Int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_assets (account, asset, deposited, borrowed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account, asset) DO UPDATE SET
			deposited  = EXCLUDED.deposited,
			borrowed   = EXCLUDED.borrowed,
			updated_at = NOW()`,
		addrKey(account), addrKey(asset), Numeric{deposited}, Numeric{borrowed},
	)
	if err != nil {
		return fmt.Errorf("store: upsert position: %w", err)
	}
	return nil
}

// SetDeposited overwrites the deposited balance of an existing position.
// Reports whether a row was updated; absent positions are left untouched.
func (s *Store) SetDeposited(ctx context.Context, account, asset common.Address, deposited *big.Int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE account_assets SET deposited = $3, updated_at = NOW()
		WHERE account = $1 AND asset = $2`,
		addrKey(account), addrKey(asset), Numeric{deposited},
	)
	if err != nil {
		return false, fmt.Errorf("store: set deposited: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: set deposited: %w", err)
	}
	return n > 0, nil
}

// SetBorrowed overwrites the borrowed balance of an existing position.
// Reports whether a row was updated.
func (s *Store) SetBorrowed(ctx context.Context, account, asset common.Address, borrowed *big.Int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE account_assets SET borrowed = $3, updated_at = NOW()
		WHERE account = $1 AND asset = $2`,
		addrKey(account), addrKey(asset), Numeric{borrowed},
	)
	if err != nil {
		return false, fmt.Errorf("store: set borrowed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: set borrowed: %w", err)
	}
	return n > 0, nil
}

// DeleteAccountAsset removes the position row, or returns ErrNotFound.
func (s *Store) DeleteAccountAsset(ctx context.Context, account, asset common.Address) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM account_assets WHERE account = $1 AND asset = $2`,
		addrKey(account), addrKey(asset),
	)
	if err != nil {
		return fmt.Errorf("store: delete position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete position: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAccountAsset returns one position, or ErrNotFound.
func (s *Store) GetAccountAsset(ctx context.Context, account, asset common.Address) (AccountAsset, error) {
	var (
		aa                  AccountAsset
		accHex, assetHex    string
		deposited, borrowed Numeric
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT account, asset, deposited, borrowed, updated_at
		FROM account_assets WHERE account = $1 AND asset = $2`,
		addrKey(account), addrKey(asset),
	).Scan(&accHex, &assetHex, &deposited, &borrowed, &aa.UpdatedAt)
	if err == sql.ErrNoRows {
		return AccountAsset{}, ErrNotFound
	}
	if err != nil {
		return AccountAsset{}, fmt.Errorf("store: get position: %w", err)
	}
	aa.Account = common.HexToAddress(accHex)
	aa.Asset = common.HexToAddress(assetHex)
	aa.Deposited = deposited.Int
	aa.Borrowed = borrowed.Int
	return aa, nil
}

// ListAccountAssets returns all positions held by the account.
func (s *Store) ListAccountAssets(ctx context.Context, account common.Address) ([]AccountAsset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account, asset, deposited, borrowed, updated_at
		FROM account_assets WHERE account = $1 ORDER BY asset`,
		addrKey(account),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list positions: %w", err)
	}
	defer rows.Close()

	var out []AccountAsset
	for rows.Next() {
		var (
			aa                  AccountAsset
			accHex, assetHex    string
			deposited, borrowed Numeric
		)
		if err := rows.Scan(&accHex, &assetHex, &deposited, &borrowed, &aa.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan position: %w", err)
		}
		aa.Account = common.HexToAddress(accHex)
		aa.Asset = common.HexToAddress(assetHex)
		aa.Deposited = deposited.Int
		aa.Borrowed = borrowed.Int
		out = append(out, aa)
	}
	return out, rows.Err()
}
