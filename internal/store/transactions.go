package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Transaction kinds recorded in the log. Only balance-moving events leave a
// transaction record; a seized collateral position is recorded as
// "liquidated".
const (
	TxDeposit    = "deposit"
	TxWithdraw   = "withdraw"
	TxBorrow     = "borrow"
	TxRepay      = "repay"
	TxLiquidated = "liquidated"
)

// Transaction is the permanent record of one observed protocol event.
// TxHash is the primary key: replaying a block range can never produce a
// second row for the same transaction.
type Transaction struct {
	TxHash      common.Hash
	Kind        string
	Account     *common.Address
	Asset       common.Address
	Amount      *big.Int
	AmountUSD   decimal.Decimal
	BlockNumber uint64
	LogIndex    uint
	OccurredAt  time.Time
	CreatedAt   time.Time
}

// TxFilter narrows ListTransactions. Zero values mean no restriction.
type TxFilter struct {
	Account *common.Address
	Asset   *common.Address
	Kind    string
	Limit   int
	Offset  int
}

// InsertTransaction records the event idempotently. Reports whether a new
// row was written; false means the tx hash was already recorded and the
// caller should skip its state updates.
func (s *Store) InsertTransaction(ctx context.Context, t Transaction) (bool, error) {
	var account interface{}
	if t.Account != nil {
		account = addrKey(*t.Account)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
			(tx_hash, kind, account, asset, amount, amount_usd, block_number, log_index, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tx_hash) DO NOTHING`,
		strings.ToLower(t.TxHash.Hex()), t.Kind, account, addrKey(t.Asset),
		Numeric{t.Amount}, t.AmountUSD, t.BlockNumber, t.LogIndex, t.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("store: insert transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: insert transaction: %w", err)
	}
	return n > 0, nil
}

// CreateTransaction records the event strictly: a duplicate tx hash returns
// ErrAlreadyExists instead of being swallowed.
func (s *Store) CreateTransaction(ctx context.Context, t Transaction) error {
	var account interface{}
	if t.Account != nil {
		account = addrKey(*t.Account)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
			(tx_hash, kind, account, asset, amount, amount_usd, block_number, log_index, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		strings.ToLower(t.TxHash.Hex()), t.Kind, account, addrKey(t.Asset),
		Numeric{t.Amount}, t.AmountUSD, t.BlockNumber, t.LogIndex, t.OccurredAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("store: create transaction: %w", err)
	}
	return nil
}

// DeleteTransaction removes the record, or returns ErrNotFound. Ingestion
// never deletes; this exists for operational cleanup.
func (s *Store) DeleteTransaction(ctx context.Context, hash common.Hash) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transactions WHERE tx_hash = $1`, strings.ToLower(hash.Hex()))
	if err != nil {
		return fmt.Errorf("store: delete transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete transaction: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransaction returns the recorded transaction, or ErrNotFound.
func (s *Store) GetTransaction(ctx context.Context, hash common.Hash) (Transaction, error) {
	var (
		t        Transaction
		txHex    string
		account  sql.NullString
		assetHex string
		amount   Numeric
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tx_hash, kind, account, asset, amount, amount_usd, block_number, log_index, occurred_at, created_at
		FROM transactions WHERE tx_hash = $1`,
		strings.ToLower(hash.Hex()),
	).Scan(&txHex, &t.Kind, &account, &assetHex, &amount,
		&t.AmountUSD, &t.BlockNumber, &t.LogIndex, &t.OccurredAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("store: get transaction: %w", err)
	}
	t.TxHash = common.HexToHash(txHex)
	if account.Valid {
		a := common.HexToAddress(account.String)
		t.Account = &a
	}
	t.Asset = common.HexToAddress(assetHex)
	t.Amount = amount.Int
	return t, nil
}

// HasTransaction reports whether a transaction with the hash is recorded.
func (s *Store) HasTransaction(ctx context.Context, hash common.Hash) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM transactions WHERE tx_hash = $1)`,
		strings.ToLower(hash.Hex()),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: has transaction: %w", err)
	}
	return exists, nil
}

// LatestBlock returns the highest block number of any recorded transaction,
// or 0 when the log is empty. Used to resume historical sync.
func (s *Store) LatestBlock(ctx context.Context) (uint64, error) {
	var block sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(block_number) FROM transactions`).Scan(&block)
	if err != nil {
		return 0, fmt.Errorf("store: latest block: %w", err)
	}
	if !block.Valid {
		return 0, nil
	}
	return uint64(block.Int64), nil
}

// ListTransactions returns recorded events newest first, narrowed by the
// filter.
func (s *Store) ListTransactions(ctx context.Context, f TxFilter) ([]Transaction, error) {
	q := `SELECT tx_hash, kind, account, asset, amount, amount_usd, block_number, log_index, occurred_at, created_at
		FROM transactions`

	var (
		conds []string
		args  []interface{}
	)
	if f.Account != nil {
		args = append(args, addrKey(*f.Account))
		conds = append(conds, fmt.Sprintf("account = $%d", len(args)))
	}
	if f.Asset != nil {
		args = append(args, addrKey(*f.Asset))
		conds = append(conds, fmt.Sprintf("asset = $%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY block_number DESC, log_index DESC"

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t        Transaction
			txHex    string
			account  sql.NullString
			assetHex string
			amount   Numeric
		)
		err := rows.Scan(&txHex, &t.Kind, &account, &assetHex, &amount,
			&t.AmountUSD, &t.BlockNumber, &t.LogIndex, &t.OccurredAt, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan transaction: %w", err)
		}
		t.TxHash = common.HexToHash(txHex)
		if account.Valid {
			a := common.HexToAddress(account.String)
			t.Account = &a
		}
		t.Asset = common.HexToAddress(assetHex)
		t.Amount = amount.Int
		out = append(out, t)
	}
	return out, rows.Err()
}
