package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"contractflow/db"
)

var (
	// ErrDuplicateIdempotencyKey signals the operation's key was claimed by an
	// earlier, committed call.
	ErrDuplicateIdempotencyKey = errors.New("escrow: duplicate idempotency key")
	ErrAccountNotFound         = errors.New("escrow: account not found")
	// ErrStaleAccount is returned when the version check on update fails.
	ErrStaleAccount = errors.New("escrow: stale account version")
)

// Store is the persistence seam for accounts, payment records and
// idempotency keys.
type Store interface {
	ClaimKey(ctx context.Context, tx pgx.Tx, key string) error
	InsertAccount(ctx context.Context, tx pgx.Tx, a Account) error
	GetAccount(ctx context.Context, q db.Querier, id string) (Account, error)
	GetAccountByContract(ctx context.Context, q db.Querier, contractID string) (Account, error)
	GetAccountForUpdate(ctx context.Context, tx pgx.Tx, id string) (Account, error)
	UpdateAccount(ctx context.Context, tx pgx.Tx, a Account) (Account, error)
	InsertPayment(ctx context.Context, tx pgx.Tx, p PaymentRecord) error
	PaymentsByKey(ctx context.Context, q db.Querier, key string) ([]PaymentRecord, error)
	ListPayments(ctx context.Context, q db.Querier, accountID string) ([]PaymentRecord, error)
	ListContractPayments(ctx context.Context, q db.Querier, contractID string) ([]PaymentRecord, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ClaimKey reserves key inside the active transaction. ON CONFLICT keeps the
// transaction usable when the key already exists.
func (r *Repository) ClaimKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("escrow: empty idempotency key")
	}
	tag, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return fmt.Errorf("escrow: insert idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateIdempotencyKey
	}
	return nil
}

func (r *Repository) InsertAccount(ctx context.Context, tx pgx.Tx, a Account) error {
	const insertSQL = `
INSERT INTO escrow_accounts (id, contract_id, total_amount, held_amount, released_amount, refunded_amount, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	if _, err := tx.Exec(ctx, insertSQL, a.ID, a.ContractID, a.Total, a.Held, a.Released, a.Refunded,
		string(a.Status), a.Version, a.CreatedAt, a.UpdatedAt); err != nil {
		return fmt.Errorf("escrow: insert account: %w", err)
	}
	return nil
}

const accountColumns = `id::text, contract_id::text, total_amount, held_amount, released_amount, refunded_amount, status, version, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.ContractID, &a.Total, &a.Held, &a.Released, &a.Refunded, &a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("escrow: scan account: %w", err)
	}
	return a, nil
}

func (r *Repository) GetAccount(ctx context.Context, q db.Querier, id string) (Account, error) {
	return scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1`, id))
}

func (r *Repository) GetAccountByContract(ctx context.Context, q db.Querier, contractID string) (Account, error) {
	return scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE contract_id = $1`, contractID))
}

func (r *Repository) GetAccountForUpdate(ctx context.Context, tx pgx.Tx, id string) (Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1 FOR UPDATE`, id))
}

// UpdateAccount writes balances guarded by the row version and returns the
// account with its new version.
func (r *Repository) UpdateAccount(ctx context.Context, tx pgx.Tx, a Account) (Account, error) {
	const updateSQL = `
UPDATE escrow_accounts
SET total_amount = $3,
    held_amount = $4,
    released_amount = $5,
    refunded_amount = $6,
    status = $7,
    updated_at = $8,
    version = version + 1
WHERE id = $1 AND version = $2;
`
	tag, err := tx.Exec(ctx, updateSQL, a.ID, a.Version, a.Total, a.Held, a.Released, a.Refunded, string(a.Status), a.UpdatedAt)
	if err != nil {
		return Account{}, fmt.Errorf("escrow: update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Account{}, ErrStaleAccount
	}
	a.Version++
	return a, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *Repository) InsertPayment(ctx context.Context, tx pgx.Tx, p PaymentRecord) error {
	const insertSQL = `
INSERT INTO payment_records (id, escrow_account_id, contract_id, type, amount, platform_fee, external_transaction_id, status, idempotency_key, description, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`
	if _, err := tx.Exec(ctx, insertSQL, p.ID, nullable(p.EscrowAccountID), p.ContractID, string(p.Type), p.Amount, p.PlatformFee,
		p.ExternalTransactionID, string(p.Status), p.IdempotencyKey, p.Description, p.CreatedAt); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("escrow: insert payment record: %w", err)
	}
	return nil
}

const paymentColumns = `id::text, escrow_account_id::text, contract_id::text, type, amount, platform_fee, external_transaction_id, status, idempotency_key, description, created_at`

func (r *Repository) listPayments(ctx context.Context, q db.Querier, where string, arg string) ([]PaymentRecord, error) {
	rows, err := q.Query(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE `+where+` ORDER BY created_at ASC, id ASC`, arg)
	if err != nil {
		return nil, fmt.Errorf("escrow: list payments: %w", err)
	}
	defer rows.Close()

	var out []PaymentRecord
	for rows.Next() {
		var (
			p         PaymentRecord
			accountID *string
		)
		if err := rows.Scan(&p.ID, &accountID, &p.ContractID, &p.Type, &p.Amount, &p.PlatformFee, &p.ExternalTransactionID,
			&p.Status, &p.IdempotencyKey, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan payment: %w", err)
		}
		if accountID != nil {
			p.EscrowAccountID = *accountID
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate payments: %w", err)
	}
	return out, nil
}

// PaymentsByKey returns the COMPLETED records written under key.
func (r *Repository) PaymentsByKey(ctx context.Context, q db.Querier, key string) ([]PaymentRecord, error) {
	return r.listPayments(ctx, q, `idempotency_key = $1 AND status = 'COMPLETED'`, key)
}

func (r *Repository) ListPayments(ctx context.Context, q db.Querier, accountID string) ([]PaymentRecord, error) {
	return r.listPayments(ctx, q, `escrow_account_id = $1`, accountID)
}

func (r *Repository) ListContractPayments(ctx context.Context, q db.Querier, contractID string) ([]PaymentRecord, error) {
	return r.listPayments(ctx, q, `contract_id = $1`, contractID)
}
