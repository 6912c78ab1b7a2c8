/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains the SQL for the payment ledger and the account
 * entitlement flag, including the atomic finalize step that the whole
 * reconciliation subsystem's correctness rests on.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/invoza/billing-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyFinalized    = errors.New("transaction already finalized")
	ErrTransactionUnowned  = errors.New("transaction has no owner")
	ErrDuplicateReference  = errors.New("transaction reference already exists")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserByID retrieves a user from the database by their ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, email, is_premium FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.Email, &user.IsPremium)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindUserByEmail retrieves a user from the database by their email address.
func (r *PostgresRepository) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, email, is_premium FROM users WHERE lower(btrim(email)) = lower(btrim($1))`
	err := r.db.QueryRow(ctx, query, email).Scan(&user.ID, &user.Email, &user.IsPremium)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// RevokePremium clears the premium flag for an account. This is the
// cancellation path; it never touches the ledger.
func (r *PostgresRepository) RevokePremium(ctx context.Context, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET is_premium = FALSE, updated_at = NOW() WHERE id = $1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateTransaction inserts a new pending ledger entry for a payment attempt.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, owner_id, reference, amount, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		tx.ID,
		tx.OwnerID,
		tx.Reference,
		tx.Amount,
		tx.Status,
		tx.Metadata,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

// FindTransactionByReference retrieves a ledger entry by its gateway reference.
func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `
		SELECT id, owner_id, reference, amount, status, metadata, created_at, updated_at
		FROM transactions
		WHERE reference = $1
	`
	var tx domain.Transaction
	err := r.db.QueryRow(ctx, query, reference).Scan(
		&tx.ID,
		&tx.OwnerID,
		&tx.Reference,
		&tx.Amount,
		&tx.Status,
		&tx.Metadata,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// FindTransactionsByOwner returns all ledger entries for an account, newest first.
func (r *PostgresRepository) FindTransactionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Transaction, error) {
	query := `
		SELECT id, owner_id, reference, amount, status, metadata, created_at, updated_at
		FROM transactions
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(
			&tx.ID,
			&tx.OwnerID,
			&tx.Reference,
			&tx.Amount,
			&tx.Status,
			&tx.Metadata,
			&tx.CreatedAt,
			&tx.UpdatedAt,
		); err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// FindLatestTransactionByOwner returns the most recent ledger entry for an account.
func (r *PostgresRepository) FindLatestTransactionByOwner(ctx context.Context, ownerID uuid.UUID) (*domain.Transaction, error) {
	query := `
		SELECT id, owner_id, reference, amount, status, metadata, created_at, updated_at
		FROM transactions
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var tx domain.Transaction
	err := r.db.QueryRow(ctx, query, ownerID).Scan(
		&tx.ID,
		&tx.OwnerID,
		&tx.Reference,
		&tx.Amount,
		&tx.Status,
		&tx.Metadata,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// FindStalePendingTransactions returns pending ledger entries created before
// the cutoff. The reconciliation sweep uses this to re-verify payments whose
// confirmations were lost.
func (r *PostgresRepository) FindStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT id, owner_id, reference, amount, status, metadata, created_at, updated_at
		FROM transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(
			&tx.ID,
			&tx.OwnerID,
			&tx.Reference,
			&tx.Amount,
			&tx.Status,
			&tx.Metadata,
			&tx.CreatedAt,
			&tx.UpdatedAt,
		); err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// FinalizeTransactionAndGrantPremium performs the atomic finalize step shared
// by the callback, webhook, and sweep paths. Inside a single database
// transaction it re-reads the ledger row under a row lock, aborts without
// writes if the row already reached success, then flips the status and grants
// the owning account's premium flag. Concurrent finalize attempts for the same
// reference serialize on the row lock: exactly one observes 'pending' and
// commits; the others get ErrAlreadyFinalized.
func (r *PostgresRepository) FinalizeTransactionAndGrantPremium(ctx context.Context, reference string, metadata []byte) (*domain.Transaction, error) {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback(ctx)

	var tx domain.Transaction
	query := `
		SELECT id, owner_id, reference, amount, status, metadata, created_at, updated_at
		FROM transactions
		WHERE reference = $1
		FOR UPDATE
	`
	err = dbtx.QueryRow(ctx, query, reference).Scan(
		&tx.ID,
		&tx.OwnerID,
		&tx.Reference,
		&tx.Amount,
		&tx.Status,
		&tx.Metadata,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to lock transaction row: %w", err)
	}

	if tx.Status == domain.TxStatusSuccess {
		return nil, ErrAlreadyFinalized
	}
	if tx.OwnerID == nil {
		return nil, ErrTransactionUnowned
	}

	_, err = dbtx.Exec(ctx,
		`UPDATE transactions SET status = $1, metadata = COALESCE($2, metadata), updated_at = NOW() WHERE id = $3`,
		domain.TxStatusSuccess, metadata, tx.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction status: %w", err)
	}

	_, err = dbtx.Exec(ctx,
		`UPDATE users SET is_premium = TRUE, updated_at = NOW() WHERE id = $1`,
		*tx.OwnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to grant premium: %w", err)
	}

	if err := dbtx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit finalize: %w", err)
	}

	tx.Status = domain.TxStatusSuccess
	if metadata != nil {
		tx.Metadata = metadata
	}
	return &tx, nil
}

// MarkTransactionFailed moves a pending ledger entry to failed. A finalized
// transaction is never downgraded; the guard is in the WHERE clause so the
// check and the write are one statement.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, reference string, metadata []byte) error {
	query := `
		UPDATE transactions
		SET status = $1, metadata = COALESCE($2, metadata), updated_at = NOW()
		WHERE reference = $3 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, domain.TxStatusFailed, metadata, reference, domain.TxStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the reference is unknown or the row already left pending.
		existing, findErr := r.FindTransactionByReference(ctx, reference)
		if findErr != nil {
			return findErr
		}
		if existing.Status == domain.TxStatusSuccess {
			return ErrAlreadyFinalized
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
