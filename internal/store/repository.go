/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the billing-service. Defining an
 * interface decouples the reconciliation logic from the PostgreSQL
 * implementation and lets tests substitute lightweight stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/invoza/billing-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User / entitlement methods
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	RevokePremium(ctx context.Context, userID uuid.UUID) error

	// Ledger methods
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	FindTransactionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Transaction, error)
	FindLatestTransactionByOwner(ctx context.Context, ownerID uuid.UUID) (*domain.Transaction, error)
	FindStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)

	// Finalization. FinalizeTransactionAndGrantPremium is the single atomic
	// unit that flips a transaction to success AND grants the owner's premium
	// flag; it returns ErrAlreadyFinalized without writing anything when the
	// transaction has already succeeded. MarkTransactionFailed only ever
	// moves a pending transaction to failed.
	FinalizeTransactionAndGrantPremium(ctx context.Context, reference string, metadata []byte) (*domain.Transaction, error)
	MarkTransactionFailed(ctx context.Context, reference string, metadata []byte) error
}
