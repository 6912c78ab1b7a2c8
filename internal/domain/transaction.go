/**
 * @description
 * This file defines the core domain models for the billing-service.
 * These structs represent the payment ledger entries and the data transfer
 * objects (DTOs) used by the business logic, store, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (kobo),
 *   which avoids floating-point inaccuracies with financial data.
 * - Transaction status strings are canonicalized to lowercase. `success`
 *   is terminal: once a transaction reaches it, it never transitions again.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Canonical transaction statuses. The gateway reports status in varying
// casing; everything is normalized to these values before persistence.
const (
	TxStatusPending = "pending"
	TxStatusSuccess = "success"
	TxStatusFailed  = "failed"
)

// Transaction is the central ledger record for one payment attempt. The
// `reference` is the idempotency key shared with the payment gateway; at most
// one entitlement grant ever happens per reference. This struct maps directly
// to the `transactions` table.
type Transaction struct {
	ID        uuid.UUID  `json:"id"`
	OwnerID   *uuid.UUID `json:"owner_id,omitempty"`
	Reference string     `json:"reference"`
	Amount    int64      `json:"amount"` // in kobo
	Status    string     `json:"status"` // 'pending', 'success', 'failed'
	Metadata  []byte     `json:"-"`      // raw gateway payload, audit only
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// User is the simplified account view the billing-service needs: identity,
// the email used when initializing a gateway charge, and the premium flag.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	IsPremium bool      `json:"is_premium"`
}

// InitializePaymentRequest is the DTO for incoming payment initialization
// API requests.
type InitializePaymentRequest struct {
	Amount int64 `json:"amount"` // in kobo
}

// InitializePaymentResponse carries the gateway redirect URL and the ledger
// reference back to the client.
type InitializePaymentResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	Reference        string `json:"reference"`
}

// CallbackOutcome is the browser-facing result of a redirect confirmation.
// It is the only thing the user path ever learns about verification.
type CallbackOutcome string

const (
	CallbackSuccess CallbackOutcome = "success"
	CallbackFailed  CallbackOutcome = "failed"
	CallbackError   CallbackOutcome = "error"
)

// BillingStatus is the DTO returned to account holders asking about their
// subscription tier and most recent payment.
type BillingStatus struct {
	Subscription string       `json:"subscription"` // 'Premium' or 'Free'
	LastPayment  *Transaction `json:"last_payment,omitempty"`
}

// PremiumGrantedEvent is the message payload published to RabbitMQ after a
// transaction is finalized and the owning account gains premium access.
type PremiumGrantedEvent struct {
	OwnerID   uuid.UUID `json:"owner_id"`
	Reference string    `json:"reference"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}
