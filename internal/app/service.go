/**
 * @description
 * This file contains the core business logic for the billing-service: the
 * reconciliation engine. Two independent entry points can confirm the same
 * payment attempt (the browser redirect callback and the gateway webhook),
 * plus a periodic sweep that re-verifies stale pending attempts. All three
 * funnel into the repository's atomic finalize step, which guarantees exactly
 * one entitlement grant per reference no matter how many confirmations arrive
 * or in what order.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For owner IDs and reference generation.
 * - internal/domain, internal/store: Domain models and ledger access.
 * - pkg/paystackclient: The payment gateway client types and sentinel errors.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/invoza/billing-service/internal/domain"
	"github.com/invoza/billing-service/internal/store"
	"github.com/invoza/billing-service/pkg/paystackclient"
	"github.com/invoza/billing-service/pkg/rabbitmq"
)

var (
	// ErrInvalidAmount rejects initialization below the configured plan price.
	ErrInvalidAmount = errors.New("amount below the premium plan price")
)

const premiumGrantedRoutingKey = "billing.premium.granted"

// GatewayClient defines the gateway operations the reconciliation engine needs.
type GatewayClient interface {
	InitializeTransaction(ctx context.Context, req paystackclient.InitializeRequest) (*paystackclient.InitializeResult, error)
	VerifyTransaction(ctx context.Context, reference string) (*paystackclient.VerifyResult, error)
}

// Publisher defines the event publishing operations the service needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// WebhookDedupeCache is a best-effort, cross-instance duplicate suppressor for
// webhook deliveries. The database finalize step remains the authority on
// idempotence; the cache only saves redundant work on hot replays. Forget
// releases a key claimed by MarkProcessed so that a delivery which failed
// internally (and was answered 5xx) is reprocessed when the gateway retries.
type WebhookDedupeCache interface {
	MarkProcessed(ctx context.Context, key string) (firstDelivery bool, err error)
	Forget(ctx context.Context, key string) error
}

// Service provides the billing and payment-reconciliation business logic.
type Service struct {
	repo           store.Repository
	gateway        GatewayClient
	producer       Publisher
	dedupe         WebhookDedupeCache
	planAmountKobo int64
	publicBaseURL  string
}

// NewService creates a new billing service. The producer may be nil when the
// message broker is unavailable; finalization never depends on it.
func NewService(repo store.Repository, gateway GatewayClient, producer Publisher, planAmountKobo int64, publicBaseURL string) *Service {
	return &Service{
		repo:           repo,
		gateway:        gateway,
		producer:       producer,
		planAmountKobo: planAmountKobo,
		publicBaseURL:  strings.TrimRight(publicBaseURL, "/"),
	}
}

// SetWebhookDedupeCache wires an optional Redis-backed duplicate suppressor.
func (s *Service) SetWebhookDedupeCache(cache WebhookDedupeCache) {
	s.dedupe = cache
}

// InitializePayment creates a charge at the gateway and records a pending
// ledger entry keyed by a fresh reference. The reference is the idempotency
// key for the whole attempt and is shared with the gateway.
func (s *Service) InitializePayment(ctx context.Context, ownerID uuid.UUID, amount int64) (*domain.InitializePaymentResponse, error) {
	if amount < s.planAmountKobo {
		return nil, ErrInvalidAmount
	}

	user, err := s.repo.FindUserByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	reference := fmt.Sprintf("TXN-%d-%s", time.Now().UnixNano(), ownerID)

	result, err := s.gateway.InitializeTransaction(ctx, paystackclient.InitializeRequest{
		Email:       user.Email,
		Amount:      amount,
		Reference:   reference,
		CallbackURL: s.publicBaseURL + "/billing/payments/callback",
	})
	if err != nil {
		return nil, err
	}

	tx := &domain.Transaction{
		ID:        uuid.New(),
		OwnerID:   &ownerID,
		Reference: reference,
		Amount:    amount,
		Status:    domain.TxStatusPending,
		Metadata:  result.RawPayload,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	log.Printf("level=info component=service flow=initialize msg=\"payment initialized\" owner_id=%s reference=%s amount=%d", ownerID, reference, amount)

	return &domain.InitializePaymentResponse{
		AuthorizationURL: result.AuthorizationURL,
		Reference:        reference,
	}, nil
}

// ConfirmPaymentCallback handles the browser redirect confirmation (the
// low-trust path). The caller only ever learns a coarse outcome flag; gateway
// payloads and verification details never reach the user.
func (s *Service) ConfirmPaymentCallback(ctx context.Context, reference string) domain.CallbackOutcome {
	tx, err := s.repo.FindTransactionByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			// Forged or stale redirect; nothing to mutate.
			log.Printf("level=warn component=service flow=callback msg=\"unknown reference\" reference=%s", reference)
			return domain.CallbackFailed
		}
		log.Printf("level=error component=service flow=callback msg=\"ledger lookup failed\" reference=%s err=%v", reference, err)
		return domain.CallbackError
	}

	// Already finalized: report success without re-verifying at the gateway.
	if tx.Status == domain.TxStatusSuccess {
		return domain.CallbackSuccess
	}

	return s.verifyAndFinalize(ctx, reference, "callback")
}

// verifyAndFinalize runs the gateway verification plus the atomic finalize
// step. It is shared by the redirect callback and the reconciliation sweep.
func (s *Service) verifyAndFinalize(ctx context.Context, reference, flow string) domain.CallbackOutcome {
	verification, err := s.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		switch {
		case errors.Is(err, paystackclient.ErrReferenceNotFound):
			log.Printf("level=warn component=service flow=%s msg=\"gateway has no record of reference\" reference=%s", flow, reference)
			if markErr := s.repo.MarkTransactionFailed(ctx, reference, nil); markErr != nil && !errors.Is(markErr, store.ErrAlreadyFinalized) {
				log.Printf("level=error component=service flow=%s msg=\"failed to mark transaction failed\" reference=%s err=%v", flow, reference, markErr)
			}
			return domain.CallbackFailed
		case errors.Is(err, paystackclient.ErrGatewayUnavailable):
			log.Printf("level=warn component=service flow=%s msg=\"gateway unavailable during verify\" reference=%s err=%v", flow, reference, err)
			return domain.CallbackError
		default:
			log.Printf("level=error component=service flow=%s msg=\"verify failed\" reference=%s err=%v", flow, reference, err)
			return domain.CallbackError
		}
	}

	if verification.Status != domain.TxStatusSuccess {
		if markErr := s.repo.MarkTransactionFailed(ctx, reference, verification.RawPayload); markErr != nil && !errors.Is(markErr, store.ErrAlreadyFinalized) {
			log.Printf("level=error component=service flow=%s msg=\"failed to mark transaction failed\" reference=%s err=%v", flow, reference, markErr)
			return domain.CallbackError
		}
		return domain.CallbackFailed
	}

	if verification.Amount < s.planAmountKobo {
		// The gateway confirmed a charge, but for less than the plan price.
		// Initialization amounts are client-influenced, so the floor is
		// enforced here, on the verified amount.
		log.Printf("level=warn component=service flow=%s msg=\"verified amount below plan price\" reference=%s amount_paid=%d plan_amount=%d", flow, reference, verification.Amount, s.planAmountKobo)
		if markErr := s.repo.MarkTransactionFailed(ctx, reference, verification.RawPayload); markErr != nil && !errors.Is(markErr, store.ErrAlreadyFinalized) {
			log.Printf("level=error component=service flow=%s msg=\"failed to mark transaction failed\" reference=%s err=%v", flow, reference, markErr)
			return domain.CallbackError
		}
		return domain.CallbackFailed
	}

	finalized, err := s.repo.FinalizeTransactionAndGrantPremium(ctx, reference, verification.RawPayload)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyFinalized) {
			// The webhook (or a concurrent request) won the race. Same outcome.
			return domain.CallbackSuccess
		}
		log.Printf("level=error component=service flow=%s msg=\"finalize failed\" reference=%s err=%v", flow, reference, err)
		return domain.CallbackError
	}

	log.Printf("level=info component=service flow=%s msg=\"payment finalized\" reference=%s owner_id=%s", flow, reference, *finalized.OwnerID)
	s.publishPremiumGranted(ctx, finalized)
	return domain.CallbackSuccess
}

// ProcessWebhookEvent handles a gateway webhook whose signature has already
// been verified at the HTTP boundary. It returns nil for every safely handled
// event, including deliberate no-ops (unknown references, replays, ignored
// event types), so the caller acknowledges with 200 and the gateway stops
// redelivering. An error is returned only for unexpected internal failures,
// which the caller surfaces as a 5xx to request redelivery.
func (s *Service) ProcessWebhookEvent(ctx context.Context, rawBody []byte) error {
	var event domain.GatewayWebhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		// Authenticated but unparsable; redelivery would not help.
		log.Printf("level=warn component=service flow=webhook msg=\"undecodable event payload\" err=%v", err)
		return nil
	}

	if !event.IsChargeSuccess() {
		log.Printf("level=info component=service flow=webhook msg=\"ignoring event\" event=%s", event.Event)
		return nil
	}

	reference := strings.TrimSpace(event.Data.Reference)
	dedupeKey := event.Event + ":" + reference

	if s.dedupe != nil {
		first, err := s.dedupe.MarkProcessed(ctx, dedupeKey)
		if err != nil {
			// Cache failure is non-fatal; the finalize step stays idempotent.
			log.Printf("level=warn component=service flow=webhook msg=\"dedupe cache unavailable\" reference=%s err=%v", reference, err)
		} else if !first {
			log.Printf("level=info component=service flow=webhook msg=\"duplicate delivery suppressed\" reference=%s", reference)
			return nil
		}
	}

	tx, err := s.repo.FindTransactionByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=service flow=webhook msg=\"unknown reference; acknowledging\" reference=%s", reference)
			return nil
		}
		s.releaseWebhookDedupe(ctx, dedupeKey)
		return fmt.Errorf("ledger lookup for %s: %w", reference, err)
	}

	if tx.Status == domain.TxStatusSuccess {
		// Gateways redeliver webhooks until acknowledged; replays are expected.
		return nil
	}

	if event.Data.Amount < s.planAmountKobo {
		log.Printf("level=warn component=service flow=webhook msg=\"amount below plan price\" reference=%s amount_paid=%d plan_amount=%d", reference, event.Data.Amount, s.planAmountKobo)
		if markErr := s.repo.MarkTransactionFailed(ctx, reference, rawBody); markErr != nil && !errors.Is(markErr, store.ErrAlreadyFinalized) {
			s.releaseWebhookDedupe(ctx, dedupeKey)
			return fmt.Errorf("mark failed for %s: %w", reference, markErr)
		}
		return nil
	}

	finalized, err := s.repo.FinalizeTransactionAndGrantPremium(ctx, reference, rawBody)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyFinalized) {
			return nil
		}
		s.releaseWebhookDedupe(ctx, dedupeKey)
		return fmt.Errorf("finalize for %s: %w", reference, err)
	}

	log.Printf("level=info component=service flow=webhook msg=\"payment finalized\" reference=%s owner_id=%s", reference, *finalized.OwnerID)
	s.publishPremiumGranted(ctx, finalized)
	return nil
}

// releaseWebhookDedupe frees a dedupe key after an internal failure. The
// caller is about to answer 5xx; the gateway's retry must not be suppressed
// as a duplicate of the delivery that never finished.
func (s *Service) releaseWebhookDedupe(ctx context.Context, key string) {
	if s.dedupe == nil {
		return
	}
	if err := s.dedupe.Forget(ctx, key); err != nil {
		log.Printf("level=warn component=service flow=webhook msg=\"failed to release dedupe key\" key=%s err=%v", key, err)
	}
}

// BillingStatus returns the account's subscription tier and last payment.
func (s *Service) BillingStatus(ctx context.Context, ownerID uuid.UUID) (*domain.BillingStatus, error) {
	user, err := s.repo.FindUserByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	status := &domain.BillingStatus{Subscription: "Free"}
	if user.IsPremium {
		status.Subscription = "Premium"
	}

	last, err := s.repo.FindLatestTransactionByOwner(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
	} else {
		status.LastPayment = last
	}
	return status, nil
}

// PaymentHistory returns all payment attempts for an account, newest first.
func (s *Service) PaymentHistory(ctx context.Context, ownerID uuid.UUID) ([]domain.Transaction, error) {
	return s.repo.FindTransactionsByOwner(ctx, ownerID)
}

// CancelPremium revokes the account's premium entitlement. The ledger is
// untouched; successful transactions remain part of the audit trail.
func (s *Service) CancelPremium(ctx context.Context, ownerID uuid.UUID) error {
	if err := s.repo.RevokePremium(ctx, ownerID); err != nil {
		return err
	}
	log.Printf("level=info component=service flow=cancel msg=\"premium revoked\" owner_id=%s", ownerID)
	return nil
}

func (s *Service) publishPremiumGranted(ctx context.Context, tx *domain.Transaction) {
	if s.producer == nil || tx.OwnerID == nil {
		return
	}
	event := domain.PremiumGrantedEvent{
		OwnerID:   *tx.OwnerID,
		Reference: tx.Reference,
		Amount:    tx.Amount,
		Timestamp: time.Now(),
	}
	if err := s.producer.Publish(ctx, rabbitmq.BillingEventsExchange, premiumGrantedRoutingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"premium granted event publish failed\" reference=%s err=%v", tx.Reference, err)
	}
}
