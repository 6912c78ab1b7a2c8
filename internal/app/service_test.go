package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/invoza/billing-service/internal/domain"
	"github.com/invoza/billing-service/internal/store"
	"github.com/invoza/billing-service/pkg/paystackclient"
)

type reconcileRepoStub struct {
	store.Repository

	mu sync.Mutex

	user *domain.User
	tx   *domain.Transaction

	createdTx *domain.Transaction

	finalizeCalls   int
	markFailedCalls int
	finalizeErr     error
}

func (s *reconcileRepoStub) FindUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	if s.user == nil || s.user.ID != id {
		return nil, store.ErrUserNotFound
	}
	return s.user, nil
}

func (s *reconcileRepoStub) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.createdTx = tx
	return nil
}

func (s *reconcileRepoStub) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.tx.Reference != reference {
		return nil, store.ErrTransactionNotFound
	}
	copied := *s.tx
	return &copied, nil
}

func (s *reconcileRepoStub) FinalizeTransactionAndGrantPremium(ctx context.Context, reference string, metadata []byte) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizeErr != nil {
		return nil, s.finalizeErr
	}
	if s.tx == nil || s.tx.Reference != reference {
		return nil, store.ErrTransactionNotFound
	}
	if s.tx.Status == domain.TxStatusSuccess {
		return nil, store.ErrAlreadyFinalized
	}
	s.finalizeCalls++
	s.tx.Status = domain.TxStatusSuccess
	copied := *s.tx
	return &copied, nil
}

func (s *reconcileRepoStub) MarkTransactionFailed(ctx context.Context, reference string, metadata []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.tx.Reference != reference {
		return store.ErrTransactionNotFound
	}
	if s.tx.Status == domain.TxStatusSuccess {
		return store.ErrAlreadyFinalized
	}
	s.markFailedCalls++
	s.tx.Status = domain.TxStatusFailed
	return nil
}

type gatewayStub struct {
	initResult *paystackclient.InitializeResult
	initErr    error

	verifyResult *paystackclient.VerifyResult
	verifyErr    error
	verifyCalls  int
}

func (g *gatewayStub) InitializeTransaction(ctx context.Context, req paystackclient.InitializeRequest) (*paystackclient.InitializeResult, error) {
	if g.initErr != nil {
		return nil, g.initErr
	}
	if g.initResult != nil {
		return g.initResult, nil
	}
	return &paystackclient.InitializeResult{
		AuthorizationURL: "https://checkout.example.com/" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func (g *gatewayStub) VerifyTransaction(ctx context.Context, reference string) (*paystackclient.VerifyResult, error) {
	g.verifyCalls++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	return g.verifyResult, nil
}

type publisherStub struct {
	mu     sync.Mutex
	events []domain.PremiumGrantedEvent
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event, ok := body.(domain.PremiumGrantedEvent); ok {
		p.events = append(p.events, event)
	}
	return nil
}

func (p *publisherStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

const testPlanAmount = int64(500000)

func newPendingTransaction(ownerID uuid.UUID, reference string) *domain.Transaction {
	return &domain.Transaction{
		ID:        uuid.New(),
		OwnerID:   &ownerID,
		Reference: reference,
		Amount:    testPlanAmount,
		Status:    domain.TxStatusPending,
		CreatedAt: time.Now().Add(-time.Hour),
	}
}

func chargeSuccessBody(t *testing.T, reference string, amount int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"event": "charge.success",
		"data": map[string]interface{}{
			"reference": reference,
			"amount":    amount,
			"status":    "success",
		},
	})
	if err != nil {
		t.Fatalf("failed to build webhook body: %v", err)
	}
	return body
}

func TestInitializePayment_RejectsAmountBelowPlanPrice(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{user: &domain.User{ID: ownerID, Email: "owner@example.com"}}
	service := NewService(repo, &gatewayStub{}, nil, testPlanAmount, "https://billing.example.com")

	_, err := service.InitializePayment(context.Background(), ownerID, testPlanAmount-1)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if repo.createdTx != nil {
		t.Fatal("did not expect a ledger entry for a rejected amount")
	}
}

func TestInitializePayment_CreatesPendingLedgerEntry(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{user: &domain.User{ID: ownerID, Email: "owner@example.com"}}
	service := NewService(repo, &gatewayStub{}, nil, testPlanAmount, "https://billing.example.com")

	result, err := service.InitializePayment(context.Background(), ownerID, testPlanAmount)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.createdTx == nil {
		t.Fatal("expected a pending ledger entry to be created")
	}
	if repo.createdTx.Status != domain.TxStatusPending {
		t.Fatalf("expected pending status, got %q", repo.createdTx.Status)
	}
	if !strings.HasPrefix(result.Reference, "TXN-") {
		t.Fatalf("expected TXN- reference prefix, got %q", result.Reference)
	}
	if repo.createdTx.Reference != result.Reference {
		t.Fatalf("ledger reference %q does not match response reference %q", repo.createdTx.Reference, result.Reference)
	}
	if result.AuthorizationURL == "" {
		t.Fatal("expected an authorization URL for the payer redirect")
	}
}

func TestConfirmPaymentCallback_VerifiedSuccessGrantsPremium(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{tx: newPendingTransaction(ownerID, "TXN-1-owner")}
	gateway := &gatewayStub{verifyResult: &paystackclient.VerifyResult{Status: domain.TxStatusSuccess, Amount: testPlanAmount}}
	producer := &publisherStub{}
	service := NewService(repo, gateway, producer, testPlanAmount, "https://billing.example.com")

	outcome := service.ConfirmPaymentCallback(context.Background(), "TXN-1-owner")
	if outcome != domain.CallbackSuccess {
		t.Fatalf("expected success outcome, got %q", outcome)
	}
	if repo.finalizeCalls != 1 {
		t.Fatalf("expected exactly one finalize, got %d", repo.finalizeCalls)
	}
	if producer.count() != 1 {
		t.Fatalf("expected one premium granted event, got %d", producer.count())
	}
}

func TestConfirmPaymentCallback_AlreadyFinalizedSkipsVerification(t *testing.T) {
	ownerID := uuid.New()
	tx := newPendingTransaction(ownerID, "TXN-2-owner")
	tx.Status = domain.TxStatusSuccess
	repo := &reconcileRepoStub{tx: tx}
	gateway := &gatewayStub{}
	service := NewService(repo, gateway, nil, testPlanAmount, "https://billing.example.com")

	outcome := service.ConfirmPaymentCallback(context.Background(), "TXN-2-owner")
	if outcome != domain.CallbackSuccess {
		t.Fatalf("expected success outcome for finalized transaction, got %q", outcome)
	}
	if gateway.verifyCalls != 0 {
		t.Fatalf("did not expect gateway verification, got %d calls", gateway.verifyCalls)
	}
	if repo.finalizeCalls != 0 {
		t.Fatal("did not expect a second finalize")
	}
}

func TestConfirmPaymentCallback_UnknownReferenceFailsWithoutMutation(t *testing.T) {
	repo := &reconcileRepoStub{}
	gateway := &gatewayStub{}
	service := NewService(repo, gateway, nil, testPlanAmount, "https://billing.example.com")

	outcome := service.ConfirmPaymentCallback(context.Background(), "TXN-forged")
	if outcome != domain.CallbackFailed {
		t.Fatalf("expected failed outcome for unknown reference, got %q", outcome)
	}
	if gateway.verifyCalls != 0 {
		t.Fatal("did not expect gateway verification for unknown reference")
	}
	if repo.finalizeCalls != 0 || repo.markFailedCalls != 0 {
		t.Fatal("did not expect any ledger mutation for unknown reference")
	}
}

func TestConfirmPaymentCallback_FailedVerificationMarksTransactionFailed(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{tx: newPendingTransaction(ownerID, "TXN-3-owner")}
	gateway := &gatewayStub{verifyResult: &paystackclient.VerifyResult{Status: "abandoned", Amount: testPlanAmount}}
	service := NewService(repo, gateway, nil, testPlanAmount, "https://billing.example.com")

	outcome := service.ConfirmPaymentCallback(context.Background(), "TXN-3-owner")
	if outcome != domain.CallbackFailed {
		t.Fatalf("expected failed outcome, got %q", outcome)
	}
	if repo.markFailedCalls != 1 {
		t.Fatalf("expected transaction to be marked failed once, got %d", repo.markFailedCalls)
	}
	if repo.finalizeCalls != 0 {
		t.Fatal("did not expect a grant for a failed verification")
	}
}

func TestConfirmPaymentCallback_VerifiedAmountBelowPlanIsRejected(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{tx: newPendingTransaction(ownerID, "TXN-4-owner")}
	gateway := &gatewayStub{verifyResult: &paystackclient.VerifyResult{Status: domain.TxStatusSuccess, Amount: testPlanAmount - 100}}
	service := NewService(repo, gateway, nil, testPlanAmount, "https://billing.example.com")

	outcome := service.ConfirmPaymentCallback(context.Background(), "TXN-4-owner")
	if outcome != domain.CallbackFailed {
		t.Fatalf("expected failed outcome for underpaid charge, got %q", outcome)
	}
	if repo.markFailedCalls != 1 {
		t.Fatalf("expected transaction to be marked failed once, got %d", repo.markFailedCalls)
	}
	if repo.finalizeCalls != 0 {
		t.Fatal("did not expect a grant for an underpaid charge")
	}
}

func TestConfirmPaymentCallback_GatewayUnavailableLeavesPending(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{tx: newPendingTransaction(ownerID, "TXN-5-owner")}
	gateway := &gatewayStub{verifyErr: paystackclient.ErrGatewayUnavailable}
	service := NewService(repo, gateway, nil, testPlanAmount, "https://billing.example.com")

	outcome := service.ConfirmPaymentCallback(context.Background(), "TXN-5-owner")
	if outcome != domain.CallbackError {
		t.Fatalf("expected error outcome, got %q", outcome)
	}
	if repo.markFailedCalls != 0 {
		t.Fatal("a transient gateway failure must not fail the transaction")
	}
	if repo.tx.Status != domain.TxStatusPending {
		t.Fatalf("expected transaction to stay pending, got %q", repo.tx.Status)
	}
}

func TestProcessWebhookEvent_FinalizesPendingChargeSuccess(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{tx: newPendingTransaction(ownerID, "TXN-6-owner")}
	producer := &publisherStub{}
	service := NewService(repo, &gatewayStub{}, producer, testPlanAmount, "https://billing.example.com")

	body := chargeSuccessBody(t, "TXN-6-owner", testPlanAmount)
	if err := service.ProcessWebhookEvent(context.Background(), body); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.finalizeCalls != 1 {
		t.Fatalf("expected exactly one finalize, got %d", repo.finalizeCalls)
	}
	if repo.tx.Status != domain.TxStatusSuccess {
		t.Fatalf("expected success status, got %q", repo.tx.Status)
	}
	if producer.count() != 1 {
		t.Fatalf("expected one premium granted event, got %d", producer.count())
	}
}

func TestProcessWebhookEvent_ReplayAfterSuccessIsAcknowledged(t *testing.T) {
	ownerID := uuid.New()
	tx := newPendingTransaction(ownerID, "TXN-7-owner")
	tx.Status = domain.TxStatusSuccess
	repo := &reconcileRepoStub{tx: tx}
	producer := &publisherStub{}
	service := NewService(repo, &gatewayStub{}, producer, testPlanAmount, "https://billing.example.com")

	body := chargeSuccessBody(t, "TXN-7-owner", testPlanAmount)
	if err := service.ProcessWebhookEvent(context.Background(), body); err != nil {
		t.Fatalf("expected replay to be acknowledged, got %v", err)
	}
	if repo.finalizeCalls != 0 {
		t.Fatal("did not expect a second finalize for a replayed delivery")
	}
	if producer.count() != 0 {
		t.Fatal("did not expect a second premium granted event")
	}
}

func TestProcessWebhookEvent_UnknownReferenceIsAcknowledged(t *testing.T) {
	repo := &reconcileRepoStub{}
	service := NewService(repo, &gatewayStub{}, nil, testPlanAmount, "https://billing.example.com")

	body := chargeSuccessBody(t, "TXN-unknown", testPlanAmount)
	if err := service.ProcessWebhookEvent(context.Background(), body); err != nil {
		t.Fatalf("expected unknown reference to be acknowledged, got %v", err)
	}
	if repo.finalizeCalls != 0 || repo.markFailedCalls != 0 {
		t.Fatal("did not expect any ledger mutation for an unknown reference")
	}
}

func TestProcessWebhookEvent_IgnoresOtherEventTypes(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{tx: newPendingTransaction(ownerID, "TXN-8-owner")}
	service := NewService(repo, &gatewayStub{}, nil, testPlanAmount, "https://billing.example.com")

	body, err := json.Marshal(map[string]interface{}{
		"event": "transfer.success",
		"data":  map[string]interface{}{"reference": "TXN-8-owner", "amount": testPlanAmount},
	})
	if err != nil {
		t.Fatalf("failed to build webhook body: %v", err)
	}

	if err := service.ProcessWebhookEvent(context.Background(), body); err != nil {
		t.Fatalf("expected ignored event to be acknowledged, got %v", err)
	}
	if repo.finalizeCalls != 0 || repo.markFailedCalls != 0 {
		t.Fatal("did not expect any ledger mutation for an ignored event type")
	}
}

func TestProcessWebhookEvent_UndecodablePayloadIsAcknowledged(t *testing.T) {
	repo := &reconcileRepoStub{}
	service := NewService(repo, &gatewayStub{}, nil, testPlanAmount, "https://billing.example.com")

	if err := service.ProcessWebhookEvent(context.Background(), []byte("not json")); err != nil {
		t.Fatalf("expected undecodable payload to be acknowledged, got %v", err)
	}
}

func TestProcessWebhookEvent_AmountBelowPlanMarksFailed(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{tx: newPendingTransaction(ownerID, "TXN-9-owner")}
	producer := &publisherStub{}
	service := NewService(repo, &gatewayStub{}, producer, testPlanAmount, "https://billing.example.com")

	body := chargeSuccessBody(t, "TXN-9-owner", testPlanAmount-1)
	if err := service.ProcessWebhookEvent(context.Background(), body); err != nil {
		t.Fatalf("expected underpaid charge to be acknowledged, got %v", err)
	}
	if repo.markFailedCalls != 1 {
		t.Fatalf("expected transaction to be marked failed once, got %d", repo.markFailedCalls)
	}
	if repo.finalizeCalls != 0 {
		t.Fatal("did not expect a grant for an underpaid charge")
	}
	if producer.count() != 0 {
		t.Fatal("did not expect a premium granted event for an underpaid charge")
	}
}

func TestConcurrentCallbackAndWebhook_GrantExactlyOnce(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{tx: newPendingTransaction(ownerID, "TXN-10-owner")}
	gateway := &gatewayStub{verifyResult: &paystackclient.VerifyResult{Status: domain.TxStatusSuccess, Amount: testPlanAmount}}
	producer := &publisherStub{}
	service := NewService(repo, gateway, producer, testPlanAmount, "https://billing.example.com")

	body := chargeSuccessBody(t, "TXN-10-owner", testPlanAmount)

	var wg sync.WaitGroup
	var webhookErr error
	var callbackOutcome domain.CallbackOutcome

	wg.Add(2)
	go func() {
		defer wg.Done()
		webhookErr = service.ProcessWebhookEvent(context.Background(), body)
	}()
	go func() {
		defer wg.Done()
		callbackOutcome = service.ConfirmPaymentCallback(context.Background(), "TXN-10-owner")
	}()
	wg.Wait()

	if webhookErr != nil {
		t.Fatalf("expected webhook path to succeed, got %v", webhookErr)
	}
	if callbackOutcome != domain.CallbackSuccess {
		t.Fatalf("expected callback path to report success, got %q", callbackOutcome)
	}
	if repo.finalizeCalls != 1 {
		t.Fatalf("expected exactly one grant across both paths, got %d", repo.finalizeCalls)
	}
	if producer.count() != 1 {
		t.Fatalf("expected exactly one premium granted event, got %d", producer.count())
	}
}

type dedupeStub struct {
	mu          sync.Mutex
	seen        map[string]bool
	err         error
	forgetCalls int
}

func (d *dedupeStub) MarkProcessed(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return true, d.err
	}
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *dedupeStub) Forget(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgetCalls++
	delete(d.seen, key)
	return nil
}

func TestProcessWebhookEvent_DedupeSuppressesSecondDelivery(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{tx: newPendingTransaction(ownerID, "TXN-11-owner")}
	service := NewService(repo, &gatewayStub{}, nil, testPlanAmount, "https://billing.example.com")
	service.SetWebhookDedupeCache(&dedupeStub{})

	body := chargeSuccessBody(t, "TXN-11-owner", testPlanAmount)
	if err := service.ProcessWebhookEvent(context.Background(), body); err != nil {
		t.Fatalf("expected first delivery to succeed, got %v", err)
	}
	if err := service.ProcessWebhookEvent(context.Background(), body); err != nil {
		t.Fatalf("expected duplicate delivery to be acknowledged, got %v", err)
	}
	if repo.finalizeCalls != 1 {
		t.Fatalf("expected exactly one finalize, got %d", repo.finalizeCalls)
	}
}

func TestProcessWebhookEvent_RetryAfterInternalFailureIsReprocessed(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{
		tx:          newPendingTransaction(ownerID, "TXN-13-owner"),
		finalizeErr: errors.New("connection reset"),
	}
	dedupe := &dedupeStub{}
	service := NewService(repo, &gatewayStub{}, nil, testPlanAmount, "https://billing.example.com")
	service.SetWebhookDedupeCache(dedupe)

	body := chargeSuccessBody(t, "TXN-13-owner", testPlanAmount)

	// First delivery fails internally; the handler would answer 5xx and the
	// gateway would redeliver.
	if err := service.ProcessWebhookEvent(context.Background(), body); err == nil {
		t.Fatal("expected an internal failure to surface as an error")
	}
	if dedupe.forgetCalls != 1 {
		t.Fatalf("expected the dedupe key to be released after the failure, got %d forget calls", dedupe.forgetCalls)
	}

	// The ledger recovers; the gateway's retry must be processed, not
	// suppressed as a duplicate of the delivery that never finished.
	repo.finalizeErr = nil
	if err := service.ProcessWebhookEvent(context.Background(), body); err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if repo.finalizeCalls != 1 {
		t.Fatalf("expected the retry to finalize the transaction, got %d finalize calls", repo.finalizeCalls)
	}
	if repo.tx.Status != domain.TxStatusSuccess {
		t.Fatalf("expected the retry to grant premium, got status %q", repo.tx.Status)
	}
}

func TestProcessWebhookEvent_DedupeFailureFallsThroughToLedger(t *testing.T) {
	ownerID := uuid.New()
	repo := &reconcileRepoStub{tx: newPendingTransaction(ownerID, "TXN-12-owner")}
	service := NewService(repo, &gatewayStub{}, nil, testPlanAmount, "https://billing.example.com")
	service.SetWebhookDedupeCache(&dedupeStub{err: errors.New("redis down")})

	body := chargeSuccessBody(t, "TXN-12-owner", testPlanAmount)
	if err := service.ProcessWebhookEvent(context.Background(), body); err != nil {
		t.Fatalf("expected cache failure to be non-fatal, got %v", err)
	}
	if repo.finalizeCalls != 1 {
		t.Fatalf("expected the ledger finalize to run despite cache failure, got %d", repo.finalizeCalls)
	}
}
