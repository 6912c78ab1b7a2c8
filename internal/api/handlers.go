/**
 * @description
 * This file contains the HTTP handlers for the billing-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. Gateway webhook authentication (HMAC-SHA512 over the raw body)
 * happens here at the boundary, before any business logic runs.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha512, encoding/hex: Webhook signature verification.
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/invoza/billing-service/internal/app"
	"github.com/invoza/billing-service/internal/domain"
	"github.com/invoza/billing-service/internal/store"
)

// gatewaySignatureHeader carries the hex HMAC-SHA512 digest of the raw
// webhook body, keyed by the gateway secret.
const gatewaySignatureHeader = "x-paystack-signature"

// maxWebhookBodyBytes bounds webhook payload reads.
const maxWebhookBodyBytes = 1 << 20

// BillingHandlers holds the application service and the configuration the
// HTTP layer needs.
type BillingHandlers struct {
	service       *app.Service
	gatewaySecret string
	appBaseURL    string
}

// NewBillingHandlers creates a new instance of BillingHandlers. appBaseURL is
// where the callback handler redirects payers after confirmation.
func NewBillingHandlers(service *app.Service, gatewaySecret, appBaseURL string) *BillingHandlers {
	return &BillingHandlers{
		service:       service,
		gatewaySecret: gatewaySecret,
		appBaseURL:    strings.TrimRight(appBaseURL, "/"),
	}
}

// InitializePaymentHandler starts a new premium payment attempt for the
// authenticated account and returns the gateway's hosted checkout URL.
func (h *BillingHandlers) InitializePaymentHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}

	var req domain.InitializePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.InitializePayment(r.Context(), ownerID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, "Amount is below the premium plan price")
		case errors.Is(err, store.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		default:
			log.Printf("level=error component=api endpoint=initialize_payment msg=\"initialization failed\" owner_id=%s err=%v", ownerID, err)
			h.writeError(w, http.StatusBadGateway, "Unable to initialize payment")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// PaymentCallbackHandler handles the browser redirect back from the gateway's
// checkout page. It always answers with a redirect to the application's
// billing page; outcome details travel only in the `payment` query parameter,
// never as raw errors.
func (h *BillingHandlers) PaymentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	reference := strings.TrimSpace(r.URL.Query().Get("reference"))
	if reference == "" {
		// Some gateway configurations use trxref instead.
		reference = strings.TrimSpace(r.URL.Query().Get("trxref"))
	}

	outcome := domain.CallbackError
	if reference == "" {
		log.Printf("level=warn component=api endpoint=payment_callback msg=\"missing reference in redirect\"")
	} else {
		outcome = h.service.ConfirmPaymentCallback(r.Context(), reference)
	}

	redirectURL := h.appBaseURL + "/billing?payment=" + string(outcome)
	http.Redirect(w, r, redirectURL, http.StatusSeeOther)
}

// WebhookHandler handles event deliveries from the payment gateway. The
// signature is verified over the raw body before anything is decoded; a
// mismatch is rejected with 401 and causes no state change. Handled events,
// including deliberate no-ops, are acknowledged with 200 so the gateway stops
// redelivering; internal failures return 500 to request a retry.
func (h *BillingHandlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		log.Printf("level=error component=api endpoint=gateway_webhook msg=\"failed to read body\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get(gatewaySignatureHeader)
	if !h.verifySignature(body, signature) {
		log.Printf("level=warn component=api endpoint=gateway_webhook outcome=reject reason=invalid_signature")
		h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	if err := h.service.ProcessWebhookEvent(r.Context(), body); err != nil {
		log.Printf("level=error component=api endpoint=gateway_webhook msg=\"event processing failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// verifySignature recomputes the HMAC-SHA512 hex digest of the raw body and
// compares it against the presented signature in constant time.
func (h *BillingHandlers) verifySignature(body []byte, signature string) bool {
	if h.gatewaySecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(h.gatewaySecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// BillingStatusHandler returns the authenticated account's subscription tier
// and most recent payment attempt.
func (h *BillingHandlers) BillingStatusHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}

	status, err := h.service.BillingStatus(r.Context(), ownerID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api endpoint=billing_status msg=\"status lookup failed\" owner_id=%s err=%v", ownerID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch billing status")
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// PaymentHistoryHandler returns the authenticated account's payment attempts,
// newest first.
func (h *BillingHandlers) PaymentHistoryHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}

	history, err := h.service.PaymentHistory(r.Context(), ownerID)
	if err != nil {
		log.Printf("level=error component=api endpoint=payment_history msg=\"history lookup failed\" owner_id=%s err=%v", ownerID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch payment history")
		return
	}
	if history == nil {
		history = []domain.Transaction{}
	}

	h.writeJSON(w, http.StatusOK, history)
}

// CancelPremiumHandler revokes the authenticated account's premium
// entitlement. The payment ledger is left untouched.
func (h *BillingHandlers) CancelPremiumHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}

	if err := h.service.CancelPremium(r.Context(), ownerID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api endpoint=cancel_premium msg=\"cancel failed\" owner_id=%s err=%v", ownerID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to cancel subscription")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// HealthCheckHandler provides a simple health check endpoint.
func (h *BillingHandlers) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *BillingHandlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
		}
	}
}

func (h *BillingHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
