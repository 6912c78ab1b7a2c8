/**
 * @description
 * This file defines the narrow, explicitly-validated shape the billing-service
 * decodes gateway webhook payloads into. The gateway posts loosely structured
 * JSON; only the fields that drive a reconciliation decision are extracted.
 * The full raw body is persisted as transaction metadata for audit, but it is
 * never consulted for authorization decisions.
 */

package domain

import "strings"

// Webhook event types the gateway delivers. Only a successful charge drives
// a state transition; every other type is acknowledged and ignored.
const EventChargeSuccess = "charge.success"

// GatewayWebhookEvent is the decoded webhook envelope.
type GatewayWebhookEvent struct {
	Event string             `json:"event"`
	Data  GatewayWebhookData `json:"data"`
}

// GatewayWebhookData holds the fields of the event payload the reconciliation
// engine actually reads.
type GatewayWebhookData struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"` // amount paid, in kobo
	Status    string `json:"status"`
}

// IsChargeSuccess reports whether the event is a successful charge
// notification with a usable reference.
func (e GatewayWebhookEvent) IsChargeSuccess() bool {
	return e.Event == EventChargeSuccess && strings.TrimSpace(e.Data.Reference) != ""
}
