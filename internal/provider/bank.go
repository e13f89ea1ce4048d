package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// BankTransfer covers payouts settled through the partner bank's batch
// file process. Initiation always returns Pending; the settlement
// system confirms or rejects through the webhook route.
type BankTransfer struct{}

func NewBankTransfer() *BankTransfer { return &BankTransfer{} }

func (b *BankTransfer) Name() string { return "bank" }

// Charge is not offered on the bank rail; hirers fund via mobile money
// or card.
func (b *BankTransfer) Charge(_ context.Context, _ ChargeRequest) (Outcome, error) {
	return Failed("UNSUPPORTED", "bank transfer cannot fund escrows", false), nil
}

func (b *BankTransfer) Payout(_ context.Context, req PayoutRequest) (Outcome, error) {
	ref := req.Reference
	if ref == "" {
		ref = uuid.New().String()
	}
	return Pending(ref), nil
}

func (b *BankTransfer) ParseWebhook(_ http.Header, payload []byte) (Outcome, error) {
	var body struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Outcome{}, fmt.Errorf("invalid bank settlement payload: %w", err)
	}
	if body.Reference == "" {
		return Outcome{}, fmt.Errorf("bank settlement missing reference")
	}
	switch strings.ToLower(body.Status) {
	case "settled", "success":
		return Succeeded(body.Reference), nil
	case "pending":
		return Pending(body.Reference), nil
	default:
		o := Failed(strings.ToUpper(body.Status), body.Reason, false)
		o.ProviderTxnID = body.Reference
		return o, nil
	}
}
