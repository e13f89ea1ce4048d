package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kelmah-platform/escrow-engine/internal/config"
)

// Paystack handles card charges and bank/mobile transfers. Paystack
// amounts are already integer minor units (pesewas for GHS), so no
// decimal conversion happens here.
type Paystack struct {
	cfg config.PaystackConfig
	hc  *http.Client
}

func NewPaystack(cfg config.PaystackConfig) *Paystack {
	return &Paystack{cfg: cfg, hc: http.DefaultClient}
}

func (p *Paystack) Name() string { return "paystack" }

func (p *Paystack) do(ctx context.Context, op, path string, payload interface{}) (map[string]json.RawMessage, error) {
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)

	resp, err := p.hc.Do(req)
	if err != nil {
		return nil, &TransientError{Provider: "paystack", Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, &TransientError{Provider: "paystack", Op: op,
			Err: fmt.Errorf("status=%d", resp.StatusCode)}
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &TransientError{Provider: "paystack", Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, fmt.Errorf("paystack %s failed: status=%d", op, resp.StatusCode)
	}
	return body, nil
}

type paystackData struct {
	Reference       string `json:"reference"`
	Status          string `json:"status"`
	Message         string `json:"message"`
	GatewayResponse string `json:"gateway_response"`
}

func paystackOutcome(d paystackData) Outcome {
	switch strings.ToLower(d.Status) {
	case "success":
		return Succeeded(d.Reference)
	case "pending", "send_otp", "processing", "ongoing":
		return Pending(d.Reference)
	default:
		msg := d.GatewayResponse
		if msg == "" {
			msg = d.Message
		}
		o := Failed(strings.ToUpper(d.Status), msg, false)
		o.ProviderTxnID = d.Reference
		return o
	}
}

// Charge debits a stored card authorization.
func (p *Paystack) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	payload := map[string]interface{}{
		"authorization_code": req.PaymentMethodID,
		"email":              req.HirerID + "@kelmah.app",
		"amount":             req.Amount,
		"currency":           req.Currency,
		"reference":          req.Reference,
	}
	body, err := p.do(ctx, "charge", "/transaction/charge_authorization", payload)
	if err != nil {
		var te *TransientError
		if errors.As(err, &te) {
			return Outcome{}, err
		}
		// Declines come back as non-2xx with a data block
	}
	return parsePaystackData(body, req.Reference)
}

// Payout initiates a transfer to the worker's settlement account.
func (p *Paystack) Payout(ctx context.Context, req PayoutRequest) (Outcome, error) {
	payload := map[string]interface{}{
		"source":    "balance",
		"amount":    req.Amount,
		"currency":  req.Currency,
		"recipient": req.PaymentMethodID,
		"reference": req.Reference,
		"reason":    "Kelmah worker payout",
	}
	body, err := p.do(ctx, "transfer", "/transfer", payload)
	if err != nil {
		var te *TransientError
		if errors.As(err, &te) {
			return Outcome{}, err
		}
	}
	return parsePaystackData(body, req.Reference)
}

func parsePaystackData(body map[string]json.RawMessage, reference string) (Outcome, error) {
	raw, ok := body["data"]
	if !ok {
		var msg string
		if m, ok := body["message"]; ok {
			_ = json.Unmarshal(m, &msg)
		}
		o := Failed("NO_DATA", msg, false)
		o.ProviderTxnID = reference
		return o, nil
	}
	var d paystackData
	if err := json.Unmarshal(raw, &d); err != nil {
		return Outcome{}, fmt.Errorf("invalid paystack response: %w", err)
	}
	if d.Reference == "" {
		d.Reference = reference
	}
	return paystackOutcome(d), nil
}

// ParseWebhook validates the x-paystack-signature HMAC and normalizes
// the event payload.
func (p *Paystack) ParseWebhook(header http.Header, payload []byte) (Outcome, error) {
	sig := header.Get("x-paystack-signature")
	if sig == "" {
		return Outcome{}, fmt.Errorf("paystack webhook missing signature")
	}
	mac := hmac.New(sha512.New, []byte(p.cfg.SecretKey))
	mac.Write(payload)
	if !hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(sig)) {
		return Outcome{}, fmt.Errorf("paystack webhook signature mismatch")
	}

	var body struct {
		Event string       `json:"event"`
		Data  paystackData `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Outcome{}, fmt.Errorf("invalid paystack webhook payload: %w", err)
	}
	if body.Data.Reference == "" {
		return Outcome{}, fmt.Errorf("paystack webhook missing reference")
	}

	switch body.Event {
	case "charge.success", "transfer.success":
		return Succeeded(body.Data.Reference), nil
	case "charge.failed", "transfer.failed", "transfer.reversed":
		o := Failed(strings.ToUpper(body.Event), body.Data.GatewayResponse, false)
		o.ProviderTxnID = body.Data.Reference
		return o, nil
	default:
		return paystackOutcome(body.Data), nil
	}
}
