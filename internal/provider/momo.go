package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kelmah-platform/escrow-engine/internal/config"
	"github.com/kelmah-platform/escrow-engine/internal/money"
)

// MoMo talks to the MTN Mobile Money API (collections for charges,
// disbursements for payouts). Vodafone Cash exposes the same surface
// and is registered as a second MoMo instance with its own config.
type MoMo struct {
	name string
	cfg  config.MoMoConfig
	hc   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewMoMo(name string, cfg config.MoMoConfig) *MoMo {
	return &MoMo{name: name, cfg: cfg, hc: http.DefaultClient}
}

func (m *MoMo) Name() string { return m.name }

// momoStatus maps the provider's status strings to Outcome states.
func momoStatus(reference, status, reason string) Outcome {
	switch strings.ToUpper(status) {
	case "SUCCESSFUL":
		return Succeeded(reference)
	case "PENDING":
		return Pending(reference)
	case "PAYER_NOT_FOUND", "PAYEE_NOT_ALLOWED_TO_RECEIVE", "NOT_ENOUGH_FUNDS", "FAILED", "REJECTED", "EXPIRED":
		o := Failed(strings.ToUpper(status), reason, false)
		o.ProviderTxnID = reference
		return o
	default:
		o := Failed("UNKNOWN_STATUS", "unrecognized momo status "+status, false)
		o.ProviderTxnID = reference
		return o
	}
}

func (m *MoMo) token(ctx context.Context, product string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accessToken != "" && time.Now().Before(m.tokenExpiry) {
		return m.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.BaseURL+"/"+product+"/token/", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(m.cfg.APIUserID, m.cfg.APIKey)
	req.Header.Set("Ocp-Apim-Subscription-Key", m.cfg.SubscriptionKey)

	resp, err := m.hc.Do(req)
	if err != nil {
		return "", &TransientError{Provider: m.name, Op: "token", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &TransientError{Provider: m.name, Op: "token",
			Err: fmt.Errorf("status=%d", resp.StatusCode)}
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &TransientError{Provider: m.name, Op: "token", Err: err}
	}
	m.accessToken = body.AccessToken
	m.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn-30) * time.Second)
	return m.accessToken, nil
}

type momoPaymentBody struct {
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	ExternalID string `json:"externalId"`
	Payer      *struct {
		PartyIDType string `json:"partyIdType"`
		PartyID     string `json:"partyId"`
	} `json:"payer,omitempty"`
	Payee *struct {
		PartyIDType string `json:"partyIdType"`
		PartyID     string `json:"partyId"`
	} `json:"payee,omitempty"`
	PayerMessage string `json:"payerMessage,omitempty"`
	PayeeNote    string `json:"payeeNote,omitempty"`
}

// Charge initiates a request-to-pay against the hirer's mobile wallet.
// MoMo is asynchronous: acceptance returns Pending and the definitive
// outcome arrives via webhook.
func (m *MoMo) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	body := momoPaymentBody{
		Amount:     money.FromMinor(req.Amount),
		Currency:   req.Currency,
		ExternalID: req.Reference,
	}
	body.Payer = &struct {
		PartyIDType string `json:"partyIdType"`
		PartyID     string `json:"partyId"`
	}{PartyIDType: "MSISDN", PartyID: req.PaymentMethodID}

	return m.initiate(ctx, "collection", "/collection/v1_0/requesttopay", req.Reference, body)
}

// Payout transfers funds to the worker's mobile wallet via the
// disbursement API.
func (m *MoMo) Payout(ctx context.Context, req PayoutRequest) (Outcome, error) {
	body := momoPaymentBody{
		Amount:     money.FromMinor(req.Amount),
		Currency:   req.Currency,
		ExternalID: req.Reference,
	}
	body.Payee = &struct {
		PartyIDType string `json:"partyIdType"`
		PartyID     string `json:"partyId"`
	}{PartyIDType: "MSISDN", PartyID: req.PaymentMethodID}

	return m.initiate(ctx, "disbursement", "/disbursement/v1_0/transfer", req.Reference, body)
}

func (m *MoMo) initiate(ctx context.Context, product, path, reference string, body momoPaymentBody) (Outcome, error) {
	tok, err := m.token(ctx, product)
	if err != nil {
		return Outcome{}, err
	}

	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Reference-Id", reference)
	req.Header.Set("X-Target-Environment", m.cfg.Environment)
	req.Header.Set("Ocp-Apim-Subscription-Key", m.cfg.SubscriptionKey)
	if m.cfg.CallbackHost != "" {
		req.Header.Set("X-Callback-Url", m.cfg.CallbackHost)
	}

	resp, err := m.hc.Do(req)
	if err != nil {
		return Outcome{}, &TransientError{Provider: m.name, Op: product, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		// Accepted for processing; webhook delivers the outcome
		return Pending(reference), nil
	case resp.StatusCode >= 500:
		return Failed(fmt.Sprintf("HTTP_%d", resp.StatusCode), "momo server error", true), nil
	default:
		msg := readBodyError(resp.Body)
		return Failed(fmt.Sprintf("HTTP_%d", resp.StatusCode), msg, false), nil
	}
}

// ParseWebhook normalizes a MoMo callback payload.
func (m *MoMo) ParseWebhook(_ http.Header, payload []byte) (Outcome, error) {
	var body struct {
		ReferenceID string      `json:"referenceId"`
		ExternalID  string      `json:"externalId"`
		Status      string      `json:"status"`
		Amount      interface{} `json:"amount"`
		Reason      struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"reason"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Outcome{}, fmt.Errorf("invalid momo webhook payload: %w", err)
	}
	ref := body.ReferenceID
	if ref == "" {
		ref = body.ExternalID
	}
	if ref == "" {
		return Outcome{}, fmt.Errorf("momo webhook missing reference")
	}
	if body.Amount != nil && body.Amount != "" {
		// Callbacks carry the amount as a string or a bare number. It
		// must convert cleanly to minor units; anything else indicates a
		// payload we should not act on.
		if _, err := money.ParseJSONNumber(body.Amount); err != nil {
			return Outcome{}, fmt.Errorf("momo webhook amount: %w", err)
		}
	}
	reason := body.Reason.Message
	if reason == "" {
		reason = body.Reason.Code
	}
	return momoStatus(ref, body.Status, reason), nil
}

func readBodyError(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil || len(b) == 0 {
		return "provider error"
	}
	return string(b)
}
