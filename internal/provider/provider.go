// Package provider abstracts heterogeneous payment providers behind a
// single capability interface. Business failures (declined card,
// insufficient funds) are Outcome values, never Go errors; only
// transport faults surface as TransientError for the caller to retry.
package provider

import (
	"context"
	"fmt"
	"net/http"
)

type State int

const (
	StateSucceeded State = iota + 1
	StatePending
	StateFailed
)

// Outcome is the normalized result of a provider call or webhook.
type Outcome struct {
	State         State
	ProviderTxnID string
	Code          string
	Message       string
	Retryable     bool
}

func Succeeded(providerTxnID string) Outcome {
	return Outcome{State: StateSucceeded, ProviderTxnID: providerTxnID}
}

func Pending(providerTxnID string) Outcome {
	return Outcome{State: StatePending, ProviderTxnID: providerTxnID}
}

func Failed(code, message string, retryable bool) Outcome {
	return Outcome{State: StateFailed, Code: code, Message: message, Retryable: retryable}
}

// TransientError marks a transport or network fault. The worker retries
// these with backoff; they never reach the end user directly.
type TransientError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

type ChargeRequest struct {
	Reference       string
	HirerID         string
	PaymentMethodID string
	Currency        string
	Amount          int64
}

type PayoutRequest struct {
	Reference       string
	UserID          string
	PaymentMethodID string
	Currency        string
	Amount          int64
}

// Adapter is implemented once per payment provider.
type Adapter interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (Outcome, error)
	Payout(ctx context.Context, req PayoutRequest) (Outcome, error)
	// ParseWebhook validates and normalizes an asynchronous provider
	// confirmation. The returned Outcome carries the provider's
	// transaction reference.
	ParseWebhook(header http.Header, payload []byte) (Outcome, error)
}

// Registry maps provider names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown payment provider %q", name)
	}
	return a, nil
}
