package provider

import (
	"context"
	"net/http"
	"sync"
)

// Mock is a scripted adapter for tests. Each call pops the next step
// for its operation; an empty script yields Succeeded with the request
// reference.
type Mock struct {
	ProviderName string

	mu          sync.Mutex
	chargeSteps []step
	payoutSteps []step

	ChargeCalls int
	PayoutCalls int
}

type step struct {
	out Outcome
	err error
}

func NewMock(name string) *Mock {
	return &Mock{ProviderName: name}
}

func (m *Mock) Name() string { return m.ProviderName }

func (m *Mock) ScriptCharge(out Outcome, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chargeSteps = append(m.chargeSteps, step{out, err})
	return m
}

func (m *Mock) ScriptPayout(out Outcome, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payoutSteps = append(m.payoutSteps, step{out, err})
	return m
}

func (m *Mock) Charge(_ context.Context, req ChargeRequest) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChargeCalls++
	if len(m.chargeSteps) == 0 {
		return Succeeded(req.Reference), nil
	}
	s := m.chargeSteps[0]
	m.chargeSteps = m.chargeSteps[1:]
	return s.out, s.err
}

func (m *Mock) Payout(_ context.Context, req PayoutRequest) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PayoutCalls++
	if len(m.payoutSteps) == 0 {
		return Succeeded(req.Reference), nil
	}
	s := m.payoutSteps[0]
	m.payoutSteps = m.payoutSteps[1:]
	if s.out.ProviderTxnID == "" && s.err == nil {
		s.out.ProviderTxnID = req.Reference
	}
	return s.out, s.err
}

func (m *Mock) ParseWebhook(_ http.Header, _ []byte) (Outcome, error) {
	return Outcome{}, nil
}
