package evm

import (
	"context"
	"time"

	"github.com/paywire/x402gate"
)

// FacilitatorVerifier implements x402gate.Verifier by delegating to a
// remote facilitator over its frozen v1 wire. A transport failure is an
// error (the engine fails closed); a facilitator "no" is a rejection
// outcome, not an error.
type FacilitatorVerifier struct {
	client *FacilitatorClient

	// now is swappable for tests.
	now func() time.Time
}

var _ x402gate.Verifier = (*FacilitatorVerifier)(nil)

// NewFacilitatorVerifier creates a verifier backed by the facilitator at
// baseURL.
func NewFacilitatorVerifier(baseURL string, opts ...ClientOption) *FacilitatorVerifier {
	return &FacilitatorVerifier{
		client: NewFacilitatorClient(baseURL, opts...),
		now:    time.Now,
	}
}

// Verify checks the credential against the facilitator. An authorization
// whose validity window has already closed is rejected locally without a
// remote call; every other check, nonce uniqueness above all, belongs to
// the facilitator and is never cached or pre-empted here.
func (v *FacilitatorVerifier) Verify(ctx context.Context, cred *x402gate.PaymentCredential, route *x402gate.Route) (*x402gate.VerificationOutcome, error) {
	if cred.Authorization.ValidBefore <= v.now().Unix() {
		return &x402gate.VerificationOutcome{
			Valid:  false,
			Reason: "authorization validity window has expired",
		}, nil
	}

	req, err := BuildFacilitatorRequest(cred, route, cred.Resource)
	if err != nil {
		return nil, x402gate.NewPaymentError(x402gate.ErrCodeVerificationTransport,
			"cannot build facilitator request", err)
	}

	resp, err := v.client.Verify(ctx, req)
	if err != nil {
		return nil, x402gate.NewPaymentError(x402gate.ErrCodeVerificationTransport,
			"facilitator verification unreachable", err)
	}

	payer := resp.Payer
	if payer == "" {
		payer = cred.Authorization.From
	}
	return &x402gate.VerificationOutcome{
		Valid:  resp.IsValid,
		Reason: resp.InvalidReason,
		Payer:  payer,
	}, nil
}

// Settle executes a verified credential on-chain through the facilitator.
func (v *FacilitatorVerifier) Settle(ctx context.Context, cred *x402gate.PaymentCredential, route *x402gate.Route) (*x402gate.SettlementOutcome, error) {
	req, err := BuildFacilitatorRequest(cred, route, cred.Resource)
	if err != nil {
		return nil, err
	}

	resp, err := v.client.Settle(ctx, req)
	if err != nil {
		return nil, err
	}

	network := resp.Network
	if network == "" {
		network = route.Network
	}
	return &x402gate.SettlementOutcome{
		TransactionHash: resp.TransactionHash,
		Network:         network,
		SettledAt:       v.now(),
	}, nil
}

// Healthy probes the facilitator's /supported endpoint. Non-fatal liveness
// reporting only; the verifier works without it.
func (v *FacilitatorVerifier) Healthy(ctx context.Context) ([]SupportedKind, error) {
	resp, err := v.client.Supported(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Kinds, nil
}
