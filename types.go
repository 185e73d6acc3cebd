package x402gate

import (
	"context"
	"time"
)

// Authorization is a signed-once, immutable description of an off-chain
// authorized token transfer (EIP-3009 transferWithAuthorization shape).
// Value is in the token's smallest unit, Nonce is a 0x-prefixed 32-byte hex
// string unique per (from, asset) pair. Nonce reuse is detected by the
// facilitator, never locally.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Memo        string `json:"memo,omitempty"`
}

// DomainParams carries the EIP-712 domain parameters and related metadata
// for the token contract behind a route. A non-empty Memo means the token's
// typed message schema includes a memo field; tokens without one must omit
// the field entirely, not send an empty string.
type DomainParams struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	ContractType string `json:"contractType"`
	ExplorerURL  string `json:"explorerUrl,omitempty"`
	Memo         string `json:"memo,omitempty"`
}

// Route is one payment instrument the server accepts: a (scheme, network,
// asset, payee) combination with pricing. Routes are immutable after
// Config.Validate and shared read-only across requests.
type Route struct {
	// Scheme is the payment scheme identifier. Only "exact" is defined.
	Scheme string `json:"scheme"`

	// Network is the chain-agnostic network identifier in CAIP-2 form
	// (e.g. "eip155:84532").
	Network string `json:"network"`

	// Asset is the token contract address.
	Asset string `json:"asset"`

	// Amount is the price in atomic units. When empty, Validate derives it
	// from Config.BasePrice scaled by Decimals.
	Amount string `json:"amount"`

	// Symbol is the token symbol (e.g. "USDC"), used in v1 challenges.
	Symbol string `json:"symbol,omitempty"`

	// Decimals is the token's decimal count, used to scale BasePrice.
	Decimals int `json:"decimals,omitempty"`

	// PayTo is the recipient address. Falls back to Config.PayTo when empty.
	PayTo string `json:"payTo"`

	Description string `json:"description,omitempty"`

	// MaxTimeoutSeconds bounds the authorization validity window a client
	// should use for this route.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds,omitempty"`

	// Domain holds the token's EIP-712 domain parameters.
	Domain DomainParams `json:"extra"`
}

// ResourceInfo describes the protected resource a challenge refers to.
type ResourceInfo struct {
	URL      string `json:"url"`
	Method   string `json:"method,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// FacilitatorInfo advertises a facilitator endpoint and the networks it
// can settle on.
type FacilitatorInfo struct {
	URL      string   `json:"url"`
	Networks []string `json:"networks,omitempty"`
}

// ChallengePayload is the version-independent content of a 402 challenge:
// the resource, the acceptable routes in configuration order (order defines
// the default preference for non-negotiating clients), and the facilitators
// that can execute a resulting authorization.
type ChallengePayload struct {
	Version      int
	Resource     ResourceInfo
	Accepts      []Route
	Facilitators []FacilitatorInfo
}

// PaymentCredential is the normalized form of a client-submitted payment,
// resolved once at parse time from either the v1 or v2 wire shape. It is
// request-scoped, immutable after construction, and never reused: a retry
// requires a fresh nonce.
type PaymentCredential struct {
	Version       int
	Scheme        string
	Network       string
	Authorization Authorization
	Signature     Signature
	Resource      string
	Memo          string
}

// VerificationOutcome is the result of a facilitator verify call.
type VerificationOutcome struct {
	Valid  bool
	Reason string
	Payer  string
}

// SettlementOutcome is the result of a facilitator settle call.
type SettlementOutcome struct {
	TransactionHash string
	Network         string
	SettledAt       time.Time
}

// Verifier is the interface payment verification backends implement.
// Verify is on the request's critical path and must fail closed: a non-nil
// error means the payment could not be checked (transport failure), while
// a returned outcome with Valid=false means the facilitator rejected it.
// Settle must only be called after a valid Verify.
type Verifier interface {
	Verify(ctx context.Context, cred *PaymentCredential, route *Route) (*VerificationOutcome, error)
	Settle(ctx context.Context, cred *PaymentCredential, route *Route) (*SettlementOutcome, error)
}

// SettlementObserver receives the outcome of the detached settlement task.
// It is the only place settlement failures surface; they never reach the
// client, whose request was already admitted.
type SettlementObserver func(cred *PaymentCredential, outcome *SettlementOutcome, err error)

// PaymentContext contains payment information handlers can extract from the
// request context after admission.
type PaymentContext struct {
	Verified bool
	Payer    string
	Amount   string
	Network  string
	Version  int
}

type contextKey string

// PaymentContextKey is the key used to store payment context in request context.
const PaymentContextKey contextKey = "x402-payment"

// GetPaymentFromContext extracts payment information from the request context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns an error if the
// request was not admitted through a verified payment.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, NewPaymentError(ErrCodeMissingCredential, "payment context not found", nil)
	}
	if !payment.Verified {
		return nil, NewPaymentError(ErrCodeVerificationRejected, "payment not verified", nil)
	}
	return payment, nil
}
