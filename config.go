package x402gate

import (
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

// TimeoutConfig holds the hard caps for the two outbound facilitator calls.
type TimeoutConfig struct {
	// Verify bounds the synchronous verification call on the request path.
	Verify time.Duration

	// Settle bounds the detached settlement task.
	Settle time.Duration
}

// DefaultTimeouts provides the default caps for payment operations.
var DefaultTimeouts = TimeoutConfig{
	Verify: 10 * time.Second,
	Settle: 30 * time.Second,
}

// Validate ensures timeout values are usable.
func (tc TimeoutConfig) Validate() error {
	if tc.Verify <= 0 {
		return fmt.Errorf("verify timeout must be positive, got %v", tc.Verify)
	}
	if tc.Settle <= 0 {
		return fmt.Errorf("settle timeout must be positive, got %v", tc.Settle)
	}
	return nil
}

// Config is the immutable configuration of the protocol engine, constructed
// once at process start and passed by reference into the middleware
// constructor. After a successful Validate it is read-only and safe for
// unsynchronized concurrent use.
type Config struct {
	// Verifier is the payment verification backend (e.g. evm.FacilitatorVerifier).
	Verifier Verifier

	// Routes is the ordered list of payment instruments the server accepts.
	// Order defines the default selection preference for clients that do
	// not negotiate. At least one route is required; two routes on the same
	// network are rejected as ambiguous.
	Routes []Route

	// PayTo is the default recipient address for routes that do not set one.
	PayTo string

	// BasePrice is the price in decimal token units (e.g. "0.01") applied
	// to any route without an explicit atomic Amount, scaled by the route's
	// Decimals.
	BasePrice string

	// Facilitators are advertised in challenges. The first entry is the
	// one verify/settle calls are expected to target.
	Facilitators []FacilitatorInfo

	// Timeouts caps the outbound verify and settle calls. Zero fields
	// default to DefaultTimeouts.
	Timeouts TimeoutConfig

	// SettlementObserver receives the outcome of every detached settlement
	// task. If nil, outcomes are logged through Logger.
	SettlementObserver SettlementObserver

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// CustomPaywallHTML, when set, is returned instead of the JSON
	// challenge body for browser requests.
	CustomPaywallHTML string

	// ChallengeVersion selects the challenge encoding for clients that have
	// not yet spoken: 1 or 2. Defaults to 2. Inbound credentials of either
	// version are always accepted regardless of this setting.
	ChallengeVersion int
}

// Validate checks the configuration and materializes derived state: route
// amounts are computed here (route override else base price scaled by the
// route's decimals) so the routes are fully priced and immutable afterward.
func (c *Config) Validate() error {
	if c.Verifier == nil {
		return NewPaymentError(ErrCodeInvalidConfig, "verifier is required", nil)
	}
	if len(c.Routes) == 0 {
		return NewPaymentError(ErrCodeInvalidConfig, "at least one payment route is required", nil)
	}
	if len(c.Facilitators) == 0 {
		return NewPaymentError(ErrCodeInvalidConfig, "at least one facilitator is required", nil)
	}

	if c.Timeouts.Verify == 0 {
		c.Timeouts.Verify = DefaultTimeouts.Verify
	}
	if c.Timeouts.Settle == 0 {
		c.Timeouts.Settle = DefaultTimeouts.Settle
	}
	if err := c.Timeouts.Validate(); err != nil {
		return NewPaymentError(ErrCodeInvalidConfig, "invalid timeouts", err)
	}

	if c.ChallengeVersion == 0 {
		c.ChallengeVersion = 2
	}
	if c.ChallengeVersion != 1 && c.ChallengeVersion != 2 {
		return NewPaymentError(ErrCodeInvalidConfig,
			fmt.Sprintf("challenge version must be 1 or 2, got %d", c.ChallengeVersion), nil)
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	seen := make(map[string]int, len(c.Routes))
	for i := range c.Routes {
		route := &c.Routes[i]
		if err := c.validateRoute(route); err != nil {
			return NewPaymentError(ErrCodeInvalidConfig,
				fmt.Sprintf("invalid route at index %d", i), err)
		}
		if prev, dup := seen[route.Network]; dup {
			return NewPaymentError(ErrCodeInvalidConfig,
				fmt.Sprintf("routes %d and %d both use network %q; network ties are ambiguous", prev, i, route.Network), nil)
		}
		seen[route.Network] = i
	}

	return nil
}

func (c *Config) validateRoute(route *Route) error {
	if route.Scheme == "" {
		route.Scheme = "exact"
	}
	if route.Scheme != "exact" {
		return fmt.Errorf("unsupported scheme %q", route.Scheme)
	}
	if route.Network == "" {
		return fmt.Errorf("network is required")
	}
	if route.Asset == "" {
		return fmt.Errorf("asset contract is required")
	}
	if route.PayTo == "" {
		route.PayTo = c.PayTo
	}
	if route.PayTo == "" {
		return fmt.Errorf("payTo is required (set it on the route or Config.PayTo)")
	}
	if route.MaxTimeoutSeconds == 0 {
		route.MaxTimeoutSeconds = 300
	}

	if route.Amount == "" {
		amount, err := scalePrice(c.BasePrice, route.Decimals)
		if err != nil {
			return fmt.Errorf("cannot derive amount from base price: %w", err)
		}
		route.Amount = amount
	}
	if _, ok := new(big.Int).SetString(route.Amount, 10); !ok {
		return fmt.Errorf("amount %q is not a base-10 integer", route.Amount)
	}
	return nil
}

// scalePrice converts a decimal unit price into atomic units: price ×
// 10^decimals. The result must be an exact integer.
func scalePrice(price string, decimals int) (string, error) {
	if price == "" {
		return "", fmt.Errorf("no route amount and no base price configured")
	}
	if decimals < 0 {
		return "", fmt.Errorf("decimals must be non-negative, got %d", decimals)
	}

	rat, ok := new(big.Rat).SetString(price)
	if !ok {
		return "", fmt.Errorf("base price %q is not a decimal number", price)
	}
	if rat.Sign() <= 0 {
		return "", fmt.Errorf("base price must be positive, got %q", price)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	if !rat.IsInt() {
		return "", fmt.Errorf("price %q does not scale to an integer with %d decimals", price, decimals)
	}
	return rat.Num().String(), nil
}

// FindRouteByNetwork returns the configured route for a network identifier.
// Linear scan, first registered wins; route counts are small.
func (c *Config) FindRouteByNetwork(network string) (*Route, bool) {
	for i := range c.Routes {
		if c.Routes[i].Network == network {
			return &c.Routes[i], true
		}
	}
	return nil, false
}

// RenderChallenge builds the version-independent challenge payload for a
// resource: every configured route, in registration order, with its
// materialized amount.
func (c *Config) RenderChallenge(resource ResourceInfo) *ChallengePayload {
	accepts := make([]Route, len(c.Routes))
	copy(accepts, c.Routes)

	return &ChallengePayload{
		Version:      c.ChallengeVersion,
		Resource:     resource,
		Accepts:      accepts,
		Facilitators: c.Facilitators,
	}
}

func (c *Config) observeSettlement(cred *PaymentCredential, outcome *SettlementOutcome, err error) {
	if c.SettlementObserver != nil {
		c.SettlementObserver(cred, outcome, err)
		return
	}
	if err != nil {
		c.Logger.Error("payment settlement failed",
			"network", cred.Network, "payer", cred.Authorization.From, "error", err)
		return
	}
	c.Logger.Info("payment settled",
		"network", outcome.Network, "transaction", outcome.TransactionHash)
}
