package x402gate

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
)

// wire shapes for the two credential encodings. Both resolve into the one
// normalized PaymentCredential; nothing downstream ever sees these.

type v2CredentialWire struct {
	X402Version int `json:"x402Version"`
	Accepted    struct {
		Scheme  string `json:"scheme"`
		Network string `json:"network"`
	} `json:"accepted"`
	Payload  evmPayloadWire `json:"payload"`
	Resource string         `json:"resource,omitempty"`
	Memo     string         `json:"memo,omitempty"`
}

type v1CredentialWire struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Payload     struct {
		Signature struct {
			R string `json:"r"`
			S string `json:"s"`
			V byte   `json:"v"`
		} `json:"signature"`
		Authorization Authorization `json:"authorization"`
	} `json:"payload"`
	Resource string `json:"resource,omitempty"`
	Memo     string `json:"memo,omitempty"`
}

type evmPayloadWire struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// ParseCredential locates and decodes the payment credential on an inbound
// request and resolves the route it pays on. The v2 Payment-Signature and
// v1 X-Payment headers are mutually exclusive; v2 wins if both are present.
//
// Error codes by failure mode: ErrCodeMissingCredential when no header is
// present (the caller issues a fresh challenge, this is not a failure),
// ErrCodeMalformedCredential for undecodable or schema-invalid payloads,
// ErrCodeUnsupportedVersion for versions other than 1 or 2 or a v2
// credential without an accepted route, ErrCodeUnknownRoute when the
// credential's network matches no configured route.
func ParseCredential(r *http.Request, cfg *Config) (*PaymentCredential, *Route, error) {
	if header := r.Header.Get(HeaderPaymentSignature); header != "" {
		return parseV2Credential(header, cfg)
	}
	if header := r.Header.Get(HeaderLegacyPayment); header != "" {
		return parseV1Credential(header, cfg)
	}
	return nil, nil, NewPaymentError(ErrCodeMissingCredential, "no payment credential header", nil)
}

// ParseV2CredentialValue decodes a raw v2 credential value carried outside
// an HTTP header, e.g. in gRPC metadata.
func ParseV2CredentialValue(value string, cfg *Config) (*PaymentCredential, *Route, error) {
	return parseV2Credential(value, cfg)
}

// ParseV1CredentialValue decodes a raw v1 credential value carried outside
// an HTTP header, e.g. in gRPC metadata.
func ParseV1CredentialValue(value string, cfg *Config) (*PaymentCredential, *Route, error) {
	return parseV1Credential(value, cfg)
}

func parseV2Credential(header string, cfg *Config) (*PaymentCredential, *Route, error) {
	var wire v2CredentialWire
	if err := json.Unmarshal([]byte(header), &wire); err != nil {
		return nil, nil, NewPaymentError(ErrCodeMalformedCredential, "credential is not valid JSON", err)
	}

	if wire.X402Version != 2 {
		return nil, nil, NewPaymentError(ErrCodeUnsupportedVersion,
			fmt.Sprintf("Payment-Signature header requires version 2, got %d", wire.X402Version), nil)
	}
	if wire.Accepted.Network == "" {
		return nil, nil, NewPaymentError(ErrCodeUnsupportedVersion, "credential accepts no route", nil)
	}

	sig, err := ParseSignature(wire.Payload.Signature)
	if err != nil {
		return nil, nil, NewPaymentError(ErrCodeMalformedCredential, "invalid packed signature", err)
	}
	if err := validateAuthorization(&wire.Payload.Authorization); err != nil {
		return nil, nil, NewPaymentError(ErrCodeMalformedCredential, "invalid authorization", err)
	}

	route, ok := cfg.FindRouteByNetwork(wire.Accepted.Network)
	if !ok {
		return nil, nil, NewPaymentError(ErrCodeUnknownRoute,
			fmt.Sprintf("no configured route for network %q", wire.Accepted.Network), nil)
	}

	scheme := wire.Accepted.Scheme
	if scheme == "" {
		scheme = route.Scheme
	}
	cred := &PaymentCredential{
		Version:       2,
		Scheme:        scheme,
		Network:       wire.Accepted.Network,
		Authorization: wire.Payload.Authorization,
		Signature:     sig,
		Resource:      wire.Resource,
		Memo:          wire.Memo,
	}
	return cred, route, nil
}

func parseV1Credential(header string, cfg *Config) (*PaymentCredential, *Route, error) {
	var wire v1CredentialWire
	if err := json.Unmarshal([]byte(header), &wire); err != nil {
		return nil, nil, NewPaymentError(ErrCodeMalformedCredential, "credential is not valid JSON", err)
	}

	if wire.X402Version != 1 {
		return nil, nil, NewPaymentError(ErrCodeUnsupportedVersion,
			fmt.Sprintf("X-Payment header requires version 1, got %d", wire.X402Version), nil)
	}

	sig, err := NewSignature(wire.Payload.Signature.R, wire.Payload.Signature.S, wire.Payload.Signature.V)
	if err != nil {
		return nil, nil, NewPaymentError(ErrCodeMalformedCredential, "invalid signature components", err)
	}
	if err := validateAuthorization(&wire.Payload.Authorization); err != nil {
		return nil, nil, NewPaymentError(ErrCodeMalformedCredential, "invalid authorization", err)
	}

	// v1 speaks a single implicit route: the first configured one, unless
	// the credential names a network explicitly.
	route := &cfg.Routes[0]
	if wire.Network != "" {
		matched, ok := cfg.FindRouteByNetwork(wire.Network)
		if !ok {
			return nil, nil, NewPaymentError(ErrCodeUnknownRoute,
				fmt.Sprintf("no configured route for network %q", wire.Network), nil)
		}
		route = matched
	}

	scheme := wire.Scheme
	if scheme == "" {
		scheme = route.Scheme
	}
	cred := &PaymentCredential{
		Version:       1,
		Scheme:        scheme,
		Network:       route.Network,
		Authorization: wire.Payload.Authorization,
		Signature:     sig,
		Resource:      wire.Resource,
		Memo:          wire.Memo,
	}
	return cred, route, nil
}

func validateAuthorization(auth *Authorization) error {
	if auth.From == "" {
		return fmt.Errorf("from is required")
	}
	if auth.To == "" {
		return fmt.Errorf("to is required")
	}
	if auth.Value == "" {
		return fmt.Errorf("value is required")
	}
	if _, ok := new(big.Int).SetString(auth.Value, 10); !ok {
		return fmt.Errorf("value %q is not a base-10 integer", auth.Value)
	}
	if auth.ValidAfter >= auth.ValidBefore {
		return fmt.Errorf("validAfter (%d) must precede validBefore (%d)", auth.ValidAfter, auth.ValidBefore)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(auth.Nonce, "0x"))
	if err != nil {
		return fmt.Errorf("nonce is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("nonce must be 32 bytes, got %d", len(raw))
	}
	return nil
}
