// Package grpc provides native gRPC interceptors that enforce x402
// payments, carrying credentials and challenges in metadata instead of
// HTTP headers.
package grpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/metadata"

	"github.com/paywire/x402gate"
)

// v2 metadata keys.
const (
	MetadataKeyPaymentSignature = "payment-signature"
	MetadataKeyPaymentRequired  = "payment-required"
	MetadataKeyPaymentResponse  = "payment-response"

	// v1 legacy metadata keys.
	MetadataKeyLegacyPayment         = "x402-payment"
	MetadataKeyLegacyPaymentResponse = "x402-payment-response"
)

// ExtractCredential locates a payment credential in gRPC metadata, v2 key
// first with v1 fallback, and resolves it to the normalized form.
func ExtractCredential(md metadata.MD, cfg *x402gate.Config) (*x402gate.PaymentCredential, *x402gate.Route, error) {
	if values := md.Get(MetadataKeyPaymentSignature); len(values) > 0 {
		return x402gate.ParseV2CredentialValue(values[0], cfg)
	}
	if values := md.Get(MetadataKeyLegacyPayment); len(values) > 0 {
		return x402gate.ParseV1CredentialValue(values[0], cfg)
	}
	return nil, nil, x402gate.NewPaymentError(x402gate.ErrCodeMissingCredential,
		"no payment credential in metadata", nil)
}

// EncodeChallenge renders the challenge for a method as base64 JSON, the
// value carried in the payment-required metadata key and in the status
// message of a payment-required error.
func EncodeChallenge(cfg *x402gate.Config, fullMethod, status, reason string) (string, error) {
	cp := cfg.RenderChallenge(x402gate.ResourceInfo{URL: fullMethod})
	challenge := x402gate.V2Challenge{
		X402Version:  2,
		Status:       status,
		Error:        reason,
		Resource:     &cp.Resource,
		Accepts:      cp.Accepts,
		Facilitators: cp.Facilitators,
	}
	if status == x402gate.ChallengeStatusRejected {
		challenge.Accepts = nil
		challenge.Facilitators = nil
	}

	raw, err := json.Marshal(challenge)
	if err != nil {
		return "", fmt.Errorf("failed to marshal challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeChallenge parses a base64 JSON challenge from metadata or a status
// message. Client-side helper.
func DecodeChallenge(encoded string) (*x402gate.V2Challenge, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("challenge is not valid base64: %w", err)
	}
	var challenge x402gate.V2Challenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, fmt.Errorf("challenge is not valid JSON: %w", err)
	}
	return &challenge, nil
}

// EncodePaymentResponse renders the admission receipt for a trailer.
func EncodePaymentResponse(resp *x402gate.PaymentResponse) (string, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentResponse parses an admission receipt from a trailer.
// Client-side helper.
func DecodePaymentResponse(encoded string) (*x402gate.PaymentResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("payment response is not valid base64: %w", err)
	}
	var resp x402gate.PaymentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("payment response is not valid JSON: %w", err)
	}
	return &resp, nil
}

func responseMetadataKey(version int) string {
	if version == 1 {
		return MetadataKeyLegacyPaymentResponse
	}
	return MetadataKeyPaymentResponse
}
