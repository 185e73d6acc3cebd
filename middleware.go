package x402gate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// PaymentResponse is the admission receipt set on the response header
// (Payment-Response for v2 credentials, X-Payment-Response for v1) once a
// payment has been verified. Settlement runs after the response on a
// detached path, so the receipt reports verification, not the transaction;
// the transaction hash reaches the SettlementObserver.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Payer       string `json:"payer,omitempty"`
	Network     string `json:"network,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// PaymentMiddleware creates HTTP middleware that enforces x402 payment on
// every request it wraps. One state machine instance runs per request:
//
//	no credential            -> 402 fresh challenge
//	malformed / bad version  -> 400
//	unknown route            -> 402 fresh challenge (with reason)
//	facilitator unreachable  -> 500, fail closed
//	verification rejected    -> 402 terminal rejection body
//	verified                 -> handler response + detached settlement
//
// No state is retried within one request; a client retry is a new request
// with a fresh nonce.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			cred, route, err := ParseCredential(r, &cfg)
			if err != nil {
				switch ErrorCode(err) {
				case ErrCodeMissingCredential:
					writeChallenge(w, r, &cfg, ChallengeStatusRequired, "Payment required")
				case ErrCodeUnknownRoute:
					cfg.Logger.Warn("credential pays on an unconfigured network", "path", r.URL.Path, "error", err)
					writeChallenge(w, r, &cfg, ChallengeStatusRequired, "No matching payment route")
				default:
					cfg.Logger.Warn("rejecting malformed credential", "path", r.URL.Path, "error", err)
					sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid payment credential: %v", err))
				}
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Verify)
			outcome, err := cfg.Verifier.Verify(verifyCtx, cred, route)
			cancel()
			if err != nil {
				// Fail closed: an unverifiable payment never admits the request.
				cfg.Logger.Error("payment verification transport failure", "network", cred.Network, "error", err)
				sendError(w, http.StatusInternalServerError, "Payment verification unavailable")
				return
			}
			if !outcome.Valid {
				cfg.Logger.Warn("payment rejected", "network", cred.Network, "payer", cred.Authorization.From, "reason", outcome.Reason)
				writeChallenge(w, r, &cfg, ChallengeStatusRejected, outcome.Reason)
				return
			}

			paymentCtx := &PaymentContext{
				Verified: true,
				Payer:    outcome.Payer,
				Amount:   cred.Authorization.Value,
				Network:  cred.Network,
				Version:  cred.Version,
			}
			ctx = context.WithValue(ctx, PaymentContextKey, paymentCtx)

			setPaymentResponseHeader(w, cred.Version, &PaymentResponse{
				Success: true,
				Payer:   outcome.Payer,
				Network: cred.Network,
			})

			// Settlement is dispatched before the handler runs but never
			// awaited: its outcome cannot change the client-visible
			// response, only reach the observer.
			cfg.DispatchSettlement(ctx, cred, route)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DispatchSettlement runs the settle call as a detached task. It survives
// the inbound connection closing, is bounded by the settle timeout, and
// delivers its outcome to the configured observer. A panic in the observer
// or the verifier is captured rather than crashing the process. Callers
// must only dispatch after a valid verification; the HTTP middleware and
// the gRPC interceptors both do.
func (cfg *Config) DispatchSettlement(reqCtx context.Context, cred *PaymentCredential, route *Route) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), cfg.Timeouts.Settle)

	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				cfg.Logger.Error("panic in settlement task", "panic", p)
			}
		}()

		outcome, err := cfg.Verifier.Settle(settleCtx, cred, route)
		if err != nil {
			err = NewPaymentError(ErrCodeSettlementFailed, "payment settlement failed", err)
		}
		cfg.observeSettlement(cred, outcome, err)
	}()
}

func setPaymentResponseHeader(w http.ResponseWriter, version int, resp *PaymentResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	if version == 1 {
		w.Header().Set(HeaderLegacyPaymentResponse, encoded)
		return
	}
	w.Header().Set(HeaderPaymentResponse, encoded)
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// EncodeCredentialHeader renders a credential in its version's request
// header form: raw JSON for the Payment-Signature (v2) or X-Payment (v1)
// header. Client-side and test helper.
func EncodeCredentialHeader(cred *PaymentCredential) (name, value string, err error) {
	switch cred.Version {
	case 2:
		wire := v2CredentialWire{
			X402Version: 2,
			Payload: evmPayloadWire{
				Signature:     cred.Signature.Packed(),
				Authorization: cred.Authorization,
			},
			Resource: cred.Resource,
			Memo:     cred.Memo,
		}
		wire.Accepted.Scheme = cred.Scheme
		wire.Accepted.Network = cred.Network
		raw, err := json.Marshal(wire)
		if err != nil {
			return "", "", NewPaymentError(ErrCodeEncoding, "failed to marshal credential", err)
		}
		return HeaderPaymentSignature, string(raw), nil

	case 1:
		var wire v1CredentialWire
		wire.X402Version = 1
		wire.Scheme = cred.Scheme
		wire.Network = cred.Network
		wire.Payload.Signature.R, wire.Payload.Signature.S, wire.Payload.Signature.V = cred.Signature.Components()
		wire.Payload.Authorization = cred.Authorization
		wire.Resource = cred.Resource
		wire.Memo = cred.Memo
		raw, err := json.Marshal(wire)
		if err != nil {
			return "", "", NewPaymentError(ErrCodeEncoding, "failed to marshal credential", err)
		}
		return HeaderLegacyPayment, string(raw), nil
	}
	return "", "", NewPaymentError(ErrCodeUnsupportedVersion,
		fmt.Sprintf("cannot encode credential version %d", cred.Version), nil)
}

// DecodePaymentResponse decodes a Payment-Response or X-Payment-Response
// header. Client-side helper.
func DecodePaymentResponse(header string) (*PaymentResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, NewPaymentError(ErrCodeDecoding, "payment response is not valid base64", err)
	}
	var resp PaymentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, NewPaymentError(ErrCodeDecoding, "payment response is not valid JSON", err)
	}
	return &resp, nil
}

// ReadChallenge extracts the challenge from a 402 response, preferring the
// canonical Payment-Required header and falling back to the body mirror.
// Client-side helper.
func ReadChallenge(resp *http.Response) (*V2Challenge, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, NewPaymentError(ErrCodeDecoding,
			fmt.Sprintf("expected status 402, got %d", resp.StatusCode), nil)
	}

	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		if challenge, err := DecodeChallengeHeader(header); err == nil {
			return challenge, nil
		}
	}

	var challenge V2Challenge
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, NewPaymentError(ErrCodeDecoding, "failed to parse challenge body", err)
	}
	return &challenge, nil
}
