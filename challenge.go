package x402gate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
)

// v2 header names.
const (
	HeaderPaymentRequired  = "Payment-Required"
	HeaderPaymentSignature = "Payment-Signature"
	HeaderPaymentResponse  = "Payment-Response"

	// v1 legacy header names.
	HeaderAcceptPayment         = "X-Accept-Payment"
	HeaderLegacyPayment         = "X-Payment"
	HeaderLegacyPaymentResponse = "X-Payment-Response"
)

// Challenge body statuses. A single 402 status code covers both "please
// pay" and "your payment was rejected"; the body's status field is the
// distinguishing mark.
const (
	ChallengeStatusRequired = "required"
	ChallengeStatusRejected = "rejected"
)

// V2Challenge is the structured v2 challenge: Base64-encoded into the
// Payment-Required header (canonical) and mirrored in the response body
// (convenience). The body copy additionally carries ContractMetadata, the
// first route's domain parameters, for clients that do not yet negotiate
// across multiple routes.
type V2Challenge struct {
	X402Version      int               `json:"x402Version"`
	Status           string            `json:"status,omitempty"`
	Error            string            `json:"error,omitempty"`
	Resource         *ResourceInfo     `json:"resource,omitempty"`
	Accepts          []Route           `json:"accepts"`
	Facilitators     []FacilitatorInfo `json:"facilitators,omitempty"`
	ContractMetadata *DomainParams     `json:"contractMetadata,omitempty"`
}

// V1Challenge is the v1 challenge body: a single implicit route in decimal
// units. The X-Accept-Payment attribute-string header is the fallback parse
// path; this body is the documented preferred one.
type V1Challenge struct {
	Status  string        `json:"status,omitempty"`
	Error   string        `json:"error,omitempty"`
	Payment V1PaymentInfo `json:"payment"`
}

// V1PaymentInfo describes the single v1 payment option.
type V1PaymentInfo struct {
	Amount      string `json:"amount"` // decimal units, not atomic
	Currency    string `json:"currency"`
	Network     string `json:"network"`
	PayTo       string `json:"payTo"`
	Facilitator string `json:"facilitator"`
}

// EncodeChallengeHeader renders the v2 challenge payload as Base64 JSON for
// the Payment-Required header. The header form omits status and error: it
// is the canonical instrument list, not the outcome report.
func EncodeChallengeHeader(cp *ChallengePayload) (string, error) {
	challenge := V2Challenge{
		X402Version:  2,
		Resource:     &cp.Resource,
		Accepts:      cp.Accepts,
		Facilitators: cp.Facilitators,
	}
	raw, err := json.Marshal(challenge)
	if err != nil {
		return "", NewPaymentError(ErrCodeEncoding, "failed to marshal challenge", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeChallengeHeader parses a Payment-Required header back into its
// structured form. Client-side helper.
func DecodeChallengeHeader(header string) (*V2Challenge, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, NewPaymentError(ErrCodeDecoding, "challenge header is not valid base64", err)
	}
	var challenge V2Challenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, NewPaymentError(ErrCodeDecoding, "challenge header is not valid JSON", err)
	}
	return &challenge, nil
}

// BuildAcceptPaymentHeader renders the v1 attribute-string challenge header
// from the first (implicit) route. Attribute order is for readability only;
// parsers must key on attribute names.
func BuildAcceptPaymentHeader(cp *ChallengePayload) string {
	route := cp.Accepts[0]

	facilitators := make([]string, 0, len(cp.Facilitators))
	for _, f := range cp.Facilitators {
		facilitators = append(facilitators, f.URL)
	}
	networks := make([]string, 0, len(cp.Accepts))
	currencies := make([]string, 0, len(cp.Accepts))
	for _, r := range cp.Accepts {
		networks = append(networks, r.Network)
		currencies = append(currencies, r.Symbol+":"+r.Asset)
	}

	attrs := []string{
		fmt.Sprintf("scheme=%q", route.Scheme),
		fmt.Sprintf("facilitators=%q", strings.Join(facilitators, ",")),
		fmt.Sprintf("networks=%q", strings.Join(networks, ",")),
		fmt.Sprintf("currencies=%q", strings.Join(currencies, ",")),
		fmt.Sprintf("amount=%q", route.Amount),
		fmt.Sprintf("resource=%q", cp.Resource.URL),
		fmt.Sprintf("payTo=%q", route.PayTo),
	}
	return strings.Join(attrs, "; ")
}

// ParseAcceptPaymentHeader decodes a v1 attribute-string header into a
// name->value map, independent of attribute order.
func ParseAcceptPaymentHeader(header string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, found := strings.Cut(part, "=")
		if !found {
			return nil, NewPaymentError(ErrCodeDecoding,
				fmt.Sprintf("malformed challenge attribute %q", part), nil)
		}
		unquoted, err := strconv.Unquote(value)
		if err != nil {
			return nil, NewPaymentError(ErrCodeDecoding,
				fmt.Sprintf("malformed challenge attribute value %q", value), err)
		}
		attrs[strings.TrimSpace(name)] = unquoted
	}
	if len(attrs) == 0 {
		return nil, NewPaymentError(ErrCodeDecoding, "empty challenge header", nil)
	}
	return attrs, nil
}

// writeChallenge emits the full 402 challenge for the configured version:
// headers plus mirrored body. status distinguishes a fresh challenge from a
// terminal rejection; the rejection form never re-lists routes in the
// header, since the credential was already rejected and a retry needs a
// fresh request anyway.
func writeChallenge(w http.ResponseWriter, r *http.Request, cfg *Config, status, reason string) {
	if cfg.CustomPaywallHTML != "" && isBrowserRequest(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(cfg.CustomPaywallHTML))
		return
	}

	cp := cfg.RenderChallenge(ResourceInfo{URL: r.URL.Path, Method: r.Method})

	if cfg.ChallengeVersion == 1 {
		writeV1Challenge(w, cfg, cp, status, reason)
		return
	}
	writeV2Challenge(w, cfg, cp, status, reason)
}

func writeV2Challenge(w http.ResponseWriter, cfg *Config, cp *ChallengePayload, status, reason string) {
	if status == ChallengeStatusRequired {
		if encoded, err := EncodeChallengeHeader(cp); err == nil {
			w.Header().Set(HeaderPaymentRequired, encoded)
		} else {
			cfg.Logger.Error("failed to encode challenge header", "error", err)
		}
	}

	body := V2Challenge{
		X402Version:  2,
		Status:       status,
		Error:        reason,
		Resource:     &cp.Resource,
		Accepts:      cp.Accepts,
		Facilitators: cp.Facilitators,
	}
	if len(cp.Accepts) > 0 {
		meta := cp.Accepts[0].Domain
		body.ContractMetadata = &meta
	}
	if status == ChallengeStatusRejected {
		// Terminal rejection: the body is the outcome report, not a fresh
		// instrument list.
		body.Accepts = nil
		body.Facilitators = nil
		body.ContractMetadata = nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		cfg.Logger.Error("failed to write challenge body", "error", err)
	}
}

func writeV1Challenge(w http.ResponseWriter, cfg *Config, cp *ChallengePayload, status, reason string) {
	route := cp.Accepts[0]

	if status == ChallengeStatusRequired {
		w.Header().Set(HeaderAcceptPayment, BuildAcceptPaymentHeader(cp))
	}

	facilitator := ""
	if len(cp.Facilitators) > 0 {
		facilitator = cp.Facilitators[0].URL
	}
	body := V1Challenge{
		Status: status,
		Error:  reason,
		Payment: V1PaymentInfo{
			Amount:      atomicToDecimal(route.Amount, route.Decimals),
			Currency:    route.Symbol,
			Network:     route.Network,
			PayTo:       route.PayTo,
			Facilitator: facilitator,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		cfg.Logger.Error("failed to write challenge body", "error", err)
	}
}

// atomicToDecimal renders an atomic amount in decimal units for the v1
// body, trimming trailing zeros ("10000" at 6 decimals -> "0.01").
func atomicToDecimal(amount string, decimals int) string {
	if decimals <= 0 {
		return amount
	}
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return amount
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat := new(big.Rat).SetFrac(n, scale)
	out := rat.FloatString(decimals)
	out = strings.TrimRight(out, "0")
	out = strings.TrimSuffix(out, ".")
	return out
}

func isBrowserRequest(r *http.Request) bool {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}

	browserIndicators := []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"}
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}
	return false
}
