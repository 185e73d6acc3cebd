package x402gate

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func testChallengePayload() *ChallengePayload {
	return &ChallengePayload{
		Version:  2,
		Resource: ResourceInfo{URL: "/v1/report", Method: "GET"},
		Accepts: []Route{
			{
				Scheme:   "exact",
				Network:  "eip155:84532",
				Asset:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Amount:   "10000",
				Symbol:   "USDC",
				Decimals: 6,
				PayTo:    "0xabc",
				Domain:   DomainParams{Name: "USDC", Version: "2"},
			},
			{
				Scheme:   "exact",
				Network:  "eip155:1",
				Asset:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
				Amount:   "10000",
				Symbol:   "USDC",
				Decimals: 6,
				PayTo:    "0xabc",
				Domain:   DomainParams{Name: "USD Coin", Version: "2"},
			},
		},
		Facilitators: []FacilitatorInfo{
			{URL: "https://facilitator.example.com", Networks: []string{"eip155:84532", "eip155:1"}},
		},
	}
}

func TestChallengeHeaderRoundTrip(t *testing.T) {
	cp := testChallengePayload()

	encoded, err := EncodeChallengeHeader(cp)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	challenge, err := DecodeChallengeHeader(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if challenge.X402Version != 2 {
		t.Errorf("expected version 2, got %d", challenge.X402Version)
	}
	if challenge.Status != "" {
		t.Errorf("header form must omit status, got %q", challenge.Status)
	}
	if len(challenge.Accepts) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(challenge.Accepts))
	}
	if challenge.Accepts[0].Network != "eip155:84532" {
		t.Errorf("route order not preserved, first is %s", challenge.Accepts[0].Network)
	}
	if challenge.Accepts[0].Domain.Name != "USDC" {
		t.Errorf("domain params lost: %+v", challenge.Accepts[0].Domain)
	}
	if len(challenge.Facilitators) != 1 {
		t.Errorf("expected 1 facilitator, got %d", len(challenge.Facilitators))
	}
}

func TestDecodeChallengeHeaderRejectsGarbage(t *testing.T) {
	if _, err := DecodeChallengeHeader("not base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := DecodeChallengeHeader("bm90IGpzb24="); err == nil {
		t.Error("expected error for non-JSON payload")
	}
}

func TestAcceptPaymentHeaderRoundTrip(t *testing.T) {
	cp := testChallengePayload()

	header := BuildAcceptPaymentHeader(cp)

	attrs, err := ParseAcceptPaymentHeader(header)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if attrs["scheme"] != "exact" {
		t.Errorf("expected scheme exact, got %q", attrs["scheme"])
	}
	if attrs["amount"] != "10000" {
		t.Errorf("expected amount 10000, got %q", attrs["amount"])
	}
	if attrs["payTo"] != "0xabc" {
		t.Errorf("expected payTo 0xabc, got %q", attrs["payTo"])
	}
	if !strings.Contains(attrs["networks"], "eip155:84532") {
		t.Errorf("networks attribute missing first route: %q", attrs["networks"])
	}
	if !strings.Contains(attrs["facilitators"], "https://facilitator.example.com") {
		t.Errorf("facilitators attribute wrong: %q", attrs["facilitators"])
	}
}

func TestParseAcceptPaymentHeaderIsOrderIndependent(t *testing.T) {
	header := `payTo="0xabc"; scheme="exact"; amount="10000"`

	attrs, err := ParseAcceptPaymentHeader(header)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if attrs["scheme"] != "exact" || attrs["amount"] != "10000" || attrs["payTo"] != "0xabc" {
		t.Errorf("reordered attributes not parsed: %v", attrs)
	}
}

func TestParseAcceptPaymentHeaderRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"no equals", `scheme`},
		{"unquoted value", `scheme=exact`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAcceptPaymentHeader(tt.header); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAtomicToDecimal(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int
		want     string
	}{
		{"10000", 6, "0.01"},
		{"1000000", 6, "1"},
		{"1500000", 6, "1.5"},
		{"1", 6, "0.000001"},
		{"42", 0, "42"},
	}
	for _, tt := range tests {
		if got := atomicToDecimal(tt.amount, tt.decimals); got != tt.want {
			t.Errorf("atomicToDecimal(%s, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
		}
	}
}

func TestIsBrowserRequest(t *testing.T) {
	tests := []struct {
		userAgent string
		want      bool
	}{
		{"Mozilla/5.0 (Macintosh) Chrome/120.0", true},
		{"curl/8.4.0", false},
		{"", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/v1/report", nil)
		if tt.userAgent != "" {
			r.Header.Set("User-Agent", tt.userAgent)
		}
		if got := isBrowserRequest(r); got != tt.want {
			t.Errorf("isBrowserRequest(%q) = %v, want %v", tt.userAgent, got, tt.want)
		}
	}
}
