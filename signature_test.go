package x402gate

import (
	"bytes"
	"strings"
	"testing"
)

func TestSignatureRoundTrip(t *testing.T) {
	r := bytes.Repeat([]byte{0xab}, 32)
	s := bytes.Repeat([]byte{0xcd}, 32)

	packed, err := EncodeSignature(r, s, 27)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.HasPrefix(packed, "0x") {
		t.Errorf("expected 0x prefix, got %s", packed)
	}
	if len(packed) != 2+130 {
		t.Errorf("expected 65-byte hex string, got length %d", len(packed))
	}

	r2, s2, v2, err := DecodeSignature(packed)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(r, r2) || !bytes.Equal(s, s2) || v2 != 27 {
		t.Error("round trip did not preserve components")
	}
}

func TestSignatureComponentsRoundTrip(t *testing.T) {
	rHex := "0x" + strings.Repeat("11", 32)
	sHex := "0x" + strings.Repeat("22", 32)

	sig, err := NewSignature(rHex, sHex, 28)
	if err != nil {
		t.Fatalf("NewSignature failed: %v", err)
	}

	parsed, err := ParseSignature(sig.Packed())
	if err != nil {
		t.Fatalf("ParseSignature failed: %v", err)
	}
	if parsed != sig {
		t.Error("packed form did not round trip through ParseSignature")
	}

	gotR, gotS, gotV := parsed.Components()
	if gotR != rHex || gotS != sHex || gotV != 28 {
		t.Errorf("components mismatch: %s %s %d", gotR, gotS, gotV)
	}
}

func TestEncodeSignatureRejectsBadInputs(t *testing.T) {
	ok := bytes.Repeat([]byte{0x01}, 32)

	long := bytes.Repeat([]byte{0x01}, 33)

	tests := []struct {
		name string
		r, s []byte
		v    byte
	}{
		{"short r", ok[:31], ok, 27},
		{"long s", ok, long, 27},
		{"bad v zero", ok, ok, 0},
		{"bad v raw recovery id", ok, ok, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeSignature(tt.r, tt.s, tt.v); err == nil {
				t.Error("expected error")
			} else if !HasErrorCode(err, ErrCodeEncoding) {
				t.Errorf("expected encoding error code, got %v", err)
			}
		})
	}
}

func TestDecodeSignatureRejectsBadInputs(t *testing.T) {
	tests := []struct {
		name   string
		packed string
	}{
		{"not hex", "0xzz"},
		{"too short", "0x" + strings.Repeat("00", 64)},
		{"bad recovery id", "0x" + strings.Repeat("00", 64) + "1d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := DecodeSignature(tt.packed); err == nil {
				t.Error("expected error")
			} else if !HasErrorCode(err, ErrCodeDecoding) {
				t.Errorf("expected decoding error code, got %v", err)
			}
		})
	}
}
