package x402gate

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Signature is a structured-data signature over an Authorization,
// decomposed into its recoverable ECDSA components. Two wire encodings
// exist: the v1 component tuple {r, s, v} and the v2 packed r||s||v hex
// string; conversion between them is lossless in both directions.
type Signature struct {
	R [32]byte
	S [32]byte
	V byte
}

// EncodeSignature packs r, s and v into the 65-byte r||s||v hex form used on
// the v2 wire and by the facilitator. r and s must be exactly 32 bytes and
// v must be 27 or 28.
func EncodeSignature(r, s []byte, v byte) (string, error) {
	if len(r) != 32 {
		return "", NewPaymentError(ErrCodeEncoding, fmt.Sprintf("r must be 32 bytes, got %d", len(r)), nil)
	}
	if len(s) != 32 {
		return "", NewPaymentError(ErrCodeEncoding, fmt.Sprintf("s must be 32 bytes, got %d", len(s)), nil)
	}
	if v != 27 && v != 28 {
		return "", NewPaymentError(ErrCodeEncoding, fmt.Sprintf("v must be 27 or 28, got %d", v), nil)
	}

	packed := make([]byte, 0, 65)
	packed = append(packed, r...)
	packed = append(packed, s...)
	packed = append(packed, v)
	return "0x" + hex.EncodeToString(packed), nil
}

// DecodeSignature splits a packed r||s||v hex string back into components.
func DecodeSignature(packed string) (r, s []byte, v byte, err error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(packed, "0x"))
	if err != nil {
		return nil, nil, 0, NewPaymentError(ErrCodeDecoding, "malformed signature hex", err)
	}
	if len(raw) != 65 {
		return nil, nil, 0, NewPaymentError(ErrCodeDecoding, fmt.Sprintf("packed signature must be 65 bytes, got %d", len(raw)), nil)
	}
	v = raw[64]
	if v != 27 && v != 28 {
		return nil, nil, 0, NewPaymentError(ErrCodeDecoding, fmt.Sprintf("v must be 27 or 28, got %d", v), nil)
	}
	return raw[0:32], raw[32:64], v, nil
}

// ParseSignature decodes a packed signature string into a Signature value.
func ParseSignature(packed string) (Signature, error) {
	var sig Signature
	r, s, v, err := DecodeSignature(packed)
	if err != nil {
		return sig, err
	}
	copy(sig.R[:], r)
	copy(sig.S[:], s)
	sig.V = v
	return sig, nil
}

// NewSignature builds a Signature from hex-encoded r and s components and
// a recovery id, the v1 wire form.
func NewSignature(rHex, sHex string, v byte) (Signature, error) {
	var sig Signature
	r, err := decodeWord(rHex)
	if err != nil {
		return sig, NewPaymentError(ErrCodeDecoding, "malformed signature component r", err)
	}
	s, err := decodeWord(sHex)
	if err != nil {
		return sig, NewPaymentError(ErrCodeDecoding, "malformed signature component s", err)
	}
	if v != 27 && v != 28 {
		return sig, NewPaymentError(ErrCodeDecoding, fmt.Sprintf("v must be 27 or 28, got %d", v), nil)
	}
	copy(sig.R[:], r)
	copy(sig.S[:], s)
	sig.V = v
	return sig, nil
}

// Packed returns the 65-byte r||s||v hex encoding of the signature.
func (sig Signature) Packed() string {
	packed, err := EncodeSignature(sig.R[:], sig.S[:], sig.V)
	if err != nil {
		// Unreachable for a Signature constructed through ParseSignature
		// or NewSignature: components are fixed-size and v was validated.
		return ""
	}
	return packed
}

// Components returns the v1 wire form of the signature.
func (sig Signature) Components() (rHex, sHex string, v byte) {
	return "0x" + hex.EncodeToString(sig.R[:]), "0x" + hex.EncodeToString(sig.S[:]), sig.V
}

func decodeWord(h string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	return raw, nil
}
