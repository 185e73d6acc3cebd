// Package evm implements the EVM side of the payment protocol: the
// EIP-3009 typed-message codec, the translation to the facilitator's
// frozen v1 wire format, and the facilitator-backed Verifier.
package evm

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/paywire/x402gate"
)

// ChainID extracts the numeric chain id from a CAIP-2 eip155 network
// identifier ("eip155:8453" -> 8453).
func ChainID(network string) (*big.Int, error) {
	namespace, reference, found := strings.Cut(network, ":")
	if !found || namespace != "eip155" {
		return nil, fmt.Errorf("network %q is not an eip155 CAIP-2 identifier", network)
	}
	id, ok := new(big.Int).SetString(reference, 10)
	if !ok {
		return nil, fmt.Errorf("network %q has a non-numeric chain reference", network)
	}
	return id, nil
}

// GenerateNonce returns 32 cryptographically random bytes. Random nonces
// are the only supported strategy: timestamp-derived nonces collide for
// concurrent same-second payments from one payer.
func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// NonceHex renders a nonce in the 0x-prefixed wire form.
func NonceHex(nonce [32]byte) string {
	return "0x" + hex.EncodeToString(nonce[:])
}

// BuildTypedMessage computes the canonical EIP-712 digest for an
// authorization under a route's token domain. Field order is fixed by the
// TransferWithAuthorization schema. A domain that defines a memo yields a
// distinct schema: the memo field is appended to the typed struct, so the
// digest differs from the memo-less form even for identical transfer
// fields. Domains without a memo omit the field entirely.
func BuildTypedMessage(auth *x402gate.Authorization, route *x402gate.Route) ([]byte, error) {
	chainID, err := ChainID(route.Network)
	if err != nil {
		return nil, err
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("authorization value %q is not a base-10 integer", auth.Value)
	}

	transferFields := []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	}
	message := apitypes.TypedDataMessage{
		"from":        common.HexToAddress(auth.From).Hex(),
		"to":          common.HexToAddress(auth.To).Hex(),
		"value":       (*math.HexOrDecimal256)(value),
		"validAfter":  (*math.HexOrDecimal256)(big.NewInt(auth.ValidAfter)),
		"validBefore": (*math.HexOrDecimal256)(big.NewInt(auth.ValidBefore)),
		"nonce":       common.HexToHash(auth.Nonce).Hex(),
	}

	if route.Domain.Memo != "" {
		transferFields = append(transferFields, apitypes.Type{Name: "memo", Type: "string"})
		memo := auth.Memo
		if memo == "" {
			memo = route.Domain.Memo
		}
		message["memo"] = memo
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": transferFields,
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              route.Domain.Name,
			Version:           route.Domain.Version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: common.HexToAddress(route.Asset).Hex(),
		},
		Message: message,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// Signer produces a signature over an EIP-712 digest. The engine consumes
// signing as an opaque capability: a wallet, an HSM or a raw key all fit
// behind this type.
type Signer func(digest []byte) (x402gate.Signature, error)

// KeySigner wraps a raw ECDSA key as a Signer.
func KeySigner(privateKey *ecdsa.PrivateKey) Signer {
	return func(digest []byte) (x402gate.Signature, error) {
		var sig x402gate.Signature
		raw, err := crypto.Sign(digest, privateKey)
		if err != nil {
			return sig, fmt.Errorf("failed to sign digest: %w", err)
		}
		copy(sig.R[:], raw[0:32])
		copy(sig.S[:], raw[32:64])
		sig.V = raw[64] + 27
		return sig, nil
	}
}

// SignAuthorization builds the typed message for an authorization and signs
// it with a raw ECDSA key. The engine itself never signs; this helper
// exists for clients, tests and examples.
func SignAuthorization(privateKey *ecdsa.PrivateKey, auth *x402gate.Authorization, route *x402gate.Route) (x402gate.Signature, error) {
	digest, err := BuildTypedMessage(auth, route)
	if err != nil {
		return x402gate.Signature{}, err
	}
	return KeySigner(privateKey)(digest)
}

// NewAuthorization builds a fresh, immutable authorization for a route
// with a random nonce and a validity window ending route.MaxTimeoutSeconds
// from now. Client-side helper.
func NewAuthorization(from string, route *x402gate.Route, now int64) (*x402gate.Authorization, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	auth := &x402gate.Authorization{
		From:        from,
		To:          route.PayTo,
		Value:       route.Amount,
		ValidAfter:  now - 10,
		ValidBefore: now + int64(route.MaxTimeoutSeconds),
		Nonce:       NonceHex(nonce),
	}
	if route.Domain.Memo != "" {
		auth.Memo = route.Domain.Memo
	}
	return auth, nil
}
