package evm

import (
	"fmt"

	"github.com/paywire/x402gate"
)

// The facilitator is an external system frozen at protocol version 1: every
// credential, whichever version the client spoke, is translated to the v1
// wire here and nowhere else. When the facilitator learns v2 this file is
// the only thing that changes.

// Contract type tags a route's domain may carry. Each known tag maps to
// exactly one allowNegativeBalance value; unknown tags are an error, never
// a guess.
const (
	ContractTypeEIP3009    = "eip3009"
	ContractTypeCreditLine = "credit-line"
)

var allowNegativeBalanceByContractType = map[string]bool{
	ContractTypeEIP3009:    false,
	ContractTypeCreditLine: true,
}

// FacilitatorRequest is the body POSTed to /verify and /settle.
type FacilitatorRequest struct {
	X402Version         int                     `json:"x402Version"`
	PaymentPayload      FacilitatorPayload      `json:"paymentPayload"`
	PaymentRequirements FacilitatorRequirements `json:"paymentRequirements"`
}

// FacilitatorPayload carries the signed authorization in v1 form: the
// signature is always the packed r||s||v hex string on this wire.
type FacilitatorPayload struct {
	X402Version int                 `json:"x402Version"`
	Scheme      string              `json:"scheme"`
	Network     string              `json:"network"`
	Payload     FacilitatorEVMProof `json:"payload"`
}

// FacilitatorEVMProof is the scheme-specific part of the payload.
type FacilitatorEVMProof struct {
	Signature     string                 `json:"signature"`
	Authorization x402gate.Authorization `json:"authorization"`
}

// FacilitatorRequirements mirrors the route the credential paid on.
type FacilitatorRequirements struct {
	Scheme            string           `json:"scheme"`
	Network           string           `json:"network"`
	MaxAmountRequired string           `json:"maxAmountRequired"`
	Resource          string           `json:"resource"`
	Description       string           `json:"description,omitempty"`
	MimeType          string           `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int              `json:"maxTimeoutSeconds"`
	PayTo             string           `json:"payTo"`
	Asset             string           `json:"asset"`
	Extra             FacilitatorExtra `json:"extra"`
}

// FacilitatorExtra carries the route-specific domain parameters the
// facilitator needs to reconstruct the typed message.
type FacilitatorExtra struct {
	Name                 string `json:"name"`
	Version              string `json:"version"`
	ContractType         string `json:"contractType"`
	AllowNegativeBalance bool   `json:"allowNegativeBalance"`
}

// BuildFacilitatorRequest translates a normalized credential and its
// matched route into the frozen v1 facilitator wire format.
func BuildFacilitatorRequest(cred *x402gate.PaymentCredential, route *x402gate.Route, resource string) (*FacilitatorRequest, error) {
	contractType := route.Domain.ContractType
	if contractType == "" {
		contractType = ContractTypeEIP3009
	}
	allowNegative, known := allowNegativeBalanceByContractType[contractType]
	if !known {
		return nil, fmt.Errorf("unknown contract type %q: cannot derive allowNegativeBalance", contractType)
	}

	if resource == "" {
		resource = cred.Resource
	}

	return &FacilitatorRequest{
		X402Version: 1,
		PaymentPayload: FacilitatorPayload{
			X402Version: 1,
			Scheme:      cred.Scheme,
			Network:     route.Network,
			Payload: FacilitatorEVMProof{
				Signature:     cred.Signature.Packed(),
				Authorization: cred.Authorization,
			},
		},
		PaymentRequirements: FacilitatorRequirements{
			Scheme:            route.Scheme,
			Network:           route.Network,
			MaxAmountRequired: route.Amount,
			Resource:          resource,
			Description:       route.Description,
			MimeType:          "application/json",
			MaxTimeoutSeconds: route.MaxTimeoutSeconds,
			PayTo:             route.PayTo,
			Asset:             route.Asset,
			Extra: FacilitatorExtra{
				Name:                 route.Domain.Name,
				Version:              route.Domain.Version,
				ContractType:         contractType,
				AllowNegativeBalance: allowNegative,
			},
		},
	}, nil
}
