package x402gate

import (
	"errors"
	"fmt"
)

// PaymentError represents an error in the payment protocol state machine.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Error codes. Codes before admission map to a client-visible status;
// ErrCodeSettlementFailed is only ever observed, never returned to clients.
const (
	ErrCodeInvalidConfig         = "INVALID_CONFIG"
	ErrCodeMissingCredential     = "MISSING_CREDENTIAL"
	ErrCodeMalformedCredential   = "MALFORMED_CREDENTIAL"
	ErrCodeUnsupportedVersion    = "UNSUPPORTED_VERSION"
	ErrCodeUnknownRoute          = "UNKNOWN_ROUTE"
	ErrCodeVerificationRejected  = "VERIFICATION_REJECTED"
	ErrCodeVerificationTransport = "VERIFICATION_TRANSPORT"
	ErrCodeSettlementFailed      = "SETTLEMENT_FAILED"
	ErrCodeEncoding              = "ENCODING_ERROR"
	ErrCodeDecoding              = "DECODING_ERROR"
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsPaymentError checks if an error is a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// ErrorCode extracts the code from a PaymentError anywhere in err's chain,
// or returns the empty string.
func ErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasErrorCode reports whether err carries the given payment error code.
func HasErrorCode(err error, code string) bool {
	return ErrorCode(err) == code
}
