// Package gin adapts the payment middleware to the Gin framework. It is a
// thin wrapper: all challenge, parsing, verification and settlement logic
// lives in the root package, and this adapter only translates between
// gin.Context and the stdlib handler chain.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paywire/x402gate"
)

// PaymentContextKey is the gin context key holding the verified payment.
const PaymentContextKey = "x402_payment"

// PaymentMiddleware returns a Gin handler enforcing payment on the route
// group it is attached to. On admission the verified payment is available
// both through c.Get(PaymentContextKey) and through the request context,
// so handlers written against either style keep working. On any payment
// failure the wrapped engine has already written the response and the
// chain is aborted.
func PaymentMiddleware(cfg x402gate.Config) gin.HandlerFunc {
	engine := x402gate.PaymentMiddleware(cfg)

	return func(c *gin.Context) {
		admitted := false

		gate := engine(wrapNext(c, &admitted))
		gate.ServeHTTP(c.Writer, c.Request)

		if !admitted {
			c.Abort()
			return
		}
		c.Next()
	}
}

// wrapNext is the innermost handler the engine admits into. It records the
// admission, mirrors the payment into the gin context, and rebinds the
// request so downstream handlers see the payment-carrying context.
func wrapNext(c *gin.Context, admitted *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*admitted = true
		c.Request = r
		if payment, ok := x402gate.GetPaymentFromContext(r.Context()); ok {
			c.Set(PaymentContextKey, payment)
		}
	})
}

// GetPaymentFromContext extracts the verified payment from a gin context
// admitted by PaymentMiddleware. Returns nil when the request carried no
// verified payment.
func GetPaymentFromContext(c *gin.Context) *x402gate.PaymentContext {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	payment, ok := value.(*x402gate.PaymentContext)
	if !ok {
		return nil
	}
	return payment
}
