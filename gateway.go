package x402gate

import (
	"context"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment
// information from the HTTP request context to gRPC metadata, so gRPC
// handlers behind grpc-gateway can see who paid and how much.
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		md := metadata.MD{}

		payment, ok := GetPaymentFromContext(ctx)
		if !ok || payment == nil || !payment.Verified {
			return md
		}

		md.Set("x-payment-verified", "true")
		md.Set("x-payment-payer", payment.Payer)
		md.Set("x-payment-amount", payment.Amount)
		md.Set("x-payment-network", payment.Network)
		md.Set("x-payment-version", strconv.Itoa(payment.Version))
		return md
	})
}

// GetPaymentFromGatewayContext extracts payment information from gRPC
// metadata populated by WithPaymentMetadata.
func GetPaymentFromGatewayContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	verified := md.Get("x-payment-verified")
	if len(verified) == 0 || verified[0] != "true" {
		return nil, false
	}

	payment := &PaymentContext{Verified: true}
	if payer := md.Get("x-payment-payer"); len(payer) > 0 {
		payment.Payer = payer[0]
	}
	if amount := md.Get("x-payment-amount"); len(amount) > 0 {
		payment.Amount = amount[0]
	}
	if network := md.Get("x-payment-network"); len(network) > 0 {
		payment.Network = network[0]
	}
	if version := md.Get("x-payment-version"); len(version) > 0 {
		if v, err := strconv.Atoi(version[0]); err == nil {
			payment.Version = v
		}
	}
	return payment, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway
// context, for payment decisions based on the matched route.
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}
