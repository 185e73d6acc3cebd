package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/paywire/x402gate"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor enforcing
// x402 payment on every call. The state machine mirrors the HTTP
// middleware: missing credential and rejected payment map to
// ResourceExhausted carrying an encoded challenge, malformed credentials
// to InvalidArgument, facilitator transport failure to Internal
// (fail closed). Settlement is dispatched after the handler succeeds and
// never blocks or fails the call.
func UnaryServerInterceptor(cfg x402gate.Config) grpc.UnaryServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)

		cred, route, outcome, err := admit(ctx, &cfg, md, info.FullMethod)
		if err != nil {
			return nil, err
		}

		ctx = context.WithValue(ctx, x402gate.PaymentContextKey, &x402gate.PaymentContext{
			Verified: true,
			Payer:    outcome.Payer,
			Amount:   cred.Authorization.Value,
			Network:  cred.Network,
			Version:  cred.Version,
		})

		resp, err := handler(ctx, req)
		if err != nil {
			// Handler failure: the verification stands but nothing was
			// delivered, so settlement is not dispatched.
			return nil, err
		}

		cfg.DispatchSettlement(ctx, cred, route)

		receipt, encErr := EncodePaymentResponse(&x402gate.PaymentResponse{
			Success: true,
			Payer:   outcome.Payer,
			Network: cred.Network,
		})
		if encErr == nil {
			grpc.SetTrailer(ctx, metadata.Pairs(responseMetadataKey(cred.Version), receipt))
		}

		return resp, nil
	}
}

// StreamServerInterceptor gates stream establishment on payment. One
// credential admits one stream; settlement is dispatched once the stream
// handler returns without error.
func StreamServerInterceptor(cfg x402gate.Config) grpc.StreamServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		md, _ := metadata.FromIncomingContext(ctx)

		cred, route, outcome, err := admit(ctx, &cfg, md, info.FullMethod)
		if err != nil {
			return err
		}

		ctx = context.WithValue(ctx, x402gate.PaymentContextKey, &x402gate.PaymentContext{
			Verified: true,
			Payer:    outcome.Payer,
			Amount:   cred.Authorization.Value,
			Network:  cred.Network,
			Version:  cred.Version,
		})

		if err := handler(srv, &paidStream{ServerStream: ss, ctx: ctx}); err != nil {
			return err
		}

		cfg.DispatchSettlement(ctx, cred, route)
		return nil
	}
}

// admit runs the pre-handler half of the state machine: locate, parse and
// verify the credential, or fail with the status the failure mode maps to.
func admit(ctx context.Context, cfg *x402gate.Config, md metadata.MD, fullMethod string) (*x402gate.PaymentCredential, *x402gate.Route, *x402gate.VerificationOutcome, error) {
	cred, route, err := ExtractCredential(md, cfg)
	if err != nil {
		switch x402gate.ErrorCode(err) {
		case x402gate.ErrCodeMissingCredential, x402gate.ErrCodeUnknownRoute:
			return nil, nil, nil, paymentRequiredError(cfg, fullMethod, x402gate.ChallengeStatusRequired, "payment required")
		default:
			return nil, nil, nil, status.Error(codes.InvalidArgument, fmt.Sprintf("invalid payment credential: %v", err))
		}
	}

	verifyCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Verify)
	outcome, err := cfg.Verifier.Verify(verifyCtx, cred, route)
	cancel()
	if err != nil {
		cfg.Logger.Error("payment verification transport failure", "method", fullMethod, "error", err)
		return nil, nil, nil, status.Error(codes.Internal, "payment verification unavailable")
	}
	if !outcome.Valid {
		cfg.Logger.Warn("payment rejected", "method", fullMethod, "reason", outcome.Reason)
		return nil, nil, nil, paymentRequiredError(cfg, fullMethod, x402gate.ChallengeStatusRejected, outcome.Reason)
	}

	return cred, route, outcome, nil
}

func paymentRequiredError(cfg *x402gate.Config, fullMethod, challengeStatus, reason string) error {
	encoded, err := EncodeChallenge(cfg, fullMethod, challengeStatus, reason)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment challenge: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

// paidStream overrides the stream context so handlers see the payment.
type paidStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paidStream) Context() context.Context {
	return s.ctx
}

// GetPaymentFromContext extracts payment information from a gRPC handler
// context admitted by one of the interceptors.
func GetPaymentFromContext(ctx context.Context) (*x402gate.PaymentContext, bool) {
	return x402gate.GetPaymentFromContext(ctx)
}
