package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/paywire/x402gate"
)

type stubVerifier struct {
	outcome *x402gate.VerificationOutcome
	err     error
	settled chan struct{}
}

func (s *stubVerifier) Verify(ctx context.Context, cred *x402gate.PaymentCredential, route *x402gate.Route) (*x402gate.VerificationOutcome, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.outcome != nil {
		return s.outcome, nil
	}
	return &x402gate.VerificationOutcome{Valid: true, Payer: "0xpayer"}, nil
}

func (s *stubVerifier) Settle(ctx context.Context, cred *x402gate.PaymentCredential, route *x402gate.Route) (*x402gate.SettlementOutcome, error) {
	if s.settled != nil {
		close(s.settled)
	}
	return &x402gate.SettlementOutcome{TransactionHash: "0xtxhash", Network: route.Network}, nil
}

func interceptorConfig(v *stubVerifier) x402gate.Config {
	cfg := *testConfig()
	cfg.Verifier = v
	return cfg
}

func unaryInfo() *grpc.UnaryServerInfo {
	return &grpc.UnaryServerInfo{FullMethod: "/report.v1.ReportService/Get"}
}

func TestUnaryInterceptorMissingCredential(t *testing.T) {
	interceptor := UnaryServerInterceptor(interceptorConfig(&stubVerifier{}))

	_, err := interceptor(context.Background(), nil, unaryInfo(), func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Fatal("handler must not run without payment")
		return nil, nil
	})

	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}

	challenge, decodeErr := DecodeChallenge(st.Message())
	if decodeErr != nil {
		t.Fatalf("status message is not a challenge: %v", decodeErr)
	}
	if challenge.Status != x402gate.ChallengeStatusRequired {
		t.Errorf("expected fresh challenge, got %q", challenge.Status)
	}
	if len(challenge.Accepts) == 0 {
		t.Error("fresh challenge must list routes")
	}
}

func TestUnaryInterceptorMalformedCredential(t *testing.T) {
	interceptor := UnaryServerInterceptor(interceptorConfig(&stubVerifier{}))

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPaymentSignature, "{not json"))

	_, err := interceptor(ctx, nil, unaryInfo(), func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, nil
	})

	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestUnaryInterceptorTransportFailure(t *testing.T) {
	interceptor := UnaryServerInterceptor(interceptorConfig(&stubVerifier{
		err: errors.New("connection refused"),
	}))

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPaymentSignature, testCredentialJSON()))

	_, err := interceptor(ctx, nil, unaryInfo(), func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, nil
	})

	if status.Code(err) != codes.Internal {
		t.Errorf("expected Internal, got %v", err)
	}
}

func TestUnaryInterceptorRejectedPayment(t *testing.T) {
	interceptor := UnaryServerInterceptor(interceptorConfig(&stubVerifier{
		outcome: &x402gate.VerificationOutcome{Valid: false, Reason: "insufficient balance"},
	}))

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPaymentSignature, testCredentialJSON()))

	_, err := interceptor(ctx, nil, unaryInfo(), func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, nil
	})

	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}

	challenge, decodeErr := DecodeChallenge(st.Message())
	if decodeErr != nil {
		t.Fatalf("status message is not a challenge: %v", decodeErr)
	}
	if challenge.Status != x402gate.ChallengeStatusRejected {
		t.Errorf("expected rejection, got %q", challenge.Status)
	}
	if challenge.Error != "insufficient balance" {
		t.Errorf("expected reason, got %q", challenge.Error)
	}
}

func TestUnaryInterceptorVerifiedPayment(t *testing.T) {
	settled := make(chan struct{})
	verifier := &stubVerifier{settled: settled}

	cfg := interceptorConfig(verifier)
	observed := make(chan error, 1)
	cfg.SettlementObserver = func(cred *x402gate.PaymentCredential, outcome *x402gate.SettlementOutcome, err error) {
		observed <- err
	}

	interceptor := UnaryServerInterceptor(cfg)

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPaymentSignature, testCredentialJSON()))

	resp, err := interceptor(ctx, "request", unaryInfo(), func(ctx context.Context, req interface{}) (interface{}, error) {
		payment, ok := GetPaymentFromContext(ctx)
		if !ok {
			t.Error("handler did not receive payment context")
		} else if payment.Payer != "0xpayer" {
			t.Errorf("wrong payer: %s", payment.Payer)
		}
		return "response", nil
	})
	if err != nil {
		t.Fatalf("interceptor failed: %v", err)
	}
	if resp != "response" {
		t.Errorf("handler response lost: %v", resp)
	}

	select {
	case <-settled:
	case <-time.After(2 * time.Second):
		t.Fatal("settlement was never dispatched")
	}
	select {
	case err := <-observed:
		if err != nil {
			t.Errorf("unexpected settlement error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("settlement outcome never reached the observer")
	}
}

func TestUnaryInterceptorHandlerErrorSkipsSettlement(t *testing.T) {
	settled := make(chan struct{})
	interceptor := UnaryServerInterceptor(interceptorConfig(&stubVerifier{settled: settled}))

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPaymentSignature, testCredentialJSON()))

	_, err := interceptor(ctx, nil, unaryInfo(), func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "no such report")
	})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("handler error not propagated: %v", err)
	}

	select {
	case <-settled:
		t.Error("settlement must not run when the handler fails")
	case <-time.After(100 * time.Millisecond):
	}
}

type stubStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *stubStream) Context() context.Context { return s.ctx }

func TestStreamInterceptorVerifiedPayment(t *testing.T) {
	settled := make(chan struct{})
	interceptor := StreamServerInterceptor(interceptorConfig(&stubVerifier{settled: settled}))

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPaymentSignature, testCredentialJSON()))

	err := interceptor(nil, &stubStream{ctx: ctx}, &grpc.StreamServerInfo{FullMethod: "/report.v1.ReportService/Watch"},
		func(srv interface{}, ss grpc.ServerStream) error {
			if _, ok := GetPaymentFromContext(ss.Context()); !ok {
				t.Error("stream context has no payment")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("interceptor failed: %v", err)
	}

	select {
	case <-settled:
	case <-time.After(2 * time.Second):
		t.Fatal("settlement was never dispatched")
	}
}

func TestStreamInterceptorMissingCredential(t *testing.T) {
	interceptor := StreamServerInterceptor(interceptorConfig(&stubVerifier{}))

	err := interceptor(nil, &stubStream{ctx: context.Background()},
		&grpc.StreamServerInfo{FullMethod: "/report.v1.ReportService/Watch"},
		func(srv interface{}, ss grpc.ServerStream) error {
			t.Fatal("handler must not run without payment")
			return nil
		})

	if status.Code(err) != codes.ResourceExhausted {
		t.Errorf("expected ResourceExhausted, got %v", err)
	}
}
