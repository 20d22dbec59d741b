package grpcclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/retina-check/internal/normalizer"
	"github.com/example/retina-check/internal/predictor"
)

type predictFunc func(ctx context.Context, image []byte) (*structpb.Struct, error)

func startPredictorServer(t *testing.T, fn predictFunc) predictor.Client {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: "retina.v1.Predictor",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Predict",
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &wrapperspb.BytesValue{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return fn(ctx, in.GetValue())
			},
		}},
	}, struct{}{})
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	client, conn, err := DialPredictor("passthrough:///bufnet", normalizer.EndpointB, 2*time.Second, zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return client
}

func TestPredictDecodesStructResponse(t *testing.T) {
	var gotImage []byte
	var gotUser []string
	client := startPredictorServer(t, func(ctx context.Context, image []byte) (*structpb.Struct, error) {
		gotImage = image
		md, _ := metadata.FromIncomingContext(ctx)
		gotUser = md.Get("x-user-id")
		return structpb.NewStruct(map[string]interface{}{
			"predicted_class": "amd",
			"confidence":      0.75,
			"scores":          map[string]interface{}{"glaucoma": 0.2, "amd": 0.6},
		})
	})

	resp, err := client.Predict(context.Background(), "user-9", predictor.Image{ContentType: "image/jpeg", Data: []byte("fundus")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(gotImage) != "fundus" {
		t.Fatalf("server received %q", gotImage)
	}
	if len(gotUser) != 1 || gotUser[0] != "user-9" {
		t.Fatalf("unexpected user metadata: %v", gotUser)
	}
	if resp.Confidence == nil || *resp.Confidence != 0.75 {
		t.Fatalf("unexpected confidence: %v", resp.Confidence)
	}
	// keys come back sorted from the Struct encoding
	if len(resp.Scores) != 2 || resp.Scores[0].Condition != "amd" || resp.Scores[1].Condition != "glaucoma" {
		t.Fatalf("unexpected scores: %+v", resp.Scores)
	}
	if client.Endpoint() != normalizer.EndpointB {
		t.Fatalf("unexpected endpoint: %s", client.Endpoint())
	}
}

func TestPredictMapsRPCErrors(t *testing.T) {
	client := startPredictorServer(t, func(ctx context.Context, image []byte) (*structpb.Struct, error) {
		return nil, status.Error(codes.Unavailable, "model offline")
	})

	_, err := client.Predict(context.Background(), "user-1", predictor.Image{Data: []byte("x")})
	var upstream *predictor.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %T: %v", err, err)
	}
	if status.Code(upstream.Err) != codes.Unavailable {
		t.Fatalf("unexpected code: %v", status.Code(upstream.Err))
	}
}

func TestPredictRejectsNonNumericScores(t *testing.T) {
	client := startPredictorServer(t, func(ctx context.Context, image []byte) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]interface{}{
			"scores": map[string]interface{}{"amd": "likely"},
		})
	})

	_, err := client.Predict(context.Background(), "user-1", predictor.Image{Data: []byte("x")})
	var malformed *normalizer.MalformedScoreError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedScoreError, got %T: %v", err, err)
	}
}
