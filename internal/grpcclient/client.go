package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/normalizer"
	"github.com/example/retina-check/internal/predictor"
)

// PredictMethod is the unary method served by the model. It takes the raw image
// as google.protobuf.BytesValue and answers a google.protobuf.Struct shaped like
// the endpoint B JSON body.
const PredictMethod = "/retina.v1.Predictor/Predict"

// DialPredictor returns a client for a gRPC-served model. A positive timeout
// bounds each call. Extra options are appended after the default insecure
// transport credentials.
func DialPredictor(addr string, endpoint normalizer.Endpoint, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (predictor.Client, *grpc.ClientConn, error) {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_predictor", "", err)
		logger.Error("failed to create predictor connection", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcPredictor{
		conn:     conn,
		endpoint: endpoint,
		timeout:  timeout,
		logger:   logger.Named("grpcclient").With(zap.String("endpoint", string(endpoint))),
	}, conn, nil
}

type grpcPredictor struct {
	conn     grpc.ClientConnInterface
	endpoint normalizer.Endpoint
	timeout  time.Duration
	logger   *zap.Logger
}

func (g *grpcPredictor) Endpoint() normalizer.Endpoint { return g.endpoint }

func (g *grpcPredictor) Predict(ctx context.Context, userID string, img predictor.Image) (*normalizer.Response, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, "x-user-id", userID, "x-content-type", img.ContentType)

	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, PredictMethod, wrapperspb.Bytes(img.Data), out); err != nil {
		g.logger.Error("predictor call failed", zap.Error(err), zap.String("user_id", userID))
		return nil, &predictor.UpstreamError{Endpoint: g.endpoint, Err: err}
	}

	// proto maps are unordered; protojson emits Struct keys sorted, so scores
	// from this transport arrive in key order.
	body, err := protojson.Marshal(out)
	if err != nil {
		return nil, &predictor.UpstreamError{Endpoint: g.endpoint, Err: fmt.Errorf("encode struct: %w", err)}
	}

	parsed, err := normalizer.ParseResponse(g.endpoint, body)
	if err != nil {
		var malformed *normalizer.MalformedScoreError
		if errors.As(err, &malformed) {
			return nil, err
		}
		return nil, &predictor.UpstreamError{Endpoint: g.endpoint, Err: fmt.Errorf("decode struct: %w", err)}
	}
	return parsed, nil
}
