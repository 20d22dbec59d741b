package restclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/normalizer"
	"github.com/example/retina-check/internal/predictor"
)

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 1 << 20

// Config configures an HTTP prediction client.
type Config struct {
	Endpoint  normalizer.Endpoint
	URL       string
	Timeout   time.Duration
	RateLimit float64 // requests per second; zero disables limiting
}

// Client posts images to a prediction model over HTTP as multipart form data
// (field "file") and decodes the endpoint-specific JSON body.
type Client struct {
	endpoint   normalizer.Endpoint
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// New builds a client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		url:        cfg.URL,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger.Named("restclient").With(zap.String("endpoint", string(cfg.Endpoint))),
	}
}

// Endpoint reports which upstream model this client calls.
func (c *Client) Endpoint() normalizer.Endpoint { return c.endpoint }

// Predict uploads the image and parses the model's answer.
func (c *Client) Predict(ctx context.Context, userID string, img predictor.Image) (*normalizer.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &predictor.UpstreamError{Endpoint: c.endpoint, Err: logging.NewOperationError("restclient.rate_limit", "", err)}
	}

	body, contentType, err := encodeImage(img)
	if err != nil {
		return nil, logging.NewOperationError("restclient.encode_image", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, logging.NewOperationError("restclient.build_request", "", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("prediction request failed", zap.Error(err), zap.String("user_id", userID))
		return nil, &predictor.UpstreamError{Endpoint: c.endpoint, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &predictor.UpstreamError{Endpoint: c.endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("prediction endpoint returned error status",
			zap.Int("status", resp.StatusCode), zap.ByteString("body", truncate(payload, 256)))
		return nil, &predictor.UpstreamError{
			Endpoint:   c.endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	parsed, err := normalizer.ParseResponse(c.endpoint, payload)
	if err != nil {
		var malformed *normalizer.MalformedScoreError
		if errors.As(err, &malformed) {
			return nil, err
		}
		return nil, &predictor.UpstreamError{Endpoint: c.endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	return parsed, nil
}

func encodeImage(img predictor.Image) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	filename := img.Filename
	if filename == "" {
		filename = "retina"
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf, writer.FormDataContentType(), nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
