package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/metrics"
	"github.com/example/retina-check/internal/normalizer"
	"github.com/example/retina-check/internal/predictor"
	"github.com/example/retina-check/internal/repository"
	"github.com/example/retina-check/internal/retry"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// AnalysisRepository defines the persistence operations needed by the use case.
type AnalysisRepository interface {
	SaveAnalysis(ctx context.Context, record *repository.AnalysisRecord) error
	FindAnalysisByIDAndUser(ctx context.Context, id, userID string) (*repository.AnalysisRecord, error)
	ListAnalysesByUser(ctx context.Context, userID string, limit int) ([]*repository.AnalysisRecord, error)
	CountByRisk(ctx context.Context, userID string) ([]repository.RiskCount, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeID string) ([]*repository.AnalysisRecord, error)
}

// Params selects the prediction endpoint and threshold scheme for one analysis.
// Zero values mean the configured default endpoint and its paired scheme.
type Params struct {
	Endpoint normalizer.Endpoint
	Scheme   normalizer.Scheme
}

// AnalysisResult is what Analyze hands back. Saved is false when the outcome
// was computed but could not be persisted.
type AnalysisResult struct {
	Record  *repository.AnalysisRecord
	Outcome *normalizer.AnalysisOutcome
	Saved   bool
}

// DuplicateReport lists earlier analyses of the same image bytes.
type DuplicateReport struct {
	Analysis   *repository.AnalysisRecord
	Duplicates []*repository.AnalysisRecord
}

// AnalysisUseCase runs uploads through a prediction model and the normalizer,
// and serves the stored history.
type AnalysisUseCase struct {
	repo            AnalysisRepository
	cache           Cache
	predictors      predictor.Registry
	normalizer      *normalizer.Normalizer
	metrics         *metrics.Metrics
	logger          *zap.Logger
	retry           retry.Policy
	defaultEndpoint normalizer.Endpoint
	now             func() time.Time
	newID           func() string
}

// Option customizes an AnalysisUseCase.
type Option func(*AnalysisUseCase)

// WithDefaultEndpoint sets the endpoint used when a request names none.
func WithDefaultEndpoint(endpoint normalizer.Endpoint) Option {
	return func(uc *AnalysisUseCase) {
		if endpoint != "" {
			uc.defaultEndpoint = endpoint
		}
	}
}

// WithClock overrides the clock used for record creation times.
func WithClock(now func() time.Time) Option {
	return func(uc *AnalysisUseCase) { uc.now = now }
}

// WithIDGenerator overrides analysis id generation.
func WithIDGenerator(newID func() string) Option {
	return func(uc *AnalysisUseCase) { uc.newID = newID }
}

// NewAnalysisUseCase constructs a new use case instance. m may be nil.
func NewAnalysisUseCase(repo AnalysisRepository, cache Cache, predictors predictor.Registry, norm *normalizer.Normalizer, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *AnalysisUseCase {
	uc := &AnalysisUseCase{
		repo:            repo,
		cache:           cache,
		predictors:      predictors,
		normalizer:      norm,
		metrics:         m,
		logger:          logger.Named("analysis_usecase"),
		retry:           retry.DefaultPolicy(),
		defaultEndpoint: normalizer.EndpointA,
		now:             time.Now,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

type cachedAnalysis struct {
	ID               string                       `json:"id"`
	UserID           string                       `json:"user_id"`
	Endpoint         string                       `json:"endpoint"`
	Scheme           string                       `json:"scheme"`
	PredictedClass   string                       `json:"predicted_class,omitempty"`
	Confidence       *float64                     `json:"confidence,omitempty"`
	OverallRisk      string                       `json:"overall_risk"`
	Results          []normalizer.ConditionResult `json:"results"`
	DisplayTimestamp string                       `json:"display_timestamp"`
	ImageSHA256      string                       `json:"image_sha256"`
	CreatedAt        time.Time                    `json:"created_at"`
}

func newCachedAnalysis(r *repository.AnalysisRecord) cachedAnalysis {
	return cachedAnalysis{
		ID:               r.ID,
		UserID:           r.UserID,
		Endpoint:         r.Endpoint,
		Scheme:           r.Scheme,
		PredictedClass:   r.PredictedClass,
		Confidence:       r.Confidence,
		OverallRisk:      r.OverallRisk,
		Results:          r.Results,
		DisplayTimestamp: r.DisplayTimestamp,
		ImageSHA256:      r.ImageSHA256,
		CreatedAt:        r.CreatedAt,
	}
}

func (c cachedAnalysis) record() *repository.AnalysisRecord {
	return &repository.AnalysisRecord{
		ID:               c.ID,
		UserID:           c.UserID,
		Endpoint:         c.Endpoint,
		Scheme:           c.Scheme,
		PredictedClass:   c.PredictedClass,
		Confidence:       c.Confidence,
		OverallRisk:      c.OverallRisk,
		Results:          c.Results,
		DisplayTimestamp: c.DisplayTimestamp,
		ImageSHA256:      c.ImageSHA256,
		CreatedAt:        c.CreatedAt,
	}
}

// Analyze sends the image to the selected model, normalizes the answer and
// stores the outcome for the user.
func (uc *AnalysisUseCase) Analyze(ctx context.Context, userID string, img predictor.Image, params Params) (*AnalysisResult, error) {
	endpoint := uc.endpoint(params.Endpoint)
	client, err := uc.predictors.For(endpoint)
	if err != nil {
		return nil, err
	}

	id := uc.newID()
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze", id).With(zap.String("endpoint", string(endpoint)))

	cacheKey := analysisCacheKey(id)
	if err := retry.Do(ctx, uc.retry, uc.logger, "cache.set.processing", id, func() error {
		return uc.cache.Set(ctx, cacheKey, processingMarker, processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	started := time.Now()
	resp, err := client.Predict(ctx, userID, img)
	uc.metrics.ObserveUpstream(string(endpoint), time.Since(started))
	if err != nil {
		uc.metrics.RecordAnalysis(string(endpoint), "", resultLabel(err))
		wrapped := logging.NewOperationError("usecase.predict", id, err)
		opLogger.Error("prediction failed", zap.Error(wrapped))
		return nil, wrapped
	}

	scheme := params.Scheme
	if scheme == "" {
		scheme = endpoint.DefaultScheme()
	}
	outcome, err := uc.normalizer.BuildOutcome(resp.Input(scheme))
	if err != nil {
		uc.metrics.RecordAnalysis(string(endpoint), "", resultLabel(err))
		wrapped := logging.NewOperationError("usecase.normalize", id, err)
		opLogger.Warn("prediction could not be normalized", zap.Error(wrapped))
		return nil, wrapped
	}

	sum := sha256.Sum256(img.Data)
	record := &repository.AnalysisRecord{
		ID:               id,
		UserID:           userID,
		Endpoint:         string(endpoint),
		Scheme:           string(scheme),
		PredictedClass:   resp.PredictedClass,
		Confidence:       resp.Confidence,
		OverallRisk:      string(outcome.OverallRisk),
		Results:          outcome.Results,
		DisplayTimestamp: outcome.Timestamp,
		ImageSHA256:      hex.EncodeToString(sum[:]),
		CreatedAt:        uc.now().UTC(),
	}
	uc.metrics.RecordAnalysis(string(endpoint), record.OverallRisk, "ok")

	result := &AnalysisResult{Record: record, Outcome: outcome}
	if err := uc.repo.SaveAnalysis(ctx, record); err != nil {
		uc.metrics.RecordPersistFailure()
		opLogger.Error("failed to persist analysis", zap.Error(logging.NewOperationError("usecase.save_analysis", id, err)))
		return result, nil
	}
	result.Saved = true

	serialized, err := json.Marshal(newCachedAnalysis(record))
	if err != nil {
		opLogger.Error("failed to serialize analysis", zap.Error(err))
		return result, nil
	}
	if err := retry.Do(ctx, uc.retry, uc.logger, "cache.set.result", id, func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache analysis", zap.Error(err))
	}

	opLogger.Info("analysis completed", zap.String("overall_risk", record.OverallRisk), zap.Int("results", len(record.Results)))
	return result, nil
}

// Preview normalizes a raw upstream body without calling a model or storing
// anything.
func (uc *AnalysisUseCase) Preview(ctx context.Context, params Params, body []byte) (*normalizer.AnalysisOutcome, error) {
	endpoint := uc.endpoint(params.Endpoint)
	resp, err := normalizer.ParseResponse(endpoint, body)
	if err != nil {
		return nil, err
	}
	return uc.normalizer.BuildOutcome(resp.Input(params.Scheme))
}

// GetAnalysis returns one of the user's analyses, from cache when possible.
func (uc *AnalysisUseCase) GetAnalysis(ctx context.Context, userID, id string) (*repository.AnalysisRecord, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_analysis", id)

	var cached string
	err := retry.Do(ctx, uc.retry, uc.logger, "cache.get.result", id, func() error {
		value, err := uc.cache.Get(ctx, analysisCacheKey(id))
		cached = value
		return err
	})
	switch {
	case err == nil && cached != processingMarker:
		var payload cachedAnalysis
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached analysis", zap.Error(err))
		} else if payload.UserID == userID {
			return payload.record(), nil
		}
	case err != nil && !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindAnalysisByIDAndUser(ctx, id, userID)
}

// ListHistory returns the user's analyses newest first. limit is clamped to
// [1, MaxHistoryLimit]; zero or negative means DefaultHistoryLimit.
func (uc *AnalysisUseCase) ListHistory(ctx context.Context, userID string, limit int) ([]*repository.AnalysisRecord, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	records, err := uc.repo.ListAnalysesByUser(ctx, userID, limit)
	if err != nil {
		return nil, logging.NewOperationError("usecase.list_history", "", err)
	}
	return records, nil
}

// GetDuplicateReport finds earlier analyses of the same image bytes.
func (uc *AnalysisUseCase) GetDuplicateReport(ctx context.Context, userID, id string) (*DuplicateReport, error) {
	record, err := uc.repo.FindAnalysisByIDAndUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, userID, record.ImageSHA256, record.ID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Analysis:   record,
		Duplicates: duplicates,
	}, nil
}

func (uc *AnalysisUseCase) endpoint(requested normalizer.Endpoint) normalizer.Endpoint {
	if requested == "" {
		return uc.defaultEndpoint
	}
	return requested
}

func resultLabel(err error) string {
	var empty *normalizer.EmptyInputError
	var malformed *normalizer.MalformedScoreError
	switch {
	case errors.As(err, &empty):
		return "empty"
	case errors.As(err, &malformed):
		return "malformed"
	default:
		return "upstream_error"
	}
}
