package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/retina-check/internal/normalizer"
	"github.com/example/retina-check/internal/retry"
)

// ErrNotFound is returned when no row matches the lookup.
var ErrNotFound = errors.New("record not found")

// AnalysisRecord is a persisted analysis outcome owned by one user.
type AnalysisRecord struct {
	ID               string                       `gorm:"column:id;primaryKey;size:36"`
	UserID           string                       `gorm:"column:user_id;size:64;index:idx_analysis_user_created,priority:1"`
	Endpoint         string                       `gorm:"column:endpoint;size:8"`
	Scheme           string                       `gorm:"column:scheme;size:8"`
	PredictedClass   string                       `gorm:"column:predicted_class;size:128"`
	Confidence       *float64                     `gorm:"column:confidence"`
	OverallRisk      string                       `gorm:"column:overall_risk;size:16;index"`
	Results          []normalizer.ConditionResult `gorm:"column:results;type:text;serializer:json"`
	DisplayTimestamp string                       `gorm:"column:display_timestamp;size:64"`
	ImageSHA256      string                       `gorm:"column:image_sha256;size:64;index"`
	CreatedAt        time.Time                    `gorm:"column:created_at;index:idx_analysis_user_created,priority:2"`
}

// TableName overrides the default table name.
func (AnalysisRecord) TableName() string {
	return "analyses"
}

// Outcome rebuilds the display model stored with the record.
func (r *AnalysisRecord) Outcome() *normalizer.AnalysisOutcome {
	results := r.Results
	if results == nil {
		results = []normalizer.ConditionResult{}
	}
	return &normalizer.AnalysisOutcome{
		Results:     results,
		OverallRisk: normalizer.Severity(r.OverallRisk),
		Timestamp:   r.DisplayTimestamp,
	}
}

// RiskCount is one row of the per-risk aggregation.
type RiskCount struct {
	OverallRisk string
	Count       int64
}

// AnalysisRepository provides persistence APIs for analyses and accounts.
type AnalysisRepository struct {
	db          *gorm.DB
	logger      *zap.Logger
	retryPolicy retry.Policy
}

// NewAnalysisRepository creates a new repository instance.
func NewAnalysisRepository(db *gorm.DB, logger *zap.Logger) *AnalysisRepository {
	return &AnalysisRepository{
		db:          db,
		logger:      logger.Named("analysis_repository"),
		retryPolicy: retry.DefaultPolicy(),
	}
}

// AutoMigrate ensures the schema is available.
func (r *AnalysisRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AnalysisRecord{}, &UserAccount{})
}

// SaveAnalysis persists an analysis, retrying transient failures.
func (r *AnalysisRepository) SaveAnalysis(ctx context.Context, record *AnalysisRecord) error {
	return r.executeWithRetry(ctx, "repository.save_analysis", record.ID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindAnalysisByIDAndUser retrieves an analysis matching the id and owner.
func (r *AnalysisRepository) FindAnalysisByIDAndUser(ctx context.Context, id, userID string) (*AnalysisRecord, error) {
	var record AnalysisRecord
	err := r.db.WithContext(ctx).First(&record, "id = ? AND user_id = ?", id, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListAnalysesByUser returns the newest analyses first.
func (r *AnalysisRepository) ListAnalysesByUser(ctx context.Context, userID string, limit int) ([]*AnalysisRecord, error) {
	var records []*AnalysisRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CountByRisk aggregates a user's analyses per overall risk tier.
func (r *AnalysisRepository) CountByRisk(ctx context.Context, userID string) ([]RiskCount, error) {
	var rows []RiskCount
	err := r.db.WithContext(ctx).
		Model(&AnalysisRecord{}).
		Select("overall_risk, count(*) AS count").
		Where("user_id = ?", userID).
		Group("overall_risk").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// FindDuplicatesByHash returns the user's other analyses of the same image bytes.
func (r *AnalysisRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeID string) ([]*AnalysisRecord, error) {
	var records []*AnalysisRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND image_sha256 = ? AND id <> ?", userID, hash, excludeID).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *AnalysisRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.retryPolicy, r.logger, operation, requestID, fn)
}
