package usecase

import (
	"context"
	"time"

	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/normalizer"
)

// Summary represents a user's aggregated analysis history.
type Summary struct {
	TotalAnalyses  int64            `json:"total_analyses"`
	ByRisk         map[string]int64 `json:"by_risk"`
	HighRiskShare  float64          `json:"high_risk_share"`
	LastAnalysisAt *time.Time       `json:"last_analysis_at,omitempty"`
}

// GetSummary aggregates the user's analyses per overall risk tier.
func (uc *AnalysisUseCase) GetSummary(ctx context.Context, userID string) (*Summary, error) {
	rows, err := uc.repo.CountByRisk(ctx, userID)
	if err != nil {
		return nil, logging.NewOperationError("usecase.get_summary", "", err)
	}

	summary := &Summary{
		ByRisk: map[string]int64{
			string(normalizer.SeverityLow):    0,
			string(normalizer.SeverityMedium): 0,
			string(normalizer.SeverityHigh):   0,
		},
	}
	for _, row := range rows {
		summary.ByRisk[row.OverallRisk] += row.Count
		summary.TotalAnalyses += row.Count
	}

	if summary.TotalAnalyses > 0 {
		summary.HighRiskShare = float64(summary.ByRisk[string(normalizer.SeverityHigh)]) / float64(summary.TotalAnalyses)

		latest, err := uc.repo.ListAnalysesByUser(ctx, userID, 1)
		if err != nil {
			return nil, logging.NewOperationError("usecase.get_summary", "", err)
		}
		if len(latest) > 0 {
			at := latest[0].CreatedAt
			summary.LastAnalysisAt = &at
		}
	}

	return summary, nil
}
