package repository

import (
	"context"

	"MarketPulse/internal/domain/models"
)

// AssessmentSink exports risk assessments and error records to an external backend.
type AssessmentSink interface {
	Name() string
	PublishAssessment(ctx context.Context, a *models.Assessment) error
	PublishError(ctx context.Context, rec models.ErrorRecord) error
	Close() error
}

// AssessmentStore reads back persisted assessments.
type AssessmentStore interface {
	Recent(ctx context.Context, limit int) ([]*models.Assessment, error)
}

type Metrics interface {
	RecordFetch(provider, source string)
	RecordError(kind string)
	RecordRiskScore(score float64, status string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
	RecordChannelState(state string)
}
