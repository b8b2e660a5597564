package repository

import (
	"context"
	"fmt"
	"time"

	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/domain/repository"
	"MarketPulse/pkg/cache"
)

const (
	latestKey         = "risk:latest"
	historyKey        = "risk:history"
	assessmentChannel = "risk.assessments"
	errorChannel      = "risk.errors"
)

// RedisSink keeps the latest assessment and a capped history list, and
// publishes every assessment and error record on pub/sub channels.
type RedisSink struct {
	store      cache.Store
	historyMax int64
	latestTTL  time.Duration
}

var (
	_ repository.AssessmentSink  = (*RedisSink)(nil)
	_ repository.AssessmentStore = (*RedisSink)(nil)
)

// NewRedisSink creates a Redis sink. historyMax <= 0 keeps 100 entries.
func NewRedisSink(store cache.Store, historyMax int64, latestTTL time.Duration) *RedisSink {
	if historyMax <= 0 {
		historyMax = 100
	}
	return &RedisSink{store: store, historyMax: historyMax, latestTTL: latestTTL}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) PublishAssessment(ctx context.Context, a *models.Assessment) error {
	if err := s.store.Set(ctx, latestKey, a, s.latestTTL); err != nil {
		return fmt.Errorf("set latest: %w", err)
	}
	if err := s.store.PushCapped(ctx, historyKey, a, s.historyMax); err != nil {
		return fmt.Errorf("push history: %w", err)
	}
	if err := s.store.Publish(ctx, assessmentChannel, a); err != nil {
		return fmt.Errorf("publish assessment: %w", err)
	}
	return nil
}

func (s *RedisSink) PublishError(ctx context.Context, rec models.ErrorRecord) error {
	return s.store.Publish(ctx, errorChannel, rec)
}

// Latest returns the most recently exported assessment.
func (s *RedisSink) Latest(ctx context.Context) (*models.Assessment, error) {
	var a models.Assessment
	if err := s.store.Get(ctx, latestKey, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Recent returns up to limit assessments, newest first.
func (s *RedisSink) Recent(ctx context.Context, limit int) ([]*models.Assessment, error) {
	if limit <= 0 {
		limit = 20
	}
	return cache.RangeTyped[*models.Assessment](ctx, s.store, historyKey, int64(limit))
}

func (s *RedisSink) Close() error {
	return s.store.Close()
}
