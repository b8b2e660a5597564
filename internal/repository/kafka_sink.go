package repository

import (
	"context"

	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/domain/repository"
)

// Publisher is the producer surface the Kafka sink needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	Close() error
}

// KafkaSink publishes assessments and error records as JSON messages.
type KafkaSink struct {
	producer         Publisher
	assessmentsTopic string
	errorsTopic      string
}

var _ repository.AssessmentSink = (*KafkaSink)(nil)

// NewKafkaSink creates a Kafka sink.
func NewKafkaSink(producer Publisher, assessmentsTopic, errorsTopic string) *KafkaSink {
	return &KafkaSink{producer: producer, assessmentsTopic: assessmentsTopic, errorsTopic: errorsTopic}
}

func (s *KafkaSink) Name() string { return "kafka" }

// PublishAssessment keys messages by risk status.
func (s *KafkaSink) PublishAssessment(ctx context.Context, a *models.Assessment) error {
	return s.producer.Publish(ctx, s.assessmentsTopic, []byte(a.Metrics.RiskStatus), a)
}

// PublishError keys messages by error kind.
func (s *KafkaSink) PublishError(ctx context.Context, rec models.ErrorRecord) error {
	return s.producer.Publish(ctx, s.errorsTopic, []byte(rec.Kind), rec)
}

func (s *KafkaSink) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
