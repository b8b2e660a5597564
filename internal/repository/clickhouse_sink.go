package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/domain/repository"
)

// DB is the query surface of *sql.DB used by the ClickHouse sink.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// ClickHouseSink stores assessments and error records in MergeTree tables.
type ClickHouseSink struct {
	db          DB
	assessments string
	errors      string
	closer      io.Closer
}

var (
	_ repository.AssessmentSink  = (*ClickHouseSink)(nil)
	_ repository.AssessmentStore = (*ClickHouseSink)(nil)
)

// NewClickHouseSink creates a ClickHouse sink over existing tables.
func NewClickHouseSink(db DB, assessmentsTable, errorsTable string) *ClickHouseSink {
	return &ClickHouseSink{db: db, assessments: assessmentsTable, errors: errorsTable}
}

// Schema returns the DDL for the sink's tables.
func Schema(assessmentsTable, errorsTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id String,
	assessed_at DateTime64(3),
	risk_score Float64,
	risk_status LowCardinality(String),
	curve_shape LowCardinality(String),
	volatility LowCardinality(String),
	trend LowCardinality(String),
	variant LowCardinality(String),
	yield_curve_slope Float64,
	real_rates_avg Float64,
	live Bool,
	payload String
) ENGINE = MergeTree ORDER BY assessed_at TTL toDateTime(assessed_at) + INTERVAL 90 DAY`, assessmentsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id String,
	ts DateTime64(3),
	kind LowCardinality(String),
	reason LowCardinality(String),
	provider LowCardinality(String),
	context String,
	message String,
	fatal Bool
) ENGINE = MergeTree ORDER BY ts TTL toDateTime(ts) + INTERVAL 30 DAY`, errorsTable),
	}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) PublishAssessment(ctx context.Context, a *models.Assessment) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, assessed_at, risk_score, risk_status, curve_shape, volatility, trend, variant, yield_curve_slope, real_rates_avg, live, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.assessments)
	m := a.Metrics
	_, err = s.db.ExecContext(ctx, q,
		a.ID,
		a.AssessedAt,
		m.RiskScore,
		string(m.RiskStatus),
		string(m.CurveShape),
		string(m.VolatilityStatus),
		string(m.MarketTrend),
		string(m.Variant),
		m.YieldCurveSlope,
		m.RealRatesAverage,
		a.Live,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) PublishError(ctx context.Context, rec models.ErrorRecord) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, ts, kind, reason, provider, context, message, fatal) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.errors)
	_, err := s.db.ExecContext(ctx, q,
		rec.ID,
		rec.Timestamp,
		rec.Kind,
		rec.Reason,
		rec.Provider,
		rec.Context,
		rec.Message,
		rec.Fatal,
	)
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// Recent returns up to limit stored assessments, newest first.
func (s *ClickHouseSink) Recent(ctx context.Context, limit int) ([]*models.Assessment, error) {
	if limit <= 0 {
		limit = 20
	}
	q := fmt.Sprintf("SELECT payload FROM %s ORDER BY assessed_at DESC LIMIT ?", s.assessments)
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	defer rows.Close()

	var out []*models.Assessment
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		a, err := decodeAssessment(payload)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func decodeAssessment(payload string) (*models.Assessment, error) {
	var a models.Assessment
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// WithCloser hands ownership of the underlying client to the sink.
func (s *ClickHouseSink) WithCloser(c io.Closer) *ClickHouseSink {
	s.closer = c
	return s
}

// Close releases the client passed to WithCloser, if any.
func (s *ClickHouseSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
