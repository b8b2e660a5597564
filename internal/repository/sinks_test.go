package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"MarketPulse/internal/domain/models"
	"MarketPulse/pkg/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAssessment() *models.Assessment {
	return &models.Assessment{
		ID:         "a-1",
		AssessedAt: time.Date(2024, 5, 24, 12, 0, 0, 0, time.UTC),
		Snapshot:   models.Snapshot{Treasury2Y: 4.5, Treasury10Y: 4.0},
		Metrics: models.RiskMetrics{
			RiskScore:  34.2,
			RiskStatus: models.RiskOff,
			CurveShape: models.CurveInverted,
			Variant:    models.VariantCompact,
		},
	}
}

type publishCall struct {
	topic string
	key   string
	value interface{}
}

type fakePublisher struct {
	calls  []publishCall
	closed bool
}

func (p *fakePublisher) Publish(_ context.Context, topic string, key []byte, value interface{}) error {
	p.calls = append(p.calls, publishCall{topic, string(key), value})
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

func TestKafkaSinkRoutesByTopic(t *testing.T) {
	p := &fakePublisher{}
	s := NewKafkaSink(p, "risk.assessments", "risk.errors")

	require.NoError(t, s.PublishAssessment(context.Background(), sampleAssessment()))
	require.NoError(t, s.PublishError(context.Background(), models.ErrorRecord{ID: "e", Kind: "NetworkError"}))
	require.NoError(t, s.Close())

	require.Len(t, p.calls, 2)
	assert.Equal(t, "risk.assessments", p.calls[0].topic)
	assert.Equal(t, "RISK_OFF", p.calls[0].key)
	assert.Equal(t, "risk.errors", p.calls[1].topic)
	assert.Equal(t, "NetworkError", p.calls[1].key)
	assert.True(t, p.closed)
}

type execCall struct {
	query string
	args  []interface{}
}

type fakeDB struct {
	execs []execCall
	err   error
}

func (d *fakeDB) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	d.execs = append(d.execs, execCall{query, args})
	return nil, d.err
}

func (d *fakeDB) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func TestClickHouseSinkInserts(t *testing.T) {
	db := &fakeDB{}
	s := NewClickHouseSink(db, "risk_assessments", "error_records")

	a := sampleAssessment()
	require.NoError(t, s.PublishAssessment(context.Background(), a))
	require.NoError(t, s.PublishError(context.Background(), models.ErrorRecord{ID: "e", Kind: "APIError", Fatal: true}))

	require.Len(t, db.execs, 2)
	assert.True(t, strings.HasPrefix(db.execs[0].query, "INSERT INTO risk_assessments"))
	assert.Len(t, db.execs[0].args, 12)
	assert.Equal(t, "RISK_OFF", db.execs[0].args[3])

	decoded, err := decodeAssessment(db.execs[0].args[11].(string))
	require.NoError(t, err)
	assert.Equal(t, a.ID, decoded.ID)
	assert.Equal(t, a.Metrics.RiskScore, decoded.Metrics.RiskScore)

	assert.True(t, strings.HasPrefix(db.execs[1].query, "INSERT INTO error_records"))
	assert.Equal(t, true, db.execs[1].args[7])

	_, err = s.Recent(context.Background(), 5)
	assert.Error(t, err)
}

func TestClickHouseSinkWrapsExecErrors(t *testing.T) {
	db := &fakeDB{err: errors.New("table missing")}
	s := NewClickHouseSink(db, "a", "e")
	err := s.PublishAssessment(context.Background(), sampleAssessment())
	assert.ErrorIs(t, err, db.err)
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error { c.n++; return nil }

func TestClickHouseSinkClosesOwnedClient(t *testing.T) {
	require.NoError(t, NewClickHouseSink(&fakeDB{}, "a", "e").Close())

	cc := &closeCounter{}
	s := NewClickHouseSink(&fakeDB{}, "a", "e").WithCloser(cc)
	require.NoError(t, s.Close())
	assert.Equal(t, 1, cc.n)
}

func TestSchemaNamesTables(t *testing.T) {
	stmts := Schema("ra", "er")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE IF NOT EXISTS ra")
	assert.Contains(t, stmts[1], "CREATE TABLE IF NOT EXISTS er")
}

type memoryStore struct {
	values    map[string][]byte
	lists     map[string][]string
	published map[string][]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string][]byte{}, lists: map[string][]string{}, published: map[string][]string{}}
}

func (m *memoryStore) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	b, _ := json.Marshal(value)
	m.values[key] = b
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string, dest interface{}) error {
	b, ok := m.values[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(b, dest)
}

func (m *memoryStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *memoryStore) Publish(_ context.Context, channel string, value interface{}) error {
	b, _ := json.Marshal(value)
	m.published[channel] = append(m.published[channel], string(b))
	return nil
}

func (m *memoryStore) PushCapped(_ context.Context, key string, value interface{}, max int64) error {
	b, _ := json.Marshal(value)
	l := append([]string{string(b)}, m.lists[key]...)
	if int64(len(l)) > max {
		l = l[:max]
	}
	m.lists[key] = l
	return nil
}

func (m *memoryStore) Range(_ context.Context, key string, n int64) ([]string, error) {
	l := m.lists[key]
	if int64(len(l)) > n {
		l = l[:n]
	}
	return l, nil
}

func (m *memoryStore) Close() error { return nil }

func TestRedisSinkKeepsLatestAndCappedHistory(t *testing.T) {
	store := newMemoryStore()
	s := NewRedisSink(store, 2, time.Hour)
	ctx := context.Background()

	_, err := s.Latest(ctx)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	for _, id := range []string{"a", "b", "c"} {
		a := sampleAssessment()
		a.ID = id
		require.NoError(t, s.PublishAssessment(ctx, a))
	}
	require.NoError(t, s.PublishError(ctx, models.ErrorRecord{ID: "e1"}))

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", latest.ID)

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)

	assert.Len(t, store.published[assessmentChannel], 3)
	assert.Len(t, store.published[errorChannel], 1)
}
