package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestPublishEncodesValues(t *testing.T) {
	w := &captureWriter{}
	reg := prometheus.NewRegistry()
	p := NewProducerWithWriter(w, WithRegisterer(reg))

	require.NoError(t, p.Publish(context.Background(), "risk", []byte("k"), map[string]float64{"score": 42}))
	require.NoError(t, p.PublishBatch(context.Background(), "risk", []Message{{Value: "raw"}, {Value: []byte("bytes")}}))

	require.Len(t, w.msgs, 3)
	assert.Equal(t, "risk", w.msgs[0].Topic)
	assert.JSONEq(t, `{"score":42}`, string(w.msgs[0].Value))
	assert.Equal(t, "raw", string(w.msgs[1].Value))
	assert.Equal(t, "bytes", string(w.msgs[2].Value))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.metrics.msgs.WithLabelValues("risk", "gzip", "ok")))
}

func TestPublishFailureIsCounted(t *testing.T) {
	w := &captureWriter{err: errors.New("leader not available")}
	reg := prometheus.NewRegistry()
	p := NewProducerWithWriter(w, WithRegisterer(reg))

	err := p.Publish(context.Background(), "errors", nil, "x")
	assert.ErrorIs(t, err, w.err)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.errs.WithLabelValues("errors")))
}

func TestMetricsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewProducerWithWriter(&captureWriter{}, WithRegisterer(reg))
	b := NewProducerWithWriter(&captureWriter{}, WithRegisterer(reg))
	assert.Same(t, a.metrics.msgs, b.metrics.msgs)
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer()
	assert.Error(t, err)
}
