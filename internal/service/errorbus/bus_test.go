package errorbus

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"MarketPulse/internal/domain/errs"
	"MarketPulse/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusRingDropsOldest(t *testing.T) {
	b := New(WithCapacity(3))
	for i := 0; i < 5; i++ {
		b.Record(fmt.Sprintf("ctx-%d", i), errors.New("boom"))
	}

	got := b.Errors()
	require.Len(t, got, 3)
	assert.Equal(t, "ctx-2", got[0].Context)
	assert.Equal(t, "ctx-4", got[2].Context)
}

func TestBusDefaultCapacity(t *testing.T) {
	b := New()
	for i := 0; i < DefaultCapacity+25; i++ {
		b.Record("fetch", errors.New("x"))
	}
	assert.Equal(t, DefaultCapacity, b.Len())
}

func TestBusRecordClassifies(t *testing.T) {
	b := New()
	rec := b.Record("fred:DGS10", errs.InvalidKey("fred", "api_key rejected"))

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
	assert.Equal(t, string(errs.KindAPI), rec.Kind)
	assert.Equal(t, string(errs.ReasonInvalidKey), rec.Reason)
	assert.Equal(t, "fred", rec.Provider)
	assert.False(t, rec.Fatal)
}

func TestBusListenersAndUnsubscribe(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var seen []string

	unsub := b.AddListener(func(r models.ErrorRecord) {
		mu.Lock()
		seen = append(seen, r.Context)
		mu.Unlock()
	})
	b.Record("a", errors.New("1"))
	unsub()
	unsub()
	b.Record("b", errors.New("2"))

	assert.Equal(t, []string{"a"}, seen)
}

func TestBusListenerPanicIsolated(t *testing.T) {
	b := New()
	called := false
	b.AddListener(func(models.ErrorRecord) { panic("listener failure") })
	b.AddListener(func(models.ErrorRecord) { called = true })

	assert.NotPanics(t, func() { b.Record("x", errors.New("y")) })
	assert.True(t, called)
}

func TestBusClearAndFatal(t *testing.T) {
	b := New()
	b.Record("a", errors.New("1"))
	b.RecordFatal("channel", errs.New(errs.KindWebSocket, "", "gave up"))
	assert.Equal(t, 1, b.FatalCount())

	b.Clear()
	assert.Empty(t, b.Errors())
	assert.Equal(t, 0, b.FatalCount())
}
