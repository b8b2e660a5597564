package errorbus

import (
	"fmt"
	"sync"
	"time"

	"MarketPulse/internal/domain/errs"
	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/domain/repository"
	applogger "MarketPulse/pkg/logger"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of records kept before the oldest is dropped.
const DefaultCapacity = 100

// Listener receives every record appended to the bus.
type Listener func(models.ErrorRecord)

// Bus is a bounded error log with fan-out to listeners.
type Bus struct {
	mu        sync.RWMutex
	records   []models.ErrorRecord
	head      int
	size      int
	listeners map[uint64]Listener
	nextID    uint64

	now     func() time.Time
	logger  *applogger.Logger
	metrics repository.Metrics
}

// Option configures Bus.
type Option func(*Bus)

// WithCapacity sets ring buffer capacity.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.records = make([]models.ErrorRecord, n)
		}
	}
}

// WithLogger sets logger.
func WithLogger(l *applogger.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics sets metrics recorder.
func WithMetrics(m repository.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithClock overrides time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates an error bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		records:   make([]models.ErrorRecord, DefaultCapacity),
		listeners: make(map[uint64]Listener),
		now:       time.Now,
		logger:    applogger.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Record classifies err and appends it under the given context label.
func (b *Bus) Record(label string, err error) models.ErrorRecord {
	return b.Append(newRecord(label, err, false))
}

// RecordFatal appends a record marking a terminal condition.
func (b *Bus) RecordFatal(label string, err error) models.ErrorRecord {
	return b.Append(newRecord(label, err, true))
}

func newRecord(label string, err error, fatal bool) models.ErrorRecord {
	rec := models.ErrorRecord{Context: label, Fatal: fatal}
	if ce := errs.Classify("", err); ce != nil {
		rec.Message = ce.Error()
		rec.Kind = string(ce.Kind)
		rec.Reason = string(ce.Reason)
		rec.Provider = ce.Provider
	}
	return rec
}

// Append stamps rec, stores it and notifies listeners.
func (b *Bus) Append(rec models.ErrorRecord) models.ErrorRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = b.now()
	}

	b.mu.Lock()
	capacity := len(b.records)
	idx := (b.head + b.size) % capacity
	b.records[idx] = rec
	if b.size < capacity {
		b.size++
	} else {
		b.head = (b.head + 1) % capacity
	}
	ls := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordError(rec.Kind)
	}
	fields := []applogger.Field{
		applogger.String("context", rec.Context),
		applogger.String("kind", rec.Kind),
		applogger.String("message", rec.Message),
	}
	if rec.Fatal {
		b.logger.Error("errorbus.fatal", fields...)
	} else {
		b.logger.Warn("errorbus.record", fields...)
	}

	for _, l := range ls {
		b.notify(l, rec)
	}
	return rec
}

func (b *Bus) notify(l Listener, rec models.ErrorRecord) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("errorbus.listener_panic", applogger.Error(fmt.Errorf("%v", r)))
		}
	}()
	l(rec)
}

// AddListener subscribes l and returns a function that removes it.
func (b *Bus) AddListener(l Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Errors returns stored records, oldest first.
func (b *Bus) Errors() []models.ErrorRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.ErrorRecord, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.records[(b.head+i)%len(b.records)])
	}
	return out
}

// Clear drops every stored record. Listeners stay subscribed.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.head, b.size = 0, 0
	for i := range b.records {
		b.records[i] = models.ErrorRecord{}
	}
	b.mu.Unlock()
}

// Len returns the number of stored records.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// FatalCount returns how many stored records are fatal.
func (b *Bus) FatalCount() int {
	n := 0
	for _, r := range b.Errors() {
		if r.Fatal {
			n++
		}
	}
	return n
}
