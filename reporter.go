package apigateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultReporterBuffer = 1024

type metric struct {
	name  string
	value float64
	tags  map[string]string
}

type report struct {
	kind        string
	description string
	metadata    map[string]any
	metrics     []metric
}

// reporter delivers audit events and metrics off the request path. When the
// buffer is full the report is dropped rather than blocking a request.
type reporter struct {
	audit   AuditLogger
	metrics MetricsRecorder
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan report
	done    chan struct{}
	dropped atomic.Uint64
}

func newReporter(audit AuditLogger, metrics MetricsRecorder, buffer int, logger zerolog.Logger) *reporter {
	if buffer <= 0 {
		buffer = defaultReporterBuffer
	}
	r := &reporter{
		audit:   audit,
		metrics: metrics,
		logger:  logger,
		timeout: 5 * time.Second,
		queue:   make(chan report, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *reporter) enqueue(rep report) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rep:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn().Str("kind", rep.kind).Uint64("dropped_total", n).Msg("report buffer full, dropping report")
	}
}

func (r *reporter) run() {
	defer close(r.done)
	for rep := range r.queue {
		r.deliver(rep)
	}
}

func (r *reporter) deliver(rep report) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("kind", rep.kind).Msg("collaborator panicked while reporting")
		}
	}()

	if rep.kind != "" {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.audit.LogEvent(ctx, rep.kind, rep.description, rep.metadata)
		cancel()
		if err != nil {
			r.logger.Warn().Err(err).Str("kind", rep.kind).Msg("failed to log audit event")
		}
	}
	for _, m := range rep.metrics {
		if err := r.metrics.RecordMetric(m.name, m.value, m.tags); err != nil {
			r.logger.Warn().Err(err).Str("metric", m.name).Msg("failed to record metric")
		}
	}
}

// close stops intake and waits for queued reports to be delivered.
func (r *reporter) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *reporter) droppedReports() uint64 {
	return r.dropped.Load()
}
