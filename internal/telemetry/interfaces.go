package telemetry

import (
	"log"

	"avatar-mixer/server/logging"
)

// Logger is the plain-text operator log used by the mixer components.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapLogger adapts a standard library logger to the Logger interface. A nil
// logger discards everything.
func WrapLogger(logger *log.Logger) Logger {
	return &loggerAdapter{logger: logger}
}

type loggerAdapter struct {
	logger *log.Logger
}

func (l *loggerAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

// StandardLogger exposes the wrapped logger so the router can reuse it as
// its fallback.
func (l *loggerAdapter) StandardLogger() *log.Logger {
	if l == nil {
		return nil
	}
	return l.logger
}

// Metrics receives counters and gauges from the mixer.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// WrapMetrics adapts logging.Metrics into the Metrics interface.
func WrapMetrics(metrics *logging.Metrics) Metrics {
	return &metricsAdapter{metrics: metrics}
}

type metricsAdapter struct {
	metrics *logging.Metrics
}

func (m *metricsAdapter) Add(key string, delta uint64) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.TelemetryAdd(key, delta)
}

func (m *metricsAdapter) Store(key string, value uint64) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.TelemetryStore(key, value)
}

// Prefixed returns a Metrics that prepends prefix to every key.
func Prefixed(metrics Metrics, prefix string) Metrics {
	if metrics == nil {
		return nil
	}
	return &prefixedMetrics{next: metrics, prefix: prefix}
}

type prefixedMetrics struct {
	next   Metrics
	prefix string
}

func (p *prefixedMetrics) Add(key string, delta uint64) {
	p.next.Add(p.prefix+key, delta)
}

func (p *prefixedMetrics) Store(key string, value uint64) {
	p.next.Store(p.prefix+key, value)
}

// AddAll adds every non-zero value in counters to metrics.
func AddAll(metrics Metrics, counters map[string]uint64) {
	if metrics == nil {
		return
	}
	for key, value := range counters {
		if value == 0 {
			continue
		}
		metrics.Add(key, value)
	}
}
