package saga

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Resolution sources reported by Metrics.
const (
	SourceDeterministic = "deterministic"
	SourceCache         = "cache"
	SourceIndex         = "index"
	SourceScan          = "scan"
	SourceNotFound      = "not_found"
	SourceDuplicate     = "duplicate"
)

// Index write outcomes reported by Metrics.
const (
	OutcomeCreated     = "created"
	OutcomeRetryNeeded = "retry_needed"
	OutcomeRecovered   = "recovered"
	OutcomeFailed      = "failed"
)

// Metrics counts resolver and index writer activity. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Resolutions    *prometheus.CounterVec
	IndexWrites    *prometheus.CounterVec
	ScanMatches    prometheus.Counter
	CacheEvictions prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// skips registration. Collectors already registered by an earlier call on
// the same registry are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sagastore",
			Name:      "resolutions_total",
			Help:      "Identity resolutions by source.",
		}, []string{"source"}),
		IndexWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sagastore",
			Name:      "index_writes_total",
			Help:      "Index write protocol outcomes.",
		}, []string{"outcome"}),
		ScanMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sagastore",
			Name:      "scan_matches_total",
			Help:      "Rows matched by the full-table scan fallback.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sagastore",
			Name:      "cache_evictions_total",
			Help:      "Lookup cache entries evicted for capacity.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var errs error
	m.Resolutions = register(reg, m.Resolutions, &errs)
	m.IndexWrites = register(reg, m.IndexWrites, &errs)
	m.ScanMatches = register(reg, m.ScanMatches, &errs)
	m.CacheEvictions = register(reg, m.CacheEvictions, &errs)
	if errs != nil {
		return nil, errs
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errs *error) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	multierr.AppendInto(errs, err)
	return c
}

func (m *Metrics) resolved(source string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(source).Inc()
}

func (m *Metrics) indexWrite(outcome string) {
	if m == nil {
		return
	}
	m.IndexWrites.WithLabelValues(outcome).Inc()
}

func (m *Metrics) scanned(matches int) {
	if m == nil {
		return
	}
	m.ScanMatches.Add(float64(matches))
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.CacheEvictions.Inc()
}
