package saga

import (
	"go.uber.org/zap"

	"github.com/roach88/sagastore/internal/cache"
)

// Config holds the protocol switches shared by Resolver, IndexWriter and
// Persister.
type Config struct {
	// CompatibilityMode resolves through the secondary index and the scan
	// fallback instead of deriving identifiers.
	CompatibilityMode bool `yaml:"compatibility_mode" json:"compatibility_mode"`

	// AssumeSecondaryIndicesExist treats an index miss as not found and
	// never scans.
	AssumeSecondaryIndicesExist bool `yaml:"assume_secondary_indices_exist" json:"assume_secondary_indices_exist"`

	// LegacyRowKey builds index keys whose row mirrors the partition.
	LegacyRowKey bool `yaml:"legacy_row_key" json:"legacy_row_key"`

	// MaterializeIndexOnScan writes an index entry for a single scan match.
	MaterializeIndexOnScan bool `yaml:"materialize_index_on_scan" json:"materialize_index_on_scan"`

	// CacheSize bounds the lookup cache. Zero means cache.DefaultCapacity.
	CacheSize int `yaml:"cache_size" json:"cache_size"`

	// ScanPageSize bounds each page of the scan fallback. Zero means the
	// table store default.
	ScanPageSize int `yaml:"scan_page_size" json:"scan_page_size"`
}

// DefaultConfig returns the deterministic-mode configuration.
func DefaultConfig() Config {
	return Config{CacheSize: cache.DefaultCapacity}
}

// Option configures collaborators of Resolver, IndexWriter and Persister.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *Metrics
	cache   *cache.Cache
}

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Nil disables metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithCache shares an existing lookup cache.
func WithCache(c *cache.Cache) Option {
	return func(o *options) {
		o.cache = c
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
