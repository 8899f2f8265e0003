// Package config loads sagastore configuration from YAML or CUE files.
//
// Both formats share one layout:
//
//	store:
//	  backend: sqlite        # or bolt, badger
//	  path: ./sagas.db
//	saga:
//	  compatibility_mode: true
//	  cache_size: 1000
//	log:
//	  level: info
//
// Missing fields keep their defaults. Unknown fields are rejected.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sagastore/internal/saga"
	"github.com/roach88/sagastore/internal/tablestore"
)

//go:embed schema.cue
var schemaCUE string

// DefaultPath is the database file used when none is configured.
const DefaultPath = "sagastore.db"

// Config is the complete runtime configuration.
type Config struct {
	Store StoreConfig `yaml:"store" json:"store"`
	Saga  saga.Config `yaml:"saga" json:"saga"`
	Log   LogConfig   `yaml:"log" json:"log"`
}

// StoreConfig selects the table store backend.
type StoreConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Default returns the configuration used without a config file.
func Default() Config {
	return Config{
		Store: StoreConfig{Backend: tablestore.BackendSQLite, Path: DefaultPath},
		Saga:  saga.DefaultConfig(),
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .yaml/.yml or .cue.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = decodeYAML(data, &cfg)
	case ".cue":
		err = decodeCUE(path, data, &cfg)
	default:
		return Config{}, fmt.Errorf("unsupported config format %q (want .yaml, .yml or .cue)", ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// decodeCUE checks the file against the embedded schema before decoding,
// so constraint violations report CUE positions.
func decodeCUE(path string, data []byte, cfg *Config) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return fmt.Errorf("failed to parse CUE: %w", err)
	}

	v = schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	if err := v.Decode(cfg); err != nil {
		return fmt.Errorf("decode CUE: %w", err)
	}
	return nil
}

// Validate checks field values. Load calls it; callers that build a Config
// by hand should too.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case tablestore.BackendSQLite, tablestore.BackendBolt, tablestore.BackendBadger:
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if c.Saga.CacheSize < 0 {
		return fmt.Errorf("saga.cache_size must not be negative, got %d", c.Saga.CacheSize)
	}
	if c.Saga.ScanPageSize < 0 {
		return fmt.Errorf("saga.scan_page_size must not be negative, got %d", c.Saga.ScanPageSize)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses Log.Level.
func (c Config) LogLevel() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
