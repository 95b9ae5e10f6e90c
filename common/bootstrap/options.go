package bootstrap

import (
	"github.com/petrel-io/petrel/common/config"
	"github.com/petrel-io/petrel/common/db"
	"github.com/petrel-io/petrel/common/facts"
	"github.com/petrel-io/petrel/common/logger"
	"github.com/petrel-io/petrel/common/telemetry"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipDB         bool
	skipFacts      bool
	customLogger   *logger.Logger
	customConfig   *config.Config
	customFacts    facts.Store
	customRecorder telemetry.Recorder
	dbInitHook     func(*db.DB) error
}

// WithoutDB skips telemetry database initialization; the recorder falls
// back to the in-memory implementation.
func WithoutDB() Option {
	return func(o *options) {
		o.skipDB = true
	}
}

// WithoutFacts skips fact-store initialization
func WithoutFacts() Option {
	return func(o *options) {
		o.skipFacts = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from file/env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithCustomFacts uses a pre-built fact store (tests, embedded runs)
func WithCustomFacts(store facts.Store) Option {
	return func(o *options) {
		o.customFacts = store
	}
}

// WithCustomRecorder uses a pre-built telemetry recorder
func WithCustomRecorder(rec telemetry.Recorder) Option {
	return func(o *options) {
		o.customRecorder = rec
	}
}

// WithDBInitHook runs a custom function after DB initialization
// Useful for running migrations, seeding data, etc.
func WithDBInitHook(hook func(*db.DB) error) Option {
	return func(o *options) {
		o.dbInitHook = hook
	}
}

func defaultOptions() *options {
	return &options{
		skipDB:    false,
		skipFacts: false,
	}
}
