package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petrel-io/petrel/common/config"
	"github.com/petrel-io/petrel/common/db"
	"github.com/petrel-io/petrel/common/facts"
	"github.com/petrel-io/petrel/common/logger"
	"github.com/petrel-io/petrel/common/telemetry"
)

// Setup initializes all engine components
// This is the main entry point for both binaries
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Initialize fact store (if not skipped)
	if !options.skipFacts {
		switch {
		case options.customFacts != nil:
			components.Facts = options.customFacts
		case components.Config.Facts.Backend == "redis":
			components.Logger.Info("connecting to redis fact store",
				"addr", components.Config.Facts.RedisAddr,
			)
			rdb := redis.NewClient(&redis.Options{
				Addr:     components.Config.Facts.RedisAddr,
				Password: components.Config.Facts.RedisPassword,
				DB:       components.Config.Facts.RedisDB,
			})
			if err := rdb.Ping(ctx).Err(); err != nil {
				return nil, fmt.Errorf("failed to connect to redis fact store: %w", err)
			}
			components.Facts = facts.NewRedisStore(rdb, components.Logger)
		default:
			components.Facts = facts.NewMemoryStore()
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing fact store")
			return components.Facts.Close()
		})
	}

	// 4. Initialize telemetry database (if enabled and not skipped)
	if !options.skipDB && components.Config.Database.Enabled {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})

		// Run DB init hook if provided
		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	// 5. Initialize the instrumentation recorder
	switch {
	case options.customRecorder != nil:
		components.Recorder = options.customRecorder
	case components.DB != nil:
		components.Recorder = telemetry.NewPgRecorder(components.DB)
	default:
		components.Recorder = telemetry.NewMemoryRecorder()
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"facts", components.Facts != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
// Useful for binaries that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
