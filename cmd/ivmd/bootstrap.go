package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ivmcore/ivmcore/internal/ivm/config"
	"github.com/ivmcore/ivmcore/internal/ivm/schema"
	"github.com/ivmcore/ivmcore/internal/ivm/session"
	"github.com/ivmcore/ivmcore/internal/storage"
	"github.com/ivmcore/ivmcore/internal/storage/sqlite"
)

// engine bundles everything a subcommand needs after bootstrapping: the
// live Session, the schema metadata (for parseFields' parent-ref lookup),
// and the open store (the caller must Close it).
type engine struct {
	session           *session.Session
	store             storage.Store
	schema            schema.Metadata
	config            config.Config
	shutdownTelemetry func(context.Context) error
}

// close releases everything openEngine acquired, in reverse order.
func (e *engine) close() {
	_ = e.shutdownTelemetry(context.Background())
	_ = e.store.Close()
}

// resolveConfig loads config.Config and applies this invocation's
// --db/--schema flag overrides (flags beat file/env, matching the
// teacher's "flags > viper > defaults" priority documented in
// cmd/bd/main.go's PersistentPreRun). If --config was never given (no
// viper singleton to speak of in a one-shot CLI invocation), it falls
// back to a direct YAML read of ./ivmd.yaml in the current directory,
// mirroring the teacher's LoadLocalConfig escape hatch.
func resolveConfig() (config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return config.Config{}, err
	}
	if configFlag == "" {
		fallback := config.LoadYAMLFallback("ivmd.yaml")
		if fallback.DBPath != "" {
			cfg.DBPath = fallback.DBPath
		}
		if fallback.SchemaPath != "" {
			cfg.SchemaPath = fallback.SchemaPath
		}
	}
	if dbPathFlag != "" {
		cfg.DBPath = dbPathFlag
	}
	if schemaPathFlag != "" {
		cfg.SchemaPath = schemaPathFlag
	}
	return cfg, nil
}

// openEngine wires config, schema, storage and the Session together: the
// one bootstrap path every subcommand shares.
func openEngine(log *slog.Logger) (*engine, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, err
	}

	meta, err := config.LoadSchema(cfg.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("ivmd: loading schema: %w", err)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("ivmd: opening database: %w", err)
	}

	sess := session.New(meta, store, cfg.ViewTTL, cfg.PersistTimeout, log)
	if _, err := sess.Restore(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ivmd: restoring session state: %w", err)
	}

	shutdownTelemetry, err := setupTelemetry(traceFlag)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ivmd: starting telemetry: %w", err)
	}

	return &engine{session: sess, store: store, schema: meta, config: cfg, shutdownTelemetry: shutdownTelemetry}, nil
}
