package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"

	"github.com/courtdata/pipeline-cli/internal/db"
	"github.com/courtdata/pipeline-cli/internal/gate"
	"github.com/courtdata/pipeline-cli/internal/notify"
	"github.com/courtdata/pipeline-cli/internal/orchestrate"
	"github.com/courtdata/pipeline-cli/internal/phasedef"
	"github.com/courtdata/pipeline-cli/internal/predict"
	"github.com/courtdata/pipeline-cli/internal/resilience"
	"github.com/courtdata/pipeline-cli/internal/runner"
	"github.com/courtdata/pipeline-cli/internal/warehouse"
)

var (
	datasetPrefix string
	systemName    string
	storeDriver   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&datasetPrefix, "prefix", "", "dataset prefix for an isolated namespace (replay/testing)")
	rootCmd.PersistentFlags().StringVar(&systemName, "system", "baseline", "prediction system to use for the predict phase")
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", "", "state store driver override: postgres or sqlite (local replay)")
}

// pipelineEnv holds the wired components a command needs. Not every
// command opens every piece; the state store is attached lazily.
type pipelineEnv struct {
	pool     db.Pool
	wh       *warehouse.Warehouse
	registry *phasedef.Registry
	breaker  *resilience.EntityBreaker
	notifier *notify.Notifier
	runner   *runner.Runner
	store    orchestrate.StateStore
}

// initEnv connects the warehouse and wires the phase runner. The
// runner's completion events flow into emit, which may be nil for
// commands that do not dispatch.
func initEnv(ctx context.Context, emit runner.EmitFunc) (*pipelineEnv, error) {
	pool, err := warehouse.Connect(ctx, cfg.Warehouse)
	if err != nil {
		return nil, err
	}

	prefix := datasetPrefix
	if prefix == "" {
		prefix = cfg.Warehouse.DatasetPrefix
	}
	wh := warehouse.New(pool, prefix)

	registry, err := phasedef.Load()
	if err != nil {
		pool.Close()
		return nil, err
	}
	resolver, err := gate.NewResolver(wh, cfg.Gate)
	if err != nil {
		pool.Close()
		return nil, err
	}
	system, err := predict.Lookup(systemName)
	if err != nil {
		pool.Close()
		return nil, err
	}

	breaker := resilience.NewEntityBreaker(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		Cooldown:         cfg.Breaker.Cooldown,
	})
	notifier := notify.New(cfg.Notify)

	env := &pipelineEnv{
		pool:     pool,
		wh:       wh,
		registry: registry,
		breaker:  breaker,
		notifier: notifier,
	}
	env.runner = runner.New(wh, registry, resolver, breaker, notifier, system, cfg, emit)
	return env, nil
}

// openStore attaches the configured orchestration state store.
func (e *pipelineEnv) openStore(ctx context.Context) error {
	stateCfg := cfg.State
	if storeDriver != "" {
		stateCfg.Driver = storeDriver
	}
	store, err := orchestrate.Open(ctx, stateCfg)
	if err != nil {
		return eris.Wrap(err, "open state store")
	}
	e.store = store
	return nil
}

func (e *pipelineEnv) Close() {
	if e.store != nil {
		_ = e.store.Close()
	}
	e.pool.Close()
}

// printJSON writes the machine-readable summary commands emit on exit.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
