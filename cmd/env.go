package main

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/property-cli/internal/acquire"
	"github.com/sells-group/property-cli/internal/address"
	"github.com/sells-group/property-cli/internal/config"
	"github.com/sells-group/property-cli/internal/county"
	"github.com/sells-group/property-cli/internal/etl"
	"github.com/sells-group/property-cli/internal/ingest"
	"github.com/sells-group/property-cli/internal/model"
	"github.com/sells-group/property-cli/internal/notify"
	"github.com/sells-group/property-cli/internal/store"
	anthropicpkg "github.com/sells-group/property-cli/pkg/anthropic"
	"github.com/sells-group/property-cli/pkg/arcgis"
	"github.com/sells-group/property-cli/pkg/jina"
)

// appEnv holds the components the commands share. Fields a command does
// not need stay nil.
type appEnv struct {
	Store        store.Store
	Normalizer   address.Normalizer
	Orchestrator *ingest.Orchestrator
	Resolver     *county.Resolver
	ETL          *etl.Engine
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store, applies migrations and seeds the
// source catalog.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "property.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	if err := st.EnsureSources(ctx, model.DefaultSources()); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "seed sources")
	}
	return st, nil
}

// initEnv validates cfg for mode and builds the components that mode uses.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	if mode == "serve" || mode == "acquire" || mode == "county" {
		env.Normalizer, err = address.New(cfg.Normalizer)
		if err != nil {
			env.Close()
			return nil, err
		}
	}

	if mode == "serve" || mode == "acquire" {
		reg, err := initAcquirers(cfg.Acquire)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Orchestrator = ingest.New(st, env.Normalizer, reg, cfg.Acquire.Timeout())
	}

	if mode == "serve" || mode == "county" {
		env.Resolver, err = initResolver(cfg)
		if err != nil {
			env.Close()
			return nil, err
		}
	}

	if mode == "serve" || mode == "etl" {
		env.ETL = etl.New(st, notify.New(cfg.Notify.WebhookURL), cfg.ETL.BatchLimit)
	}

	return env, nil
}

func initAcquirers(ac config.AcquireConfig) (*acquire.Registry, error) {
	getter, err := acquire.NewHTTPClient(ac.Timeout(), ac.ProxyURL, ac.UserAgents)
	if err != nil {
		return nil, eris.Wrap(err, "init http getter")
	}
	browser := acquire.NewChromeBrowser(acquire.ChromeOptionsFromConfig(ac))
	reg := acquire.Build(ac, browser, getter)
	zap.L().Info("acquirers registered", zap.Strings("sources", reg.Names()))
	return reg, nil
}

// initResolver builds the county resolver: the parcel layer strategy first,
// then page extraction when both the Jina and Anthropic keys are set.
func initResolver(c *config.Config) (*county.Resolver, error) {
	registry, err := county.LoadRegistry(c.County)
	if err != nil {
		return nil, err
	}
	zap.L().Info("county registry loaded", zap.Int("counties", registry.Len()))

	var reader jina.Client
	var ai anthropicpkg.Client
	if c.Jina.Key != "" && c.Anthropic.Key != "" {
		jinaOpts := []jina.Option{jina.WithBaseURL(c.Jina.BaseURL)}
		if c.Jina.SearchBaseURL != "" {
			jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(c.Jina.SearchBaseURL))
		}
		reader = jina.NewClient(c.Jina.Key, jinaOpts...)
		ai = anthropicpkg.NewClient(c.Anthropic.Key, option.WithMaxRetries(2))
	} else {
		zap.L().Debug("jina or anthropic key not set, county page extraction disabled")
	}

	return county.NewResolver(
		c.County.Timeout(),
		county.NewArcGISStrategy(registry, arcgis.NewClient()),
		county.NewExtractionStrategy(registry, reader, ai, county.ExtractionConfig{
			Model:          c.Anthropic.Model,
			MaxTokens:      c.Anthropic.MaxTokens,
			SearchFallback: c.County.SearchFallback,
		}),
	), nil
}
