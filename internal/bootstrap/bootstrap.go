// Package bootstrap wires the analysis service from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	coreanalysis "github.com/park285/chess-hubble/internal/analysis"
	"github.com/park285/chess-hubble/internal/archive"
	"github.com/park285/chess-hubble/internal/cache"
	"github.com/park285/chess-hubble/internal/chess/openingbook"
	"github.com/park285/chess-hubble/internal/chess/uci"
	"github.com/park285/chess-hubble/internal/config"
	svcanalysis "github.com/park285/chess-hubble/internal/service/analysis"
	"github.com/park285/chess-hubble/internal/store"
	"github.com/park285/chess-hubble/internal/store/badgerstore"
	"github.com/park285/chess-hubble/internal/store/memory"
	"github.com/park285/chess-hubble/internal/store/postgres"
)

const connectTimeout = 5 * time.Second

type Deps struct {
	Service  *svcanalysis.Service
	Analyser *coreanalysis.Analyser
	Store    store.Store
	Cache    *cache.Cache
	Workers  int

	closers []func() error
}

// Close releases everything New opened, in reverse order.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Deps{Workers: cfg.AnalysisWorkers}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	policy, err := coreanalysis.LoadPolicy(cfg.AnalysisPolicyPath)
	if err != nil {
		return nil, err
	}

	provider, err := newProvider(cfg, policy, d)
	if err != nil {
		return nil, err
	}

	var replayOpts []coreanalysis.ReplayOption
	if cfg.PolyglotBookPath != "" {
		book, err := openingbook.LoadBookFile(cfg.PolyglotBookPath)
		if err != nil {
			return nil, fmt.Errorf("load opening book: %w", err)
		}
		replayOpts = append(replayOpts, coreanalysis.WithBook(book))
	}
	d.Analyser = coreanalysis.NewAnalyser(provider, policy, replayOpts...)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.Store = st
	d.closers = append(d.closers, st.Close)

	catalogue, err := loadCatalogue(ctx, cfg.OpeningCatalogPath, st, logger)
	if err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		c, err := cache.Dial(cctx, cfg.RedisURL, cfg.AnalysisCacheTTL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("init cache: %w", err)
		}
		d.Cache = c
		d.closers = append(d.closers, c.Close)
	}

	deps := svcanalysis.Deps{
		Analyser:  d.Analyser,
		Games:     st,
		Openings:  st,
		Catalogue: catalogue,
		Archive:   archive.NewClient(cfg.ArchiveBaseURL, archive.WithToken(cfg.ArchiveToken)),
	}
	if d.Cache != nil {
		deps.Cache = d.Cache
	}
	svc, err := svcanalysis.NewService(deps, svcanalysis.Config{MinOpeningMatch: cfg.OpeningMinMatch}, logger)
	if err != nil {
		return nil, err
	}
	d.Service = svc

	logger.Info("bootstrap_ready",
		zap.String("store", cfg.StoreBackend()),
		zap.Bool("cache", d.Cache != nil),
		zap.Bool("queued", cfg.EngineQueued),
		zap.Int("openings", catalogueLen(catalogue)),
	)
	ok = true
	return d, nil
}

func newProvider(cfg *config.AppConfig, policy coreanalysis.Policy, d *Deps) (coreanalysis.SessionProvider, error) {
	limits := policy.Limits(uci.Limits{
		Depth:   cfg.EngineDepth,
		Nodes:   cfg.EngineNodes,
		Timeout: cfg.EngineTimeout,
	})
	opt := uci.Options{Threads: cfg.EngineThreads, HashMB: cfg.EngineHashMB}

	if cfg.EngineQueued {
		if _, err := os.Stat(cfg.StockfishPath); err != nil {
			return nil, fmt.Errorf("init engine queue: engine binary check: %w", err)
		}
		return coreanalysis.FromQueue(coreanalysis.NewQueueOpener(uci.BinaryFactory(cfg.StockfishPath, limits), opt)), nil
	}

	pool, err := uci.NewPool(uci.PoolConfig{
		BinaryPath:        cfg.StockfishPath,
		Limits:            limits,
		PerOptionCapacity: cfg.EnginePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init engine pool: %w", err)
	}
	d.closers = append(d.closers, pool.Close)
	return coreanalysis.FromPool(pool, opt), nil
}

func openStore(ctx context.Context, cfg *config.AppConfig) (store.Store, error) {
	switch cfg.StoreBackend() {
	case "postgres":
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		st, err := postgres.Open(cctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	case "badger":
		st, err := badgerstore.Open(cfg.BadgerDir)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		return st, nil
	default:
		return memory.New(), nil
	}
}

// loadCatalogue prefers the stored openings. A catalogue file seeds an empty
// store; without either there is no catalogue.
func loadCatalogue(ctx context.Context, path string, repo store.OpeningRepository, logger *zap.Logger) (*openingbook.Catalogue, error) {
	stored, err := repo.AllOpenings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stored openings: %w", err)
	}
	if len(stored) > 0 {
		return openingbook.NewCatalogue(stored), nil
	}
	if path == "" {
		logger.Warn("opening_catalogue_missing")
		return nil, nil
	}

	openings, err := openingbook.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := repo.InsertOpenings(ctx, openings); err != nil {
		return nil, fmt.Errorf("seed openings: %w", err)
	}
	// Reload so the catalogue matches what the store holds.
	seeded, err := repo.AllOpenings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stored openings: %w", err)
	}
	if len(seeded) == 0 {
		seeded = openings
	}
	logger.Info("opening_catalogue_seeded", zap.String("path", path), zap.Int("count", len(seeded)))
	return openingbook.NewCatalogue(seeded), nil
}

func catalogueLen(c *openingbook.Catalogue) int {
	if c == nil {
		return 0
	}
	return c.Len()
}
