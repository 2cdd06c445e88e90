package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	StockfishPath  string
	EngineThreads  int
	EngineHashMB   int
	EngineNodes    int
	EngineDepth    int
	EngineTimeout  time.Duration
	EnginePoolSize int
	// EngineQueued gives each analysis worker its own queued engine
	// instead of a pool.
	EngineQueued bool

	AnalysisWorkers    int
	AnalysisPolicyPath string
	AnalysisCacheTTL   time.Duration

	OpeningCatalogPath string
	OpeningMinMatch    int
	PolyglotBookPath   string

	DatabaseURL string
	RedisURL    string
	BadgerDir   string

	ArchiveBaseURL string
	ArchiveToken   string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		EngineThreads:    1,
		EngineHashMB:     64,
		EngineDepth:      0,
		EngineNodes:      200000,
		AnalysisWorkers:  1,
		AnalysisCacheTTL: 24 * time.Hour,
		OpeningMinMatch:  1,
		ArchiveBaseURL:   "https://lichess.org",
	}

	cfg.StockfishPath = strings.TrimSpace(os.Getenv("STOCKFISH_PATH"))
	if v := strings.TrimSpace(os.Getenv("ENGINE_THREADS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EngineThreads = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_HASH_MB")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EngineHashMB = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_NODES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.EngineNodes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_DEPTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.EngineDepth = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EngineTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_POOL_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EnginePoolSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_QUEUED")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EngineQueued = b
		}
	}

	if v := strings.TrimSpace(os.Getenv("ANALYSIS_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AnalysisWorkers = n
		}
	}
	cfg.AnalysisPolicyPath = strings.TrimSpace(os.Getenv("ANALYSIS_POLICY_PATH"))
	if v := strings.TrimSpace(os.Getenv("ANALYSIS_CACHE_TTL_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AnalysisCacheTTL = time.Duration(n) * time.Second
		}
	}

	cfg.OpeningCatalogPath = strings.TrimSpace(os.Getenv("OPENING_CATALOG_PATH"))
	if v := strings.TrimSpace(os.Getenv("OPENING_MIN_MATCH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OpeningMinMatch = n
		}
	}
	cfg.PolyglotBookPath = strings.TrimSpace(os.Getenv("CHESS_POLYGLOT_BOOK_PATH"))

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.BadgerDir = strings.TrimSpace(os.Getenv("BADGER_DIR"))

	if v := strings.TrimSpace(os.Getenv("ARCHIVE_BASE_URL")); v != "" {
		cfg.ArchiveBaseURL = v
	}
	cfg.ArchiveToken = strings.TrimSpace(os.Getenv("ARCHIVE_TOKEN"))

	if cfg.StockfishPath == "" {
		return nil, errors.New("STOCKFISH_PATH is required")
	}
	if cfg.EngineDepth == 0 && cfg.EngineNodes == 0 {
		return nil, errors.New("one of ENGINE_DEPTH or ENGINE_NODES must be positive")
	}

	return cfg, nil
}

// StoreBackend names the persistence layer the config selects:
// "postgres", "badger" or "memory".
func (c *AppConfig) StoreBackend() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.BadgerDir != "":
		return "badger"
	default:
		return "memory"
	}
}
