package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	coreanalysis "github.com/park285/chess-hubble/internal/analysis"
	"github.com/park285/chess-hubble/internal/cache"
	"github.com/park285/chess-hubble/internal/chess/openingbook"
	"github.com/park285/chess-hubble/internal/chess/position"
	"github.com/park285/chess-hubble/internal/domain"
	"github.com/park285/chess-hubble/internal/obslog"
	"github.com/park285/chess-hubble/internal/store"
)

var (
	ErrNoGame         = errors.New("no analysable game in input")
	ErrBusy           = errors.New("game analysis already in progress")
	ErrNoArchive      = errors.New("game archive not configured")
	ErrNoCatalogue    = errors.New("opening catalogue not loaded")
	ErrOpeningUnknown = errors.New("no matching opening")
)

const (
	defaultLockTTL     = 5 * time.Minute
	defaultPlayerGames = 10
	maxPlayerGames     = 300
)

// Archive fetches PGN text; *archive.Client satisfies it.
type Archive interface {
	Game(ctx context.Context, id string) (string, error)
	PlayerGames(ctx context.Context, user string, max int) (string, error)
}

// ResultCache is satisfied by *cache.Cache.
type ResultCache interface {
	Get(ctx context.Context, id string) (*domain.GameRecord, error)
	Put(ctx context.Context, rec *domain.GameRecord) error
	Lock(ctx context.Context, id string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, id, token string) error
}

type Config struct {
	MinOpeningMatch int
	LockTTL         time.Duration
}

// Service ties analysis to storage, caching and the remote archive. Only
// the analyser is required; missing collaborators disable the operations
// that need them.
type Service struct {
	analyser  *coreanalysis.Analyser
	games     store.GameRepository
	openings  store.OpeningRepository
	catalogue *openingbook.Catalogue
	archive   Archive
	cache     ResultCache
	cfg       Config
	logger    *zap.Logger
}

type Deps struct {
	Analyser  *coreanalysis.Analyser
	Games     store.GameRepository
	Openings  store.OpeningRepository
	Catalogue *openingbook.Catalogue
	Archive   Archive
	Cache     ResultCache
}

func NewService(deps Deps, cfg Config, logger *zap.Logger) (*Service, error) {
	if deps.Analyser == nil {
		return nil, fmt.Errorf("analyser required")
	}
	if logger == nil {
		logger = obslog.L()
	}
	if cfg.MinOpeningMatch < 1 {
		cfg.MinOpeningMatch = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &Service{
		analyser:  deps.Analyser,
		games:     deps.Games,
		openings:  deps.Openings,
		catalogue: deps.Catalogue,
		archive:   deps.Archive,
		cache:     deps.Cache,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// AnalyseGame returns the stored analysis of an archived game, analysing
// and storing it on first request.
func (s *Service) AnalyseGame(ctx context.Context, id string) (*domain.GameRecord, error) {
	id = strings.TrimSpace(id)
	if rec, err := s.lookup(ctx, id); rec != nil || err != nil {
		return rec, err
	}
	if s.archive == nil {
		return nil, ErrNoArchive
	}

	var token string
	if s.cache != nil {
		t, err := s.cache.Lock(ctx, id, s.cfg.LockTTL)
		if errors.Is(err, cache.ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, id)
		}
		if err != nil {
			s.logger.Warn("analysis_lock_failed", zap.String("id", id), zap.Error(err))
		}
		token = t
		defer func() {
			if err := s.cache.Unlock(context.WithoutCancel(ctx), id, token); err != nil {
				s.logger.Warn("analysis_unlock_failed", zap.String("id", id), zap.Error(err))
			}
		}()
		// Another worker may have finished while we waited for the lock.
		if rec, err := s.lookup(ctx, id); rec != nil || err != nil {
			return rec, err
		}
	}

	text, err := s.archive.Game(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch game %s: %w", id, err)
	}
	outs, err := s.analyse(ctx, strings.NewReader(text))
	if err != nil {
		return nil, err
	}
	if len(outs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoGame, id)
	}
	if outs[0].Err != nil {
		return nil, outs[0].Err
	}
	rec := outs[0].Record
	rec.ID = id
	if err := s.persist(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// lookup checks the repository, then the cache. Blunders of a found record
// are recomputed under the current policy.
func (s *Service) lookup(ctx context.Context, id string) (*domain.GameRecord, error) {
	if s.games != nil {
		rec, err := s.games.GetGame(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load game %s: %w", id, err)
		}
		if rec != nil {
			return s.rebucket(rec), nil
		}
	}
	if s.cache != nil {
		rec, err := s.cache.Get(ctx, id)
		if err != nil {
			s.logger.Warn("analysis_cache_get_failed", zap.String("id", id), zap.Error(err))
			return nil, nil
		}
		if rec != nil {
			s.logger.Debug("analysis_cache_hit", zap.String("id", id))
			return s.rebucket(rec), nil
		}
	}
	return nil, nil
}

func (s *Service) rebucket(rec *domain.GameRecord) *domain.GameRecord {
	rec.Blunders = coreanalysis.BlundersOf(s.analyser.Policy().Blunder, rec)
	return rec
}

// persist stores rec. A duplicate means another worker saved it first.
func (s *Service) persist(ctx context.Context, rec *domain.GameRecord) error {
	if s.games != nil {
		err := s.games.SaveGame(ctx, rec)
		if err != nil && !errors.Is(err, store.ErrDuplicateGame) {
			return fmt.Errorf("save game %s: %w", rec.ID, err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, rec); err != nil {
			s.logger.Warn("analysis_cache_put_failed", zap.String("id", rec.ID), zap.Error(err))
		}
	}
	return nil
}

// AnalysePlayer analyses the player's n most recent archived games. Games
// already stored are returned from the repository without re-analysis;
// games that fail are logged and left out.
func (s *Service) AnalysePlayer(ctx context.Context, user string, n int) ([]*domain.GameRecord, error) {
	if s.archive == nil {
		return nil, ErrNoArchive
	}
	if n <= 0 {
		n = defaultPlayerGames
	}
	if n > maxPlayerGames {
		n = maxPlayerGames
	}
	text, err := s.archive.PlayerGames(ctx, user, n)
	if err != nil {
		return nil, fmt.Errorf("fetch games of %s: %w", user, err)
	}

	var opts []coreanalysis.ReplayOption
	if s.games != nil {
		opts = append(opts, coreanalysis.WithSkip(func(id string) bool {
			rec, err := s.games.GetGame(ctx, id)
			return err == nil && rec != nil
		}))
	}

	records := make([]*domain.GameRecord, 0, n)
	err = s.analyser.Run(ctx, strings.NewReader(text), func(o coreanalysis.Outcome) error {
		var gameErr *coreanalysis.GameError
		switch {
		case errors.Is(o.Err, coreanalysis.ErrSkipped) && errors.As(o.Err, &gameErr):
			rec, err := s.games.GetGame(ctx, gameErr.ID)
			if err != nil {
				return fmt.Errorf("load game %s: %w", gameErr.ID, err)
			}
			if rec != nil {
				records = append(records, s.rebucket(rec))
			}
		case o.Err != nil:
			s.logger.Warn("player_game_failed", zap.String("user", user), zap.Error(o.Err))
		default:
			if err := s.persist(ctx, o.Record); err != nil {
				return err
			}
			records = append(records, o.Record)
		}
		return nil
	}, opts...)
	return records, err
}

// AnalysePGN analyses every game in r. With save set, successful records are
// stored as well.
func (s *Service) AnalysePGN(ctx context.Context, r io.Reader, save bool) ([]coreanalysis.Outcome, error) {
	outs, err := s.analyse(ctx, r)
	if err != nil {
		return outs, err
	}
	if save {
		for _, o := range outs {
			if o.Record == nil {
				continue
			}
			if err := s.persist(ctx, o.Record); err != nil {
				return outs, err
			}
		}
	}
	return outs, nil
}

func (s *Service) analyse(ctx context.Context, r io.Reader) ([]coreanalysis.Outcome, error) {
	var outs []coreanalysis.Outcome
	err := s.analyser.Run(ctx, r, func(o coreanalysis.Outcome) error {
		outs = append(outs, o)
		return nil
	})
	return outs, err
}

// FindOpening names the opening of a line given in SAN or UCI. With a code
// and an opening repository, candidates come from the repository;
// otherwise the loaded catalogue is searched.
func (s *Service) FindOpening(ctx context.Context, code string, moves []string) (openingbook.Match, error) {
	line, err := position.ToUCI("", moves)
	if err != nil {
		return openingbook.Match{}, fmt.Errorf("replay line: %w", err)
	}

	cat := s.catalogue
	if strings.TrimSpace(code) != "" && s.openings != nil {
		cands, err := s.openings.OpeningsByCode(ctx, code)
		if err != nil {
			return openingbook.Match{}, fmt.Errorf("load openings %s: %w", code, err)
		}
		if len(cands) > 0 {
			cat = openingbook.NewCatalogue(cands)
		}
	}
	if cat == nil {
		return openingbook.Match{}, ErrNoCatalogue
	}

	m, ok := cat.Match(line, code, s.cfg.MinOpeningMatch)
	if !ok {
		return openingbook.Match{}, ErrOpeningUnknown
	}
	return m, nil
}

// PlayerOpenings ranks the openings of a player's stored games by win rate.
func (s *Service) PlayerOpenings(ctx context.Context, player string, colour coreanalysis.Colour, minGames int) ([]coreanalysis.OpeningRank, error) {
	if s.games == nil {
		return nil, fmt.Errorf("game repository not configured")
	}
	if s.catalogue == nil {
		return nil, ErrNoCatalogue
	}
	games, err := s.games.GamesByPlayer(ctx, player, 0)
	if err != nil {
		return nil, fmt.Errorf("load games of %s: %w", player, err)
	}
	stats := coreanalysis.NewOpeningStats(player, colour, s.catalogue, s.cfg.MinOpeningMatch)
	for _, g := range games {
		stats.AddRecord(g)
	}
	return stats.Ranking(minGames), nil
}

// OpeningTree builds move statistics from the player's recent archived
// games, without engine evaluation.
func (s *Service) OpeningTree(ctx context.Context, user string, n, maxPly int) (*coreanalysis.OpeningTree, error) {
	if s.archive == nil {
		return nil, ErrNoArchive
	}
	if n <= 0 {
		n = defaultPlayerGames
	}
	text, err := s.archive.PlayerGames(ctx, user, n)
	if err != nil {
		return nil, fmt.Errorf("fetch games of %s: %w", user, err)
	}
	tree := coreanalysis.NewOpeningTree(maxPly)
	if _, err := tree.AddPGN(strings.NewReader(text)); err != nil {
		return nil, err
	}
	return tree, nil
}
