// Package badgerstore keeps analysed games and the opening catalogue in an
// embedded Badger database, for single-host deployments without Postgres.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/park285/chess-hubble/internal/domain"
	"github.com/park285/chess-hubble/internal/store"
)

const (
	prefixGame    = "game/"
	prefixPlayer  = "player/"
	prefixOpening = "opening/"
)

type Store struct {
	db *badger.DB
}

// Open opens the database under dir. An empty dir keeps everything in
// memory.
func Open(dir string) (*Store, error) {
	var opts badger.Options
	if strings.TrimSpace(dir) == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func gameKey(id string) []byte { return []byte(prefixGame + id) }

// playerKey indexes a game under one of its players. The NUL separator
// keeps "Al" from prefix-matching "Alice".
func playerKey(player, id string) []byte {
	return []byte(prefixPlayer + player + "\x00" + id)
}

func openingKey(code string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%010d", prefixOpening, codeKey(code), id))
}

func codeKey(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Store) SaveGame(_ context.Context, game *domain.GameRecord) error {
	if game == nil {
		return fmt.Errorf("nil game record")
	}
	data, err := json.Marshal(game)
	if err != nil {
		return fmt.Errorf("marshal game: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(gameKey(game.ID))
		if err == nil {
			return store.ErrDuplicateGame
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(gameKey(game.ID), data); err != nil {
			return err
		}
		for _, name := range uniquePlayers(game) {
			if err := txn.Set(playerKey(name, game.ID), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetGame(_ context.Context, id string) (*domain.GameRecord, error) {
	var game *domain.GameRecord
	err := s.db.View(func(txn *badger.Txn) error {
		g, err := loadGame(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		game = g
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load game %s: %w", id, err)
	}
	return game, nil
}

func loadGame(txn *badger.Txn, id string) (*domain.GameRecord, error) {
	item, err := txn.Get(gameKey(id))
	if err != nil {
		return nil, err
	}
	var g domain.GameRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &g)
	}); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) GamesByPlayer(_ context.Context, player string, limit int) ([]*domain.GameRecord, error) {
	name := strings.TrimSpace(player)
	prefix := []byte(prefixPlayer + name + "\x00")
	games := make([]*domain.GameRecord, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			g, err := loadGame(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !g.Involves(name) {
				continue
			}
			games = append(games, g)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("games for %s: %w", player, err)
	}

	sort.SliceStable(games, func(i, j int) bool {
		if !games[i].AnalysedAt.Equal(games[j].AnalysedAt) {
			return games[i].AnalysedAt.After(games[j].AnalysedAt)
		}
		return games[i].ID < games[j].ID
	})
	if limit > 0 && len(games) > limit {
		games = games[:limit]
	}
	return games, nil
}

func (s *Store) OpeningsByCode(_ context.Context, code string) ([]domain.Opening, error) {
	return s.scanOpenings([]byte(prefixOpening + codeKey(code) + "\x00"))
}

func (s *Store) AllOpenings(context.Context) ([]domain.Opening, error) {
	out, err := s.scanOpenings([]byte(prefixOpening))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) scanOpenings(prefix []byte) ([]domain.Opening, error) {
	out := make([]domain.Opening, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var o domain.Opening
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &o)
			}); err != nil {
				return err
			}
			out = append(out, o)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan openings: %w", err)
	}
	return out, nil
}

// InsertOpenings writes the catalogue through a WriteBatch, which splits
// large loads across transactions.
func (s *Store) InsertOpenings(_ context.Context, openings []domain.Opening) error {
	wb := s.db.NewWriteBatch()
	for _, o := range openings {
		data, err := json.Marshal(o)
		if err != nil {
			wb.Cancel()
			return fmt.Errorf("marshal opening %d: %w", o.ID, err)
		}
		if err := wb.Set(openingKey(o.Code, o.ID), data); err != nil {
			wb.Cancel()
			return fmt.Errorf("write opening %d: %w", o.ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush openings: %w", err)
	}
	return nil
}

func uniquePlayers(g *domain.GameRecord) []string {
	var out []string
	for _, name := range []string{g.White, g.Black} {
		name = strings.TrimSpace(name)
		if name == "" || (len(out) == 1 && out[0] == name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

var _ store.Store = (*Store)(nil)
