package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/park285/chess-hubble/internal/domain"
	"github.com/park285/chess-hubble/internal/store"
)

// memrepo is used when no database is configured; contents are lost on exit.
type memrepo struct {
	mu sync.RWMutex

	games    map[string]*domain.GameRecord
	byPlayer map[string][]*domain.GameRecord // player -> games, latest last

	openings []domain.Opening
	byCode   map[string][]int // eco -> index into openings
}

func New() store.Store {
	return &memrepo{
		games:    make(map[string]*domain.GameRecord),
		byPlayer: make(map[string][]*domain.GameRecord),
		byCode:   make(map[string][]int),
	}
}

func (m *memrepo) Close() error { return nil }

func (m *memrepo) SaveGame(_ context.Context, game *domain.GameRecord) error {
	if game == nil {
		return store.ErrDuplicateGame
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.games[game.ID]; exists {
		return store.ErrDuplicateGame
	}
	stored := cloneGame(game)
	m.games[game.ID] = stored
	for _, name := range playersOf(stored) {
		m.byPlayer[name] = append(m.byPlayer[name], stored)
	}
	return nil
}

func (m *memrepo) GetGame(_ context.Context, id string) (*domain.GameRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok || g == nil {
		return nil, nil
	}
	return cloneGame(g), nil
}

func (m *memrepo) GamesByPlayer(_ context.Context, player string, limit int) ([]*domain.GameRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byPlayer[strings.TrimSpace(player)]
	if len(list) == 0 {
		return []*domain.GameRecord{}, nil
	}
	items := append([]*domain.GameRecord(nil), list...)
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].AnalysedAt.Equal(items[j].AnalysedAt) {
			return items[i].AnalysedAt.After(items[j].AnalysedAt)
		}
		return items[i].ID < items[j].ID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]*domain.GameRecord, len(items))
	for i, g := range items {
		out[i] = cloneGame(g)
	}
	return out, nil
}

func (m *memrepo) OpeningsByCode(_ context.Context, code string) ([]domain.Opening, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.byCode[codeKey(code)]
	out := make([]domain.Opening, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.openings[i])
	}
	return out, nil
}

func (m *memrepo) AllOpenings(context.Context) ([]domain.Opening, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Opening{}, m.openings...), nil
}

func (m *memrepo) InsertOpenings(_ context.Context, openings []domain.Opening) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range openings {
		m.byCode[codeKey(o.Code)] = append(m.byCode[codeKey(o.Code)], len(m.openings))
		m.openings = append(m.openings, o)
	}
	return nil
}

func codeKey(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func playersOf(g *domain.GameRecord) []string {
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

func cloneGame(g *domain.GameRecord) *domain.GameRecord {
	c := *g
	c.Moves = cloneSlice(g.Moves)
	c.MovesSAN = cloneSlice(g.MovesSAN)
	c.Scores = cloneSlice(g.Scores)
	c.Blunders = domain.BlunderSet{
		Opening:    cloneSlice(g.Blunders.Opening),
		MiddleGame: cloneSlice(g.Blunders.MiddleGame),
		EndGame:    cloneSlice(g.Blunders.EndGame),
	}
	c.WhiteRating = cloneInt(g.WhiteRating)
	c.BlackRating = cloneInt(g.BlackRating)
	c.MiddleGame = cloneInt(g.MiddleGame)
	c.EndGame = cloneInt(g.EndGame)
	c.BookExit = cloneInt(g.BookExit)
	return &c
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
