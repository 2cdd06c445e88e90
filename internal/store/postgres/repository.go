package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/park285/chess-hubble/internal/domain"
	"github.com/park285/chess-hubble/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS games (
	id            VARCHAR PRIMARY KEY,
	opening_id    VARCHAR,
	white         VARCHAR NOT NULL,
	black         VARCHAR NOT NULL,
	white_rating  INT4,
	black_rating  INT4,
	result        VARCHAR NOT NULL DEFAULT '*',
	winner        VARCHAR,
	start_fen     VARCHAR,
	moves         JSONB NOT NULL,
	moves_san     JSONB NOT NULL DEFAULT '[]',
	scores        JSONB NOT NULL,
	middle_game   INT4,
	end_game      INT4,
	blunders      JSONB NOT NULL,
	book_exit     INT4,
	analysed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS games_white_idx ON games (white);
CREATE INDEX IF NOT EXISTS games_black_idx ON games (black);
CREATE TABLE IF NOT EXISTS openings (
	id   INT4 PRIMARY KEY,
	eco  VARCHAR NOT NULL,
	name VARCHAR NOT NULL,
	pgn  VARCHAR NOT NULL
);
CREATE INDEX IF NOT EXISTS openings_eco_idx ON openings (eco);`

const gameColumns = `
	id,
	opening_id,
	white,
	black,
	white_rating,
	black_rating,
	result,
	winner,
	start_fen,
	moves,
	moves_san,
	scores,
	middle_game,
	end_game,
	blunders,
	book_exit,
	analysed_at`

type repository struct {
	db *sql.DB
}

// Open connects to dsn and makes sure the tables exist.
func Open(ctx context.Context, dsn string) (store.Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("DATABASE_URL required for postgres store")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &repository{db: db}, nil
}

// NewRepository wraps an existing handle; the schema is assumed to exist.
func NewRepository(db *sql.DB) store.Store {
	return &repository{db: db}
}

func (r *repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *repository) SaveGame(ctx context.Context, game *domain.GameRecord) error {
	if game == nil {
		return fmt.Errorf("nil game record")
	}

	moves, err := json.Marshal(nonNil(game.Moves))
	if err != nil {
		return fmt.Errorf("marshal moves: %w", err)
	}
	movesSAN, err := json.Marshal(nonNil(game.MovesSAN))
	if err != nil {
		return fmt.Errorf("marshal moves_san: %w", err)
	}
	scores, err := json.Marshal(nonNil(game.Scores))
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	blunders, err := json.Marshal(game.Blunders)
	if err != nil {
		return fmt.Errorf("marshal blunders: %w", err)
	}

	const query = `
		INSERT INTO games (` + gameColumns + `
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12::jsonb, $13, $14, $15::jsonb, $16, $17)
		ON CONFLICT (id) DO NOTHING
		RETURNING id`

	var id sql.NullString
	err = r.db.QueryRowContext(
		ctx,
		query,
		game.ID,
		nullString(game.OpeningCode),
		game.White,
		game.Black,
		nullInt(game.WhiteRating),
		nullInt(game.BlackRating),
		game.Result,
		nullString(game.Winner),
		nullString(game.StartFEN),
		moves,
		movesSAN,
		scores,
		nullInt(game.MiddleGame),
		nullInt(game.EndGame),
		blunders,
		nullInt(game.BookExit),
		game.AnalysedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !id.Valid) {
		return store.ErrDuplicateGame
	}
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

func (r *repository) GetGame(ctx context.Context, id string) (*domain.GameRecord, error) {
	const query = `SELECT` + gameColumns + `
		FROM games
		WHERE id = $1`

	game, err := scanGame(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select game: %w", err)
	}
	return game, nil
}

func (r *repository) GamesByPlayer(ctx context.Context, player string, limit int) ([]*domain.GameRecord, error) {
	query := `SELECT` + gameColumns + `
		FROM games
		WHERE white = $1 OR black = $1
		ORDER BY analysed_at DESC, id`
	args := []any{player}
	if limit > 0 {
		query += `
		LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select games: %w", err)
	}
	defer rows.Close()

	games := make([]*domain.GameRecord, 0)
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("scan game: %w", err)
		}
		games = append(games, game)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate games: %w", err)
	}
	return games, nil
}

func (r *repository) OpeningsByCode(ctx context.Context, code string) ([]domain.Opening, error) {
	const query = `
		SELECT id, eco, name, pgn
		FROM openings
		WHERE eco = $1
		ORDER BY id`
	return r.queryOpenings(ctx, query, strings.ToUpper(strings.TrimSpace(code)))
}

func (r *repository) AllOpenings(ctx context.Context) ([]domain.Opening, error) {
	const query = `
		SELECT id, eco, name, pgn
		FROM openings
		ORDER BY id`
	return r.queryOpenings(ctx, query)
}

func (r *repository) queryOpenings(ctx context.Context, query string, args ...any) ([]domain.Opening, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select openings: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Opening, 0)
	for rows.Next() {
		var o domain.Opening
		if err := rows.Scan(&o.ID, &o.Code, &o.Name, &o.PGN); err != nil {
			return nil, fmt.Errorf("scan opening: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate openings: %w", err)
	}
	return out, nil
}

// InsertOpenings bulk loads the catalogue with COPY in one transaction.
func (r *repository) InsertOpenings(ctx context.Context, openings []domain.Opening) error {
	if len(openings) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("openings", "id", "eco", "name", "pgn"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}
	for _, o := range openings {
		if _, err := stmt.ExecContext(ctx, o.ID, o.Code, o.Name, o.PGN); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("copy opening %d: %w", o.ID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("openings already loaded: %w", err)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*domain.GameRecord, error) {
	var (
		game                           domain.GameRecord
		openingID, winner, startFEN    sql.NullString
		whiteRating, blackRating       sql.NullInt64
		middleGame, endGame, bookExit  sql.NullInt64
		movesJSON, sanJSON, scoresJSON []byte
		blundersJSON                   []byte
		analysedAt                     time.Time
	)
	if err := row.Scan(
		&game.ID,
		&openingID,
		&game.White,
		&game.Black,
		&whiteRating,
		&blackRating,
		&game.Result,
		&winner,
		&startFEN,
		&movesJSON,
		&sanJSON,
		&scoresJSON,
		&middleGame,
		&endGame,
		&blundersJSON,
		&bookExit,
		&analysedAt,
	); err != nil {
		return nil, err
	}

	game.OpeningCode = openingID.String
	game.Winner = winner.String
	game.StartFEN = startFEN.String
	game.WhiteRating = intFromNull(whiteRating)
	game.BlackRating = intFromNull(blackRating)
	game.MiddleGame = intFromNull(middleGame)
	game.EndGame = intFromNull(endGame)
	game.BookExit = intFromNull(bookExit)
	game.AnalysedAt = analysedAt.UTC()

	if err := decodeList(movesJSON, &game.Moves); err != nil {
		return nil, fmt.Errorf("unmarshal moves: %w", err)
	}
	if err := decodeList(sanJSON, &game.MovesSAN); err != nil {
		return nil, fmt.Errorf("unmarshal moves_san: %w", err)
	}
	if err := decodeList(scoresJSON, &game.Scores); err != nil {
		return nil, fmt.Errorf("unmarshal scores: %w", err)
	}
	if err := json.Unmarshal(blundersJSON, &game.Blunders); err != nil {
		return nil, fmt.Errorf("unmarshal blunders: %w", err)
	}
	return &game, nil
}

// decodeList reads a JSON array, or the {"data": [...]} wrapper used by
// rows written before the column became a plain array.
func decodeList[T any](raw []byte, out *[]T) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		*out = []T{}
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Data []T `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return err
		}
		*out = nonNil(wrapped.Data)
		return nil
	}
	var list []T
	if err := json.Unmarshal(raw, &list); err != nil {
		return err
	}
	*out = nonNil(list)
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
