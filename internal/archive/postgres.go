package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const schema = `CREATE TABLE IF NOT EXISTS bot_games (
  game_id     TEXT PRIMARY KEY,
  bot_color   TEXT NOT NULL,
  white_name  TEXT NOT NULL,
  black_name  TEXT NOT NULL,
  variant     TEXT NOT NULL DEFAULT '',
  speed       TEXT NOT NULL DEFAULT '',
  rated       BOOLEAN NOT NULL DEFAULT FALSE,
  result      TEXT NOT NULL,
  status      TEXT NOT NULL,
  moves_uci   JSONB NOT NULL,
  moves_san   JSONB NOT NULL,
  final_fen   TEXT NOT NULL,
  pgn         TEXT NOT NULL,
  started_at  TIMESTAMPTZ NOT NULL,
  ended_at    TIMESTAMPTZ NOT NULL,
  duration_ms BIGINT NOT NULL
)`

const upsertGame = `INSERT INTO bot_games (
    game_id, bot_color, white_name, black_name, variant, speed, rated,
    result, status, moves_uci, moves_san, final_fen, pgn,
    started_at, ended_at, duration_ms
  ) VALUES (
    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
  ) ON CONFLICT (game_id) DO UPDATE SET
    result=EXCLUDED.result,
    status=EXCLUDED.status,
    moves_uci=EXCLUDED.moves_uci,
    moves_san=EXCLUDED.moves_san,
    final_fen=EXCLUDED.final_fen,
    pgn=EXCLUDED.pgn,
    ended_at=EXCLUDED.ended_at,
    duration_ms=EXCLUDED.duration_ms`

type Repository struct {
	db *sql.DB
}

func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(pingCtx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Record upserts the final result of a game.
func (r *Repository) Record(ctx context.Context, rec GameRecord) error {
	if r == nil || r.db == nil {
		return nil
	}
	movesUCI, _ := json.Marshal(nonNil(rec.MovesUCI))
	movesSAN, _ := json.Marshal(nonNil(rec.MovesSAN))
	_, err := r.db.ExecContext(ctx, upsertGame,
		rec.ID, rec.BotColor, rec.White, rec.Black, rec.Variant, rec.Speed, rec.Rated,
		rec.Result(), rec.Status, string(movesUCI), string(movesSAN), rec.FinalFEN, BuildPGN(rec),
		rec.StartedAt, rec.EndedAt, rec.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres record %s: %w", rec.ID, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// BuildPGN renders the record as a PGN document with a seven tag roster.
func BuildPGN(rec GameRecord) string {
	var b strings.Builder
	date := rec.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	result := rec.Result()
	b.WriteString("[Event \"Lichess bot game\"]\n")
	b.WriteString(fmt.Sprintf("[Site \"https://lichess.org/%s\"]\n", sanitizePGN(rec.ID)))
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString("[Round \"-\"]\n")
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(rec.White)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(rec.Black)))
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n", result))
	if fen := strings.TrimSpace(rec.InitialFEN); fen != "" && fen != "startpos" {
		b.WriteString("[SetUp \"1\"]\n")
		b.WriteString(fmt.Sprintf("[FEN \"%s\"]\n", sanitizePGN(fen)))
	}
	if rec.Status != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(rec.Status)))
	}
	b.WriteString("\n")

	for i := 0; i < len(rec.MovesSAN); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, strings.TrimSpace(rec.MovesSAN[i])))
		if i+1 < len(rec.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(rec.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
