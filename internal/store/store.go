// Package store keeps a SQLite log of episodes, goals and rewards so
// training runs can be inspected after the fact.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/stagebridge/internal/episode"
	"github.com/banshee-data/stagebridge/internal/monitoring"
)

type Store struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations.
func Open(path string) (*Store, error) {
	s, err := OpenNoMigrate(path)
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenNoMigrate opens the database without touching the schema. The
// migrate subcommand uses it.
func OpenNoMigrate(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under the
	// consumer and control goroutines.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &Store{DB: db, path: path}, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixNano()
}

func (s *Store) ensureEpisode(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO episodes (episode_id, started_ns) VALUES (?, ?)`, id, nanos(at))
	return err
}

// PublishGoal records a goal change.
func (s *Store) PublishGoal(ev episode.GoalEvent) error {
	ctx := context.Background()
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.ensureEpisode(ctx, tx, ev.EpisodeID, ev.At); err != nil {
		return fmt.Errorf("record episode: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO goals (episode_id, x, y, radius, span, recorded_ns) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EpisodeID, ev.Goal.X, ev.Goal.Y, ev.Radius, ev.Span, nanos(ev.At)); err != nil {
		return fmt.Errorf("record goal: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE episodes SET goal_radius = ?, goal_span = ? WHERE episode_id = ?`,
		ev.Radius, ev.Span, ev.EpisodeID); err != nil {
		return fmt.Errorf("record curriculum: %w", err)
	}
	return tx.Commit()
}

// PublishReward records a reward event. The first episode reward of an
// episode closes it; later terminal steps repeat the same value and only
// land in the rewards table.
func (s *Store) PublishReward(ev episode.RewardEvent) error {
	ctx := context.Background()
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.ensureEpisode(ctx, tx, ev.EpisodeID, ev.At); err != nil {
		return fmt.Errorf("record episode: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rewards (episode_id, kind, value, wins, recorded_ns) VALUES (?, ?, ?, ?, ?)`,
		ev.EpisodeID, string(ev.Kind), ev.Value, ev.Wins, nanos(ev.At)); err != nil {
		return fmt.Errorf("record reward: %w", err)
	}

	switch ev.Kind {
	case episode.RewardEpisode:
		_, err = tx.ExecContext(ctx,
			`UPDATE episodes SET ended_ns = ?, total_reward = ?, wins = ? WHERE episode_id = ? AND ended_ns IS NULL`,
			nanos(ev.At), ev.Value, ev.Wins, ev.EpisodeID)
	case episode.RewardCheckpoint:
		_, err = tx.ExecContext(ctx,
			`UPDATE episodes SET wins = ? WHERE episode_id = ?`, ev.Wins, ev.EpisodeID)
	}
	if err != nil {
		return fmt.Errorf("update episode: %w", err)
	}
	return tx.Commit()
}

// EpisodeSummary is one finished episode.
type EpisodeSummary struct {
	EpisodeID   string
	StartedAt   time.Time
	EndedAt     time.Time
	TotalReward float64
	Wins        int
}

// FinishedEpisodes returns the most recent limit finished episodes in the
// order they ended. A limit of zero or less returns all of them.
func (s *Store) FinishedEpisodes(ctx context.Context, limit int) ([]EpisodeSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.QueryContext(ctx, `
		SELECT episode_id, started_ns, ended_ns, total_reward, wins FROM (
			SELECT * FROM episodes WHERE ended_ns IS NOT NULL
			ORDER BY ended_ns DESC LIMIT ?
		) ORDER BY ended_ns ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	var out []EpisodeSummary
	for rows.Next() {
		var e EpisodeSummary
		var started, ended int64
		if err := rows.Scan(&e.EpisodeID, &started, &ended, &e.TotalReward, &e.Wins); err != nil {
			return nil, err
		}
		e.StartedAt = time.Unix(0, started)
		e.EndedAt = time.Unix(0, ended)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GoalRecord is one stored goal.
type GoalRecord struct {
	X, Y         float64
	Radius, Span float64
	RecordedAt   time.Time
}

// Goals returns the goals of one episode in order.
func (s *Store) Goals(ctx context.Context, episodeID string) ([]GoalRecord, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT x, y, radius, span, recorded_ns FROM goals WHERE episode_id = ? ORDER BY goal_id`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	var out []GoalRecord
	for rows.Next() {
		var g GoalRecord
		var at int64
		if err := rows.Scan(&g.X, &g.Y, &g.Radius, &g.Span, &at); err != nil {
			return nil, err
		}
		g.RecordedAt = time.Unix(0, at)
		out = append(out, g)
	}
	return out, rows.Err()
}

// Counts reports the number of rows in each event table.
type Counts struct {
	Episodes int `json:"episodes"`
	Goals    int `json:"goals"`
	Rewards  int `json:"rewards"`
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM episodes),
		(SELECT COUNT(*) FROM goals),
		(SELECT COUNT(*) FROM rewards)`).Scan(&c.Episodes, &c.Goals, &c.Rewards)
	return c, err
}

// AttachAdminRoutes mounts tailsql over the event log at /debug/tailsql/.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.DB, &tailsql.DBOptions{
		Label: "Episode log",
	})
	debug.Handle("tailsql/", "SQL live debugging of the episode log", tsql.NewMux())
	monitoring.Diagf("store: tailsql mounted for %s", s.path)
	return nil
}
