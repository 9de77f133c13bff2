package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trackside/internal/config"
	"github.com/trackside/internal/domain"
)

// Repository provides PostgreSQL-based data access for player and map
// identities, chat messages, and the race result ledger.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id BIGSERIAL PRIMARY KEY,
			login VARCHAR(128) NOT NULL UNIQUE,
			nickname VARCHAR(255),
			last_visit TIMESTAMP DEFAULT '1970-01-01 00:00:00'
		)`,
		`CREATE TABLE IF NOT EXISTS maps (
			id BIGSERIAL PRIMARY KEY,
			uid VARCHAR(64) NOT NULL UNIQUE,
			name VARCHAR(255)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id BIGSERIAL PRIMARY KEY,
			player_id BIGINT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
			message TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			map_id BIGINT NOT NULL REFERENCES maps(id) ON DELETE CASCADE,
			player_id BIGINT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
			game_mode_id SMALLINT NOT NULL DEFAULT 0,
			score INT NOT NULL DEFAULT 0,
			achieved_at TIMESTAMP DEFAULT '1970-01-01 00:00:00',
			checkpoints TEXT,
			PRIMARY KEY (map_id, player_id, game_mode_id, score)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_map_mode_score ON results(map_id, game_mode_id, score ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_results_achieved_at ON results(achieved_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_player ON messages(player_id, created_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// FindPlayerByLogin resolves a raw login to a persisted player identity.
// Absence is reported as domain.ErrPlayerNotFound, never as a nil player.
func (r *Repository) FindPlayerByLogin(ctx context.Context, login string) (*domain.Player, error) {
	query := `
		SELECT id, login, COALESCE(nickname, ''), last_visit
		FROM players
		WHERE login = $1
	`
	var player domain.Player
	err := r.pool.QueryRow(ctx, query, login).Scan(
		&player.ID,
		&player.Login,
		&player.Nickname,
		&player.LastVisit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("finding player by login: %w", err)
	}
	return &player, nil
}

// FindMapByUID resolves a map UID to a persisted map identity.
func (r *Repository) FindMapByUID(ctx context.Context, uid string) (*domain.TrackMap, error) {
	query := `SELECT id, uid, COALESCE(name, '') FROM maps WHERE uid = $1`
	var m domain.TrackMap
	err := r.pool.QueryRow(ctx, query, uid).Scan(&m.ID, &m.UID, &m.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMapNotFound
		}
		return nil, fmt.Errorf("finding map by uid: %w", err)
	}
	return &m, nil
}

// ListPlayers returns all known players, most recently seen first.
func (r *Repository) ListPlayers(ctx context.Context) ([]domain.Player, error) {
	query := `
		SELECT id, login, COALESCE(nickname, ''), last_visit
		FROM players
		ORDER BY last_visit DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}
	defer rows.Close()

	var players []domain.Player
	for rows.Next() {
		var player domain.Player
		err := rows.Scan(&player.ID, &player.Login, &player.Nickname, &player.LastVisit)
		if err != nil {
			return nil, fmt.Errorf("scanning player: %w", err)
		}
		players = append(players, player)
	}
	return players, nil
}

// InsertMessage persists a chat message and returns its durable id.
func (r *Repository) InsertMessage(ctx context.Context, playerID int64, text string) (int64, error) {
	query := `
		INSERT INTO messages (player_id, message, created_at)
		VALUES ($1, $2, $3)
		RETURNING message_id
	`
	var messageID int64
	err := r.pool.QueryRow(ctx, query, playerID, text, time.Now()).Scan(&messageID)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}
	return messageID, nil
}

// InsertResult inserts a result record if no record with the same
// (map, player, game mode, score) identity exists. The conflict check runs
// inside the insert itself, so two identical submissions racing each other
// cannot both create a row. Returns false when the identity already existed.
func (r *Repository) InsertResult(ctx context.Context, rec domain.ResultRecord) (bool, error) {
	achievedAt := rec.AchievedAt
	if achievedAt.IsZero() {
		achievedAt = domain.EpochZero
	}

	query := `
		INSERT INTO results (map_id, player_id, game_mode_id, score, achieved_at, checkpoints)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (map_id, player_id, game_mode_id, score) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query,
		rec.MapID,
		rec.PlayerID,
		rec.GameModeID,
		rec.Score,
		achievedAt,
		rec.Checkpoints,
	)
	if err != nil {
		return false, fmt.Errorf("inserting result: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ResultsByPlayerAndMap returns every score a player ever achieved on a map
// under a game mode, ascending by score (lower race time ranks first).
func (r *Repository) ResultsByPlayerAndMap(ctx context.Context, mapID, playerID int64, gameModeID int) ([]domain.ResultRecord, error) {
	query := `
		SELECT map_id, player_id, game_mode_id, score, achieved_at, COALESCE(checkpoints, '')
		FROM results
		WHERE map_id = $1 AND player_id = $2 AND game_mode_id = $3
		ORDER BY score ASC
	`
	rows, err := r.pool.Query(ctx, query, mapID, playerID, gameModeID)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	var records []domain.ResultRecord
	for rows.Next() {
		var rec domain.ResultRecord
		err := rows.Scan(
			&rec.MapID,
			&rec.PlayerID,
			&rec.GameModeID,
			&rec.Score,
			&rec.AchievedAt,
			&rec.Checkpoints,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// BestByMap returns each player's best (lowest) score on a map under a game
// mode, ranked ascending. The view is derived from the ledger at query time;
// it is never stored separately.
func (r *Repository) BestByMap(ctx context.Context, mapID int64, gameModeID int) ([]domain.MapRecord, error) {
	query := `
		SELECT best.player_id, p.login, COALESCE(p.nickname, ''), best.score, best.achieved_at
		FROM (
			SELECT DISTINCT ON (player_id) player_id, score, achieved_at
			FROM results
			WHERE map_id = $1 AND game_mode_id = $2
			ORDER BY player_id, score ASC
		) best
		JOIN players p ON p.id = best.player_id
		ORDER BY best.score ASC
	`
	rows, err := r.pool.Query(ctx, query, mapID, gameModeID)
	if err != nil {
		return nil, fmt.Errorf("querying map records: %w", err)
	}
	defer rows.Close()

	var records []domain.MapRecord
	for rows.Next() {
		var rec domain.MapRecord
		err := rows.Scan(&rec.PlayerID, &rec.Login, &rec.Nickname, &rec.Score, &rec.AchievedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning map record: %w", err)
		}
		rec.Rank = len(records) + 1
		records = append(records, rec)
	}
	return records, nil
}

// ResultCount returns the total number of ledger rows for a map and mode.
func (r *Repository) ResultCount(ctx context.Context, mapID int64, gameModeID int) (int64, error) {
	query := `SELECT COUNT(*) FROM results WHERE map_id = $1 AND game_mode_id = $2`
	var count int64
	err := r.pool.QueryRow(ctx, query, mapID, gameModeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting results: %w", err)
	}
	return count, nil
}
