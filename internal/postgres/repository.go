package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mathgame-leaderboard/internal/config"
	"github.com/mathgame-leaderboard/internal/domain"
)

// SQLSTATE codes that mean the transaction lost a race and may be retried
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(ctx context.Context, cfg *config.PostgresConfig, logger *zap.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	return connect(ctx, poolConfig, logger)
}

// Open creates a repository from a connection URL with default pool settings
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	return connect(ctx, poolConfig, logger)
}

func connect(ctx context.Context, poolConfig *pgxpool.Config, logger *zap.Logger) (*Repository, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger.Named("postgres"),
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks that the database answers
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			username VARCHAR(64) NOT NULL,
			avatar_url TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS game_aggregates (
			user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			high_score BIGINT NOT NULL DEFAULT 0 CHECK (high_score >= 0),
			games_played BIGINT NOT NULL DEFAULT 0 CHECK (games_played >= 0),
			wins BIGINT NOT NULL DEFAULT 0 CHECK (wins >= 0 AND wins <= games_played),
			total_score BIGINT NOT NULL DEFAULT 0 CHECK (total_score >= 0),
			last_game_score BIGINT NOT NULL DEFAULT 0,
			last_played TIMESTAMPTZ,
			daily_streak INT NOT NULL DEFAULT 0,
			best_streak INT NOT NULL DEFAULT 0 CHECK (best_streak >= daily_streak),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_game_aggregates_rank
			ON game_aggregates(high_score DESC, last_played DESC)
			WHERE high_score > 0`,
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

const aggregateColumns = `user_id, high_score, games_played, wins, total_score, last_game_score,
	last_played, daily_streak, best_streak, created_at, updated_at`

const selectAggregate = `SELECT user_id::text, high_score, games_played, wins, total_score, last_game_score,
	last_played, daily_streak, best_streak, created_at, updated_at FROM game_aggregates WHERE user_id = $1`

// MergeAggregate locks the user's aggregate row, applies fn and writes the
// result in one transaction. A lost race on first insert, a serialization
// failure or a deadlock is reported as domain.ErrConflict.
func (r *Repository) MergeAggregate(ctx context.Context, userID string, fn func(current *domain.GameAggregate) (*domain.GameAggregate, error)) (*domain.GameAggregate, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, mapError(fmt.Errorf("beginning transaction: %w", err))
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	current, err := scanAggregate(tx.QueryRow(ctx,
		selectAggregate+` FOR UPDATE`, userID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapError(fmt.Errorf("locking aggregate: %w", err))
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if current == nil {
		tag, err := tx.Exec(ctx, `
			INSERT INTO game_aggregates (`+aggregateColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			ON CONFLICT (user_id) DO NOTHING
		`,
			userID, next.HighScore, next.GamesPlayed, next.Wins, next.TotalScore, next.LastGameScore,
			next.LastPlayed, next.DailyStreak, next.BestStreak, now,
		)
		if err != nil {
			return nil, mapError(fmt.Errorf("inserting aggregate: %w", err))
		}
		if tag.RowsAffected() == 0 {
			return nil, domain.ErrConflict
		}
		next.CreatedAt = now
	} else {
		_, err := tx.Exec(ctx, `
			UPDATE game_aggregates SET
				high_score = $2, games_played = $3, wins = $4, total_score = $5,
				last_game_score = $6, last_played = $7, daily_streak = $8, best_streak = $9,
				updated_at = $10
			WHERE user_id = $1
		`,
			userID, next.HighScore, next.GamesPlayed, next.Wins, next.TotalScore, next.LastGameScore,
			next.LastPlayed, next.DailyStreak, next.BestStreak, now,
		)
		if err != nil {
			return nil, mapError(fmt.Errorf("updating aggregate: %w", err))
		}
		next.CreatedAt = current.CreatedAt
	}
	next.UpdatedAt = now

	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(fmt.Errorf("committing aggregate: %w", err))
	}
	return next, nil
}

// GetAggregate retrieves a user's aggregate, or nil if the user has none
func (r *Repository) GetAggregate(ctx context.Context, userID string) (*domain.GameAggregate, error) {
	agg, err := scanAggregate(r.pool.QueryRow(ctx,
		selectAggregate, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting aggregate: %w", err)
	}
	return agg, nil
}

// TopAggregates returns the best-ranked aggregates with a positive high score
func (r *Repository) TopAggregates(ctx context.Context, limit int) ([]domain.RankedAggregate, error) {
	query := `
		SELECT user_id::text, high_score, last_played
		FROM game_aggregates
		WHERE high_score > 0
		ORDER BY high_score DESC, last_played DESC, user_id ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("getting top aggregates: %w", err)
	}
	return collectRanked(rows)
}

// AllRanked returns every aggregate with a positive high score (for sync)
func (r *Repository) AllRanked(ctx context.Context) ([]domain.RankedAggregate, error) {
	query := `
		SELECT user_id::text, high_score, last_played
		FROM game_aggregates
		WHERE high_score > 0
		ORDER BY high_score DESC, last_played DESC, user_id ASC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("getting ranked aggregates: %w", err)
	}
	return collectRanked(rows)
}

func collectRanked(rows pgx.Rows) ([]domain.RankedAggregate, error) {
	defer rows.Close()

	var items []domain.RankedAggregate
	for rows.Next() {
		var item domain.RankedAggregate
		var lastPlayed *time.Time
		if err := rows.Scan(&item.UserID, &item.HighScore, &lastPlayed); err != nil {
			return nil, fmt.Errorf("scanning ranked aggregate: %w", err)
		}
		if lastPlayed != nil {
			item.LastPlayed = lastPlayed.UTC()
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading ranked aggregates: %w", err)
	}
	return items, nil
}

func scanAggregate(row pgx.Row) (*domain.GameAggregate, error) {
	var agg domain.GameAggregate
	var lastPlayed *time.Time
	err := row.Scan(
		&agg.UserID,
		&agg.HighScore,
		&agg.GamesPlayed,
		&agg.Wins,
		&agg.TotalScore,
		&agg.LastGameScore,
		&lastPlayed,
		&agg.DailyStreak,
		&agg.BestStreak,
		&agg.CreatedAt,
		&agg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastPlayed != nil {
		agg.LastPlayed = lastPlayed.UTC()
	}
	return &agg, nil
}

// mapError turns retryable transaction failures into domain.ErrConflict
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.Message)
		}
	}
	return err
}
