package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-desktop/signal-relay/pkg/types"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS parsed_signals (
	id          TEXT PRIMARY KEY,
	group_name  TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS parsed_signals_group_created_idx
	ON parsed_signals (group_name, created_at DESC);
`

// signalRow is the parsed_signals row shape
type signalRow struct {
	ID         string    `db:"id"`
	GroupName  string    `db:"group_name"`
	Symbol     string    `db:"symbol"`
	Side       string    `db:"side"`
	Confidence float64   `db:"confidence"`
	CreatedAt  time.Time `db:"created_at"`
	Payload    string    `db:"payload"`
}

// PostgresJournal stores envelopes in PostgreSQL.
type PostgresJournal struct {
	logger *zap.Logger
	db     *sqlx.DB
}

// NewPostgresJournal connects to PostgreSQL and verifies the connection.
func NewPostgresJournal(ctx context.Context, logger *zap.Logger, cfg types.PostgresConfig) (*PostgresJournal, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.Named("pg-journal")
	logger.Info("connected to PostgreSQL",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return &PostgresJournal{logger: logger, db: db}, nil
}

// EnsureSchema creates the parsed_signals table if it does not exist.
func (j *PostgresJournal) EnsureSchema(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Append inserts env. Re-appending the same envelope ID is a no-op.
func (j *PostgresJournal) Append(ctx context.Context, env *types.SignalEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	row := signalRow{
		ID:        env.ID,
		GroupName: env.GroupName,
		CreatedAt: env.Timestamp,
		Payload:   string(payload),
	}
	if env.Signal != nil {
		row.Symbol = env.Signal.Symbol
		row.Side = string(env.Signal.Side)
		row.Confidence = env.Signal.Confidence
	}

	query := `
	INSERT INTO parsed_signals (id, group_name, symbol, side, confidence, created_at, payload)
	VALUES (:id, :group_name, :symbol, :side, :confidence, :created_at, :payload)
	ON CONFLICT (id) DO NOTHING
	`
	if _, err := j.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to insert signal %s: %w", env.ID, err)
	}
	return nil
}

// Recent returns up to limit envelopes, newest first.
func (j *PostgresJournal) Recent(ctx context.Context, group string, limit int) ([]*types.SignalEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []signalRow
	query := `
	SELECT id, group_name, symbol, side, confidence, created_at, payload
	FROM parsed_signals
	WHERE ($1 = '' OR group_name = $1)
	ORDER BY created_at DESC
	LIMIT $2
	`
	if err := j.db.SelectContext(ctx, &rows, query, group, limit); err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}

	out := make([]*types.SignalEnvelope, 0, len(rows))
	for _, r := range rows {
		var env types.SignalEnvelope
		if err := json.Unmarshal([]byte(r.Payload), &env); err != nil {
			j.logger.Warn("skipping corrupt journal row", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, &env)
	}
	return out, nil
}

// Close closes the connection pool.
func (j *PostgresJournal) Close() error {
	return j.db.Close()
}
