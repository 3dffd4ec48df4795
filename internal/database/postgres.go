package database

import (
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq"
)

var PostgresDB *sql.DB

// ConnectPostgres connects to PostgreSQL, which holds the reward ledger.
func ConnectPostgres(postgresURI string) error {
	db, err := sql.Open("postgres", postgresURI)
	if err != nil {
		return err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err = db.Ping(); err != nil {
		db.Close()
		return err
	}
	PostgresDB = db

	log.Println("✅ Connected to PostgreSQL")

	return InitPostgresTables(db)
}

// InitPostgresTables creates the ledger tables if they don't exist
func InitPostgresTables(db *sql.DB) error {
	queries := []string{
		// Append-only reward ledger; negative amounts are spends
		`CREATE TABLE IF NOT EXISTS reward_transactions (
			id BIGSERIAL PRIMARY KEY,
			identity VARCHAR(128) NOT NULL,
			event_kind VARCHAR(32) NOT NULL,
			amount BIGINT NOT NULL,
			one_time BOOLEAN NOT NULL DEFAULT FALSE,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Balance projection, one row per identity, locked FOR UPDATE on every credit
		`CREATE TABLE IF NOT EXISTS user_progression (
			identity VARCHAR(128) PRIMARY KEY,
			points BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
			total_earned BIGINT NOT NULL DEFAULT 0,
			total_spent BIGINT NOT NULL DEFAULT 0,
			posts_count BIGINT NOT NULL DEFAULT 0,
			reactions_given BIGINT NOT NULL DEFAULT 0,
			reactions_received BIGINT NOT NULL DEFAULT 0,
			level INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// At most one row per (identity, kind) for one-time rewards
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reward_transactions_one_time
			ON reward_transactions(identity, event_kind) WHERE one_time`,
		`CREATE INDEX IF NOT EXISTS idx_reward_transactions_identity_created
			ON reward_transactions(identity, created_at DESC)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return err
		}
	}

	log.Println("✅ PostgreSQL tables initialized")
	return nil
}

// DisconnectPostgres closes the PostgreSQL connection
func DisconnectPostgres() error {
	if PostgresDB != nil {
		return PostgresDB.Close()
	}
	return nil
}
