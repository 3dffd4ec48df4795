package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/AnshRaj112/whisper-trust/internal/models"
)

const (
	pqUniqueViolation = "23505"
	// class 08 is connection exception
	pqConnectionClass = "08"
	// 57P01..57P03: the server is shutting down or not accepting connections
	pqShutdownPrefix = "57P"
)

// PostgresLedgerStore locks the user_progression rows of every identity in a
// unit of work for its duration. The partial unique index on
// reward_transactions(identity, event_kind) WHERE one_time backs up the
// in-transaction existence check.
type PostgresLedgerStore struct {
	DB *sql.DB
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{DB: db}
}

type pgLedgerTx struct {
	tx          *sql.Tx
	identity    string
	progression models.UserProgression
}

func (t *pgLedgerTx) Progression() models.UserProgression {
	return t.progression
}

func (t *pgLedgerTx) HasTransaction(ctx context.Context, kind models.EventKind) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM reward_transactions WHERE identity = $1 AND event_kind = $2)`,
		t.identity, string(kind),
	).Scan(&exists)
	if err != nil {
		return false, storeErr("check reward transaction", err)
	}
	return exists, nil
}

func (t *pgLedgerTx) Append(ctx context.Context, txn models.RewardTransaction, p models.UserProgression) error {
	var reason sql.NullString
	if txn.Reason != "" {
		reason = sql.NullString{String: txn.Reason, Valid: true}
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO reward_transactions (identity, event_kind, amount, one_time, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		t.identity, string(txn.EventKind), txn.Amount, txn.OneTime, reason, txn.CreatedAt,
	).Scan(&txn.ID)
	if isUniqueViolation(err) {
		return errAlreadyCredited
	} else if err != nil {
		return storeErr("insert reward transaction", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE user_progression
		SET points = $2, total_earned = $3, total_spent = $4, posts_count = $5,
		    reactions_given = $6, reactions_received = $7, level = $8, updated_at = $9
		WHERE identity = $1`,
		t.identity, p.Points, p.TotalEarned, p.TotalSpent, p.PostsCount,
		p.ReactionsGiven, p.ReactionsReceived, p.Level, p.UpdatedAt,
	)
	if err != nil {
		return storeErr("update progression", err)
	}
	t.progression = p
	return nil
}

func (s *PostgresLedgerStore) Update(ctx context.Context, identity string, fn func(ctx context.Context, tx LedgerTx) error) error {
	return s.UpdateAll(ctx, []string{identity}, single(fn))
}

func (s *PostgresLedgerStore) UpdateAll(ctx context.Context, identities []string, fn func(ctx context.Context, txs []LedgerTx) error) error {
	ordered, err := lockOrder(identities)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	locked := make(map[string]models.UserProgression, len(ordered))
	for _, identity := range ordered {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_progression (identity, level) VALUES ($1, $2) ON CONFLICT (identity) DO NOTHING`,
			identity, LevelFor(0),
		); err != nil {
			return storeErr("ensure progression row", err)
		}

		p, err := scanProgression(tx.QueryRowContext(ctx, progressionSelect+` FOR UPDATE`, identity))
		if err != nil {
			return storeErr("lock progression", err)
		}
		locked[identity] = p
	}

	txs := make([]LedgerTx, len(identities))
	for i, identity := range identities {
		txs[i] = &pgLedgerTx{tx: tx, identity: identity, progression: locked[identity]}
	}
	if err := fn(ctx, txs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return errAlreadyCredited
		}
		return storeErr("commit ledger transaction", err)
	}
	return nil
}

const progressionSelect = `
	SELECT identity, points, total_earned, total_spent, posts_count,
	       reactions_given, reactions_received, level, updated_at
	FROM user_progression WHERE identity = $1`

func scanProgression(row *sql.Row) (models.UserProgression, error) {
	var p models.UserProgression
	err := row.Scan(&p.Identity, &p.Points, &p.TotalEarned, &p.TotalSpent, &p.PostsCount,
		&p.ReactionsGiven, &p.ReactionsReceived, &p.Level, &p.UpdatedAt)
	return p, err
}

func (s *PostgresLedgerStore) Progression(ctx context.Context, identity string) (models.UserProgression, error) {
	p, err := scanProgression(s.DB.QueryRowContext(ctx, progressionSelect, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return newProgression(identity), nil
	} else if err != nil {
		return models.UserProgression{}, storeErr("load progression", err)
	}
	return p, nil
}

func (s *PostgresLedgerStore) Transactions(ctx context.Context, identity string, limit int) ([]models.RewardTransaction, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, identity, event_kind, amount, one_time, COALESCE(reason, ''), created_at
		FROM reward_transactions
		WHERE identity = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, identity, limit)
	if err != nil {
		return nil, storeErr("list reward transactions", err)
	}
	defer rows.Close()

	txns := []models.RewardTransaction{}
	for rows.Next() {
		var txn models.RewardTransaction
		var kind string
		if err := rows.Scan(&txn.ID, &txn.Identity, &kind, &txn.Amount, &txn.OneTime, &txn.Reason, &txn.CreatedAt); err != nil {
			return nil, storeErr("scan reward transaction", err)
		}
		txn.EventKind = models.EventKind(kind)
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list reward transactions", err)
	}
	return txns, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// storeErr wraps err with op, marking lost connections and server shutdowns
// as ErrStoreUnavailable.
func storeErr(op string, err error) error {
	if isConnectionError(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnectionError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code.Class()) == pqConnectionClass ||
			strings.HasPrefix(string(pqErr.Code), pqShutdownPrefix)
	}
	var netErr net.Error
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &netErr)
}
