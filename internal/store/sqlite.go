package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/latestcomment/idea-bidding/internal/models"
)

// SQLite is the single-node ledger and directory used for local runs and tests.
// One open connection serializes every transaction, which gives the debit its atomicity.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewSQLite(ctx context.Context, dsn string, logger zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	logger.Info().Str("dsn", dsn).Msg("sqlite opened")
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Debit(ctx context.Context, userID string, amount int64, txType, description string) (Balance, error) {
	if amount <= 0 {
		return Balance{}, fmt.Errorf("store: debit amount must be positive, got %d", amount)
	}
	return s.apply(ctx, userID, -amount, txType, description)
}

func (s *SQLite) Credit(ctx context.Context, userID string, amount int64, txType, description string) (Balance, error) {
	if amount <= 0 {
		return Balance{}, fmt.Errorf("store: credit amount must be positive, got %d", amount)
	}
	return s.apply(ctx, userID, amount, txType, description)
}

func (s *SQLite) apply(ctx context.Context, userID string, delta int64, txType, description string) (Balance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Balance{}, unavailable(fmt.Errorf("store: begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var before int64
	err = tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return Balance{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return Balance{}, unavailable(fmt.Errorf("store: read credits: %w", err))
	}

	after := before + delta
	if after < 0 {
		return Balance{}, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientCredits, before, -delta)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET credits = ? WHERE id = ?`, after, userID); err != nil {
		return Balance{}, unavailable(fmt.Errorf("store: update credits: %w", err))
	}

	id := uuid.New().String()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount, type, description, balance_before, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, delta, txType, description, before, after, time.Now().UTC(),
	)
	if err != nil {
		return Balance{}, unavailable(fmt.Errorf("store: insert transaction: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return Balance{}, unavailable(fmt.Errorf("store: commit: %w", err))
	}
	return Balance{TransactionID: id, BalanceBefore: before, BalanceAfter: after}, nil
}

func (s *SQLite) ResolveIdea(ctx context.Context, ideaID string) (models.IdeaSummary, error) {
	var idea models.IdeaSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, category FROM ideas WHERE id = ?`, ideaID,
	).Scan(&idea.ID, &idea.Title, &idea.Description, &idea.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IdeaSummary{}, fmt.Errorf("%w: idea %s", ErrNotFound, ideaID)
	}
	if err != nil {
		return models.IdeaSummary{}, fmt.Errorf("store: resolve idea: %w", err)
	}
	return idea, nil
}

func (s *SQLite) ResolveUser(ctx context.Context, userID string) (models.UserSummary, error) {
	var user models.UserSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, credits FROM users WHERE id = ?`, userID,
	).Scan(&user.ID, &user.Name, &user.Credits)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserSummary{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return models.UserSummary{}, fmt.Errorf("store: resolve user: %w", err)
	}
	return user, nil
}

func (s *SQLite) CreateUser(ctx context.Context, user models.UserSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, credits) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		user.ID, user.Name, user.Credits,
	)
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

func (s *SQLite) CreateIdea(ctx context.Context, idea models.IdeaSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ideas (id, title, description, category) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		idea.ID, idea.Title, idea.Description, idea.Category,
	)
	if err != nil {
		return fmt.Errorf("store: create idea: %w", err)
	}
	return nil
}

func (s *SQLite) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, type, description, balance_before, balance_after, created_at
		 FROM credit_transactions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Transaction{}
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Description,
			&t.BalanceBefore, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
