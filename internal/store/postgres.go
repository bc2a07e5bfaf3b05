package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/latestcomment/idea-bidding/internal/models"
)

// Postgres is the production ledger and directory, backed by a pgx pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	logger.Info().Msg("postgres connected")
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Debit removes amount credits from the user inside one transaction.
func (p *Postgres) Debit(ctx context.Context, userID string, amount int64, txType, description string) (Balance, error) {
	if amount <= 0 {
		return Balance{}, fmt.Errorf("store: debit amount must be positive, got %d", amount)
	}
	return p.apply(ctx, userID, -amount, txType, description)
}

// Credit adds amount credits to the user inside one transaction.
func (p *Postgres) Credit(ctx context.Context, userID string, amount int64, txType, description string) (Balance, error) {
	if amount <= 0 {
		return Balance{}, fmt.Errorf("store: credit amount must be positive, got %d", amount)
	}
	return p.apply(ctx, userID, amount, txType, description)
}

func (p *Postgres) apply(ctx context.Context, userID string, delta int64, txType, description string) (Balance, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Balance{}, unavailable(fmt.Errorf("store: begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var before int64
	err = tx.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&before)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return Balance{}, unavailable(fmt.Errorf("store: lock user: %w", err))
	}

	after := before + delta
	if after < 0 {
		return Balance{}, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientCredits, before, -delta)
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET credits = $1 WHERE id = $2`, after, userID); err != nil {
		return Balance{}, unavailable(fmt.Errorf("store: update credits: %w", err))
	}

	id := uuid.New().String()
	_, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount, type, description, balance_before, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, userID, delta, txType, description, before, after, time.Now().UTC(),
	)
	if err != nil {
		return Balance{}, unavailable(fmt.Errorf("store: insert transaction: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return Balance{}, unavailable(fmt.Errorf("store: commit: %w", err))
	}
	return Balance{TransactionID: id, BalanceBefore: before, BalanceAfter: after}, nil
}

func (p *Postgres) ResolveIdea(ctx context.Context, ideaID string) (models.IdeaSummary, error) {
	var idea models.IdeaSummary
	err := p.pool.QueryRow(ctx,
		`SELECT id, title, description, category FROM ideas WHERE id = $1`, ideaID,
	).Scan(&idea.ID, &idea.Title, &idea.Description, &idea.Category)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IdeaSummary{}, fmt.Errorf("%w: idea %s", ErrNotFound, ideaID)
	}
	if err != nil {
		return models.IdeaSummary{}, fmt.Errorf("store: resolve idea: %w", err)
	}
	return idea, nil
}

func (p *Postgres) ResolveUser(ctx context.Context, userID string) (models.UserSummary, error) {
	var user models.UserSummary
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, credits FROM users WHERE id = $1`, userID,
	).Scan(&user.ID, &user.Name, &user.Credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UserSummary{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return models.UserSummary{}, fmt.Errorf("store: resolve user: %w", err)
	}
	return user, nil
}

func (p *Postgres) CreateUser(ctx context.Context, user models.UserSummary) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (id, name, credits) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		user.ID, user.Name, user.Credits,
	)
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

func (p *Postgres) CreateIdea(ctx context.Context, idea models.IdeaSummary) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO ideas (id, title, description, category) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		idea.ID, idea.Title, idea.Description, idea.Category,
	)
	if err != nil {
		return fmt.Errorf("store: create idea: %w", err)
	}
	return nil
}

// Transactions lists a user's ledger rows, newest first.
func (p *Postgres) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, user_id, amount, type, description, balance_before, balance_after, created_at
		 FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query transactions: %w", err)
	}
	defer rows.Close()

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
