package store

// schemaStatements is portable between Postgres and SQLite.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id      TEXT PRIMARY KEY,
		name    TEXT NOT NULL DEFAULT '',
		credits BIGINT NOT NULL DEFAULT 0 CHECK (credits >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS ideas (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL REFERENCES users(id),
		amount         BIGINT NOT NULL,
		type           TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		balance_before BIGINT NOT NULL,
		balance_after  BIGINT NOT NULL,
		created_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS credit_transactions_user_idx ON credit_transactions (user_id, created_at)`,
}
