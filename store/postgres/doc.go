// Package postgres implements the pending store using pgx/v5 with raw SQL.
// Features: connection pooling via pgxpool, goose migrations embedded in
// the binary, and transactional release through [Store.WithinTx].
package postgres
