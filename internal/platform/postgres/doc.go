// Package postgres provides PostgreSQL implementations of the store
// interfaces. Each store accepts a store.DBTX, so the same implementation
// works against a *sql.DB or inside a caller-managed *sql.Tx via WithTx.
package postgres
