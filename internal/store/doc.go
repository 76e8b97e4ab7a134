// Package store defines the persisted lifecycle of store work items and the
// Queue contract shared by the memory, Postgres and SQLite backends.
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
