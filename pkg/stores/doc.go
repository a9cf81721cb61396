// Package stores provides the persistence layer for the pool scheduler.
// It includes SQLite-based storage with WAL mode, embedded migrations,
// and the transactional scheduling queries (select, claim, attach,
// archive) that every worker process coordinates through.
package stores
