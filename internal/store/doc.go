// Package store is the persistence layer of the media cache: a storage
// backend (SQLite on native platforms, an in-memory keyed store elsewhere), a
// manager that serializes every operation through a single FIFO queue with
// hard timeouts and contention-aware retries, and a typed repository for
// cache metadata records.
package store
