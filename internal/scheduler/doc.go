// Package scheduler drains download and thumbnail tasks through a single
// consumer, deduplicating by (key, operation) identity and persisting task
// outcomes back into the metadata store.
package scheduler
