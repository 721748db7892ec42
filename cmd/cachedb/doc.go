// Command cachedb is an offline maintenance tool for the media cache
// database: integrity checks, WAL checkpointing, record statistics and
// tombstone purging. It must not run concurrently with a live service
// instance.
package main
