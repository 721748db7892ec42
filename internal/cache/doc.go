// Package cache implements the media cache engine: the facade the rest of
// the app talks to, wired over the persistent store, the metadata repository
// and the task scheduler, with a change stream that re-publishes the full
// metadata snapshot on every mutation.
package cache
