// Package mediakind defines the media kind enum, cache key derivation and the
// deterministic on-disk layout shared by every process that opens the cache.
package mediakind
