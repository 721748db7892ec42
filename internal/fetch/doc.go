// Package fetch provides the URL-to-local-file download primitive used by the
// task scheduler, with retry backoff for transient network failures.
package fetch
