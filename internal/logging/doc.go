// Package logging provides leveled logging for the media cache.
// The level is read once from the DEBUG or LOG_LEVEL environment variables.
package logging
