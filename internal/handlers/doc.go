// Package handlers exposes the media cache engine's query/command API over
// HTTP, including the server-sent-events change stream.
package handlers
