// Package metrics defines the Prometheus metrics exported by the media cache.
package metrics
