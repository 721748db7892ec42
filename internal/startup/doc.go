// Package startup loads service configuration from the environment and
// carries build information.
package startup
