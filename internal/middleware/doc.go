// Package middleware provides HTTP request logging and metrics middleware.
package middleware
