// Package server implements the HTTP API for the worker: event intake,
// run and dead-letter inspection, health, Prometheus metrics, and a
// WebSocket stream of accepted events.
package server
