// Package ledgerflow is a durable event-driven workflow worker. It accepts
// events by name or on a cron schedule, executes multi-step workflow
// functions with per-step memoization, retries failed attempts with backoff,
// and routes terminal failures to a dead-letter queue.
package ledgerflow

const (
	// Name is the service name reported in logs and health responses
	Name = "ledgerflow"

	// Version is the service version reported in logs and health responses
	Version = "0.3.0"
)
