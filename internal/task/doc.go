// Package task provides the durable background task queue: task persistence,
// an in-memory dispatch channel, a worker pool with exponential-backoff
// retries for transient failures, group fan-out, and crash recovery.
package task
