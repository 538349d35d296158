// Package dlq is the failure store: a durable record of jobs that
// exhausted their retries, kept apart from the live queue backend so
// operators can inspect, retry, forget, and flush failures without
// touching throughput.
package dlq
