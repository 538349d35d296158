package redis

// Redis key naming conventions for flume data.
// All keys are prefixed with "flume:" to avoid collisions.

const keyPrefix = "flume:"

// ── Job keys ──

// jobKey returns the key for a job record: flume:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// pendingKey returns the Sorted Set of pending and delayed job IDs for a
// queue, scored by availability time: flume:queue:{name}:pending
func pendingKey(queue string) string { return keyPrefix + "queue:" + queue + ":pending" }

// reservedKey returns the Sorted Set of reserved job IDs for a queue,
// scored by visibility deadline: flume:queue:{name}:reserved
func reservedKey(queue string) string { return keyPrefix + "queue:" + queue + ":reserved" }

// ── Batch keys ──

// batchKey returns the Hash key for a batch: flume:batch:{id}
func batchKey(id string) string { return keyPrefix + "batch:" + id }

// batchIDsKey is the Sorted Set of batch IDs scored by creation time.
const batchIDsKey = keyPrefix + "batch_ids"

// ── Failure store keys ──

// dlqKey returns the key for a failure entry: flume:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIDsKey is the Sorted Set of failure entry IDs scored by failure time.
const dlqIDsKey = keyPrefix + "dlq_ids"

// ── Lock keys ──

// lockKey returns the key holding a named lock's owner: flume:lock:{name}
func lockKey(name string) string { return keyPrefix + "lock:" + name }

// ── Control keys ──

// restartKey stores the most recent restart signal timestamp.
const restartKey = keyPrefix + "restart"
