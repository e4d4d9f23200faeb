// Package store provides resilient document access over a DynamoDB table.
//
// Documents are addressed by a partition key (typically a user id) and a
// type discriminator. Their id is derived as "{partitionKey}-{type}", so each
// (partition key, type) pair holds at most one document on the write path.
//
// # Resilience
//
// Every operation goes through the same pipeline:
//
//   - the connection is established lazily on first use and shared; a
//     failed initialization is terminal ([ErrInitialization])
//   - a circuit breaker opens after [Config.FailureThreshold] consecutive
//     failed attempts and rejects calls for [Config.ResetTimeout]
//     ([ErrCircuitOpen])
//   - transient failures (throttling, 408/429/503, network errors) are retried
//     with exponential backoff up to [Config.MaxAttempts] times
//     ([ErrRetryExhausted])
//
// # Optimistic Concurrency
//
// Every write assigns a new opaque version token. Read it with
// [Store.GetWithVersion] and pass it to [Store.SaveWithConcurrency]:
//
//	payload, version, err := s.GetWithVersion(ctx, "alice", "holiday")
//	payload["status"] = "approved"
//	err = s.SaveWithConcurrency(ctx, "alice", "holiday", payload, version)
//	// errors.Is(err, store.ErrConcurrencyConflict) if someone else wrote first
//
// # Configuration
//
// [LoadConfig] reads TROVE_* environment variables (after loading .env files
// with [LoadEnvFiles]):
//
//	store.LoadEnvFiles()
//	s := store.New(store.LoadConfig(nil))
//
// # Errors
//
//   - [ErrInvalidInput] - empty partition key or type, reserved payload field
//   - [ErrNotFound] - delete of a document that does not exist
//   - [ErrConcurrencyConflict] - version mismatch on a conditional write
//   - [ErrCircuitOpen] - breaker rejected the call
//   - [ErrRetryExhausted] - every attempt failed transiently
//   - [ErrInitialization] - connection could not be established
//   - [ErrRemoteOperation] - any other store failure
package store
