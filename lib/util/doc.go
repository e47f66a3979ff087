// Package util provides the small concurrency and ordering primitives the board
// is built from.
//
// Key Components:
//
//   - OrderedQueue: a lock-free multi-producer single-consumer queue whose
//     consumer goroutine hands every item to a handler in push order. The
//     dispatcher uses one queue per client so that all operations of a client
//     are applied in submission order while different clients run in parallel.
//
//   - MapHeap: a min-heap keyed by message id combined with a map for O(1) key
//     lookups. The sequential consistency policy uses it as its reorder buffer.
//
//   - PeriodicTask: a cancellable ticker loop driven by a clock.Clock. Stop is
//     idempotent and waits for the running iteration to return.
//
//   - GenerateSeed / NewRand: seeding helpers for the quorum shuffles.
package util
