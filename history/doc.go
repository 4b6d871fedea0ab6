// Package history keeps an in-memory, hash-chained log of the decision rounds
// completed during the life of the process.
//
// Each Entry records one completed Round and the SHA-256 hash of the entry
// before it, so any later modification of a recorded round breaks the chain.
// Verify can be called at any time to check that the log is intact.
//
// The log is never persisted: it disappears with the process.
package history
