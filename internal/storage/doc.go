// Package storage persists the subscription set: which subscriber watches
// which URL, and the digest of the last fetched body.
//
// Three interchangeable drivers satisfy the same Store contract:
//   - file: one JSON snapshot, rewritten atomically on every mutation
//   - redis: one hash per subscriber, safe for multiple processes
//   - sqlite: single database file
package storage
