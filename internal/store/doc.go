// Package store provides the SQLite durability store and the SQLite finder
// directory.
//
// The durability store keeps, per document:
//   - documents: the materialized JSON snapshot, head sequence and any
//     pending invalidation deadline
//   - patches: the ordered log of redo/undo merge patches with the request
//     that produced each one
//   - archives: point-in-time snapshots addressed by an archive token,
//     optionally kept in a separate attached database shared by machines
//
// The finder keeps one directory row per document saying which machine holds
// the live copy, or which archive token to restore from.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// SQLITE_BUSY and SQLITE_LOCKED that outlast the busy timeout are retried
// with exponential backoff before an error is returned.
package store
