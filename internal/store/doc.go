// Package store provides SQLite-backed storage for worker oplogs and their
// out-of-line payloads.
//
// Store implements oplog.IndexedStorage over the oplog_entries table and
// oplog.BlobStorage over the payloads table. Entries are keyed by
// (worker_key, idx) and always read in index order.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// SQLite has no replicas. NumberOfReplicas reports zero, so replica waits
// requested through oplog.PrimaryOplog are clamped away.
package store
