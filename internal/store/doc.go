// Package store provides SQLite-backed durable storage for replica group
// journals.
//
// The journal is append-only:
//   - Groups: one row per group run, with its configuration
//   - Rounds: one row per completed rendezvous
//   - Divergences: one row per checksum mismatch or catch-up escalation
//   - Dumps: per-replica register dumps of fatal divergences
//
// Round and divergence ids are content addressed (see record.RoundID), so
// writing the same record twice is a no-op.
//
// All ordering uses seq, the logical round clock. Queries order by
// seq ASC, id ASC COLLATE BINARY so reads are deterministic.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The redundancy engine never waits for the disk: Journal queues records
// and writes them on its own goroutine.
package store
