// Package record defines the journal records produced by a replica group
// and their canonical encoding.
//
// This package imports nothing internal. The redundancy engine produces
// records, the store persists them and the harness snapshots them, so the
// types live at the bottom of the dependency graph.
//
// Key constraints:
//   - NO floats: checksums and register values are encoded as hex strings
//   - All JSON tags use snake_case
//   - Ordering uses the round sequence number only, never wall-clock time
package record
