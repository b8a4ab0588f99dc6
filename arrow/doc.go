// Package arrow encodes voidnet topology snapshots as Apache Arrow IPC
// streams, so the network map can be loaded straight into columnar tooling.
//
// Two record schemas exist:
//   - EdgeSchema: one row per confirmed link (source, target)
//   - EventSchema: one row per newest topology statement
//     (sender, sequence, type, data)
package arrow
