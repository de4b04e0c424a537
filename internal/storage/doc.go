// Package storage persists monitor results on the agent.
//
// Drivers:
//   - file: append-only JSON Lines, compacted when pruned
//   - sqlite: a single database file (modernc.org/sqlite, no cgo)
package storage
