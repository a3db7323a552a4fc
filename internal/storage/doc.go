// Package storage is the SQL record store behind the routing engine.
//
// It keeps:
//   - Protocols and their plugin metadata
//   - User and project channels (one table, keyed by kind)
//   - Persisted user notifications
//   - Per-protocol daily usage counters and quota records
//   - Secrets referenced by SECRET data-type channels
//   - Job dedup markers so retried jobs are not delivered twice
//
// Both SQLite (modernc.org/sqlite) and PostgreSQL (lib/pq) are supported.
// Queries are written with '?' placeholders and rebound for PostgreSQL.
package storage
