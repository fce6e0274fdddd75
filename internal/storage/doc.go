// Package storage is the local durable cache for the rolling result history.
//
// Every driver stores the same JSON document per key, so a cache written by
// one driver can be migrated by copying the value. Drivers:
//   - memory: process-local, for tests and -once runs
//   - file:   one JSON snapshot per key, replaced atomically
//   - sqlite: single-table key/value store (modernc, pure Go)
//   - redis:  shared cache across hosts
//   - badger: embedded LSM store
package storage
