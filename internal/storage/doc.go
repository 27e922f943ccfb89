// Package storage persists broadcasts and serves the read-only school
// directory on top of SQLite.
//
// It provides:
//   - broadcast lookup, schedule search and atomic status transitions
//   - course/role/parenthood queries for audience resolution
//   - channel connection queries for recipient mapping
//   - an append-only audit log of send attempts
package storage
