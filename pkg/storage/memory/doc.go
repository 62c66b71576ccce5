// Package memory implements storage.Store with in-process maps.
//
// It mirrors the PostgreSQL semantics (conditional used-mark, ordered failure
// queries, lockout markers) closely enough to run the full auth flows in tests.
package memory
