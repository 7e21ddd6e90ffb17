// Package storage persists queue task records.
//
// Drivers:
//   - "sqlite": local database file (modernc.org/sqlite, pure Go)
//   - "postgrest": hosted table behind a PostgREST/Supabase endpoint
//   - "file": in-memory table with a JSON Lines journal + snapshot
//   - "memory": in-memory only (dry runs and tests)
//
// Every driver claims with a conditional update guarded by status, so a
// record moves pending→running and running→{done,error} exactly once.
package storage
