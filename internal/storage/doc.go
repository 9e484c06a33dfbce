// Package storage is the durable progress log of broadcast runs.
//
// Every recipient outcome is appended before the worker moves on, so a crash
// loses at most the in-flight attempt. Each address is recorded at most once
// per run; a resumed run skips every address that already has a record.
//
// Drivers:
//   - "file":   one JSON Lines file per run plus a runs.json index
//   - "sqlite": a single SQLite database (modernc.org/sqlite, WAL)
package storage
