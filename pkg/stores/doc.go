// Package stores persists the converge run journal.
//
// Every converge run, check mode included, can be recorded as a Run with
// its outcome, the lifecycle steps it planned and the definition changes
// it found. The SQLite implementation keeps runs in WAL mode and applies
// its schema with embedded golang-migrate migrations.
package stores
