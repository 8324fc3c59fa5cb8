// Package store bootstraps the relational database read by the CDC connector.
//
// The player service learns about new players from rows inserted into the
// players table: the connector streams each insert to the bus, where it
// becomes a PlayerStartedCareer event. The harness therefore needs to create
// that table before the connector starts and to insert rows during tests.
//
// # Drivers
//
//   - pgx: PostgreSQL through github.com/jackc/pgx/v5/stdlib (reference setup)
//   - sqlite3: github.com/mattn/go-sqlite3 (tests and local runs)
//
// Statements are written with ? placeholders and rebound to $n for pgx.
//
// # Idempotency
//
// Every bootstrap statement may run more than once: table creation uses
// CREATE TABLE IF NOT EXISTS and inserts use ON CONFLICT DO NOTHING, so a
// health-check hook that fires again after a restart leaves the data intact.
package store
