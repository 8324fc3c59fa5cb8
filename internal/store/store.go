package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sangdongvan/football-events/internal/logging"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

const createPlayersTable = `CREATE TABLE IF NOT EXISTS players ` +
	`(id bigint PRIMARY KEY, name varchar(50) NOT NULL, created timestamp NOT NULL)`

const insertPlayer = `INSERT INTO players VALUES (?, ?, ?) ON CONFLICT DO NOTHING`

// Player is a row of the players table.
type Player struct {
	ID      int64
	Name    string
	Created time.Time
}

// Store wraps the relational database used for setup.
//
// Thread-safety: Safe for concurrent use; database/sql pools connections.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Open connects to the database and verifies the connection.
//
// SQLite connections are limited to one, which keeps ":memory:" databases
// alive across calls and avoids SQLITE_BUSY on concurrent writes.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	return &Store{db: db, driver: driver, logger: logging.OrDefault(logger)}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the database/sql driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Exec runs a statement whose result is not needed.
func (s *Store) Exec(ctx context.Context, stmt string, args ...any) error {
	logging.Trace(ctx, s.logger, "sql", "stmt", stmt)
	if _, err := s.db.ExecContext(ctx, s.rebind(stmt, len(args)), args...); err != nil {
		return fmt.Errorf("exec %q: %w", abbreviate(stmt), err)
	}
	return nil
}

// Query executes a query and returns the resulting rows.
// Callers are responsible for closing the returned rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query, len(args)), args...)
}

// CreatePlayersTable creates the players table if it does not exist.
func (s *Store) CreatePlayersTable(ctx context.Context) error {
	return s.Exec(ctx, createPlayersTable)
}

// InsertPlayer inserts a player row. An existing id is left untouched.
func (s *Store) InsertPlayer(ctx context.Context, id int64, name string, created time.Time) error {
	return s.Exec(ctx, insertPlayer, id, name, created)
}

// Players returns every player ordered by id.
func (s *Store) Players(ctx context.Context) ([]Player, error) {
	rows, err := s.Query(ctx, `SELECT id, name, created FROM players ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query players: %w", err)
	}
	defer rows.Close()

	var players []Player
	for rows.Next() {
		var p Player
		if err := rows.Scan(&p.ID, &p.Name, &p.Created); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

// rebind converts ? placeholders to $n for pgx.
// Question marks inside quoted literals are left alone. A statement run
// without arguments has no placeholders, so its ? operators are kept.
func (s *Store) rebind(q string, nargs int) string {
	if s.driver != DriverPostgres || nargs == 0 || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n, quoted := 0, false
	for _, r := range q {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func abbreviate(stmt string) string {
	const limit = 80
	if len(stmt) <= limit {
		return stmt
	}
	return stmt[:limit] + "..."
}
