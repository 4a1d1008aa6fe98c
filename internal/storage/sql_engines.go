package storage

import (
	"context"
	"database/sql"
	"maps"
	"net"
	"net/url"
	"path/filepath"
	"strconv"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const informationSchemaTables = `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'`

// duckdbEngine is the default embedded single-file engine.
type duckdbEngine struct{ sqlSyntax }

func newDuckDBEngine() duckdbEngine {
	return duckdbEngine{sqlSyntax{
		quote:       `"`,
		placeholder: sq.Question,
		conflict:    onConflictUpdate,
		keyType:     "VARCHAR",
		valueType:   "VARCHAR",
	}}
}

func (e duckdbEngine) createColumn(ctx context.Context, db *sql.DB, table, column string) error {
	_, err := db.ExecContext(ctx, e.addColumn(table, column, true))
	return err
}

func (e duckdbEngine) listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db, informationSchemaTables)
}

func duckdbURL(dataDir string, _ *RemoteConnection) string {
	return filepath.Join(dataDir, "data.duckdb")
}

// sqliteEngine has no ADD COLUMN IF NOT EXISTS, so columns are looked up in
// pragma_table_info first.
type sqliteEngine struct{ sqlSyntax }

func newSQLiteEngine() sqliteEngine {
	return sqliteEngine{sqlSyntax{
		quote:       `"`,
		placeholder: sq.Question,
		conflict:    onConflictUpdate,
		keyType:     "TEXT",
		valueType:   "TEXT",
	}}
}

func (e sqliteEngine) createColumn(ctx context.Context, db *sql.DB, table, column string) error {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE lower(name) = lower(?)", table, column).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = db.ExecContext(ctx, e.addColumn(table, column, false))
	return err
}

func (e sqliteEngine) listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
}

func sqliteURL(dataDir string, _ *RemoteConnection) string {
	return "file:" + filepath.Join(dataDir, "data.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// mysqlEngine checks information_schema before adding a column.
type mysqlEngine struct{ sqlSyntax }

func newMySQLEngine() mysqlEngine {
	return mysqlEngine{sqlSyntax{
		quote:       "`",
		placeholder: sq.Question,
		conflict:    onDuplicateKeyUpdate,
		keyType:     "VARCHAR(255)",
		valueType:   "TEXT",
	}}
}

func (e mysqlEngine) createColumn(ctx context.Context, db *sql.DB, table, column string) error {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?`, table, column).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = db.ExecContext(ctx, e.addColumn(table, column, false))
	return err
}

func (e mysqlEngine) listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db, `SELECT TABLE_NAME FROM information_schema.TABLES
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE'`)
}

// mariadbEngine shares the MySQL dialect but supports IF NOT EXISTS.
type mariadbEngine struct{ mysqlEngine }

func newMariaDBEngine() mariadbEngine {
	return mariadbEngine{newMySQLEngine()}
}

func (e mariadbEngine) createColumn(ctx context.Context, db *sql.DB, table, column string) error {
	_, err := db.ExecContext(ctx, e.addColumn(table, column, true))
	return err
}

func mysqlURL(_ string, remote *RemoteConnection) string {
	if remote == nil {
		return ""
	}
	cfg := mysql.NewConfig()
	cfg.User = remote.Username
	cfg.Passwd = remote.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(remote.Host, strconv.Itoa(remote.Port))
	cfg.DBName = remote.Database
	cfg.Params = maps.Clone(remote.Properties)
	return cfg.FormatDSN()
}

type postgresEngine struct{ sqlSyntax }

func newPostgresEngine() postgresEngine {
	return postgresEngine{sqlSyntax{
		quote:       `"`,
		placeholder: sq.Dollar,
		conflict:    onConflictUpdate,
		keyType:     "TEXT",
		valueType:   "TEXT",
	}}
}

func (e postgresEngine) createColumn(ctx context.Context, db *sql.DB, table, column string) error {
	_, err := db.ExecContext(ctx, e.addColumn(table, column, true))
	return err
}

func (e postgresEngine) listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db, informationSchemaTables)
}

func postgresURL(_ string, remote *RemoteConnection) string {
	if remote == nil {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(remote.Host, strconv.Itoa(remote.Port)),
		Path:   "/" + remote.Database,
	}
	if remote.Username != "" {
		if remote.Password != "" {
			u.User = url.UserPassword(remote.Username, remote.Password)
		} else {
			u.User = url.User(remote.Username)
		}
	}
	query := url.Values{}
	for k, v := range remote.Properties {
		query.Set(k, v)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
