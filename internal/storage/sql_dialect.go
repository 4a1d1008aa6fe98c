package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"

	"kvdata/internal/logging"
)

// sqlEngine holds what differs between relational engines. Everything else
// lives in sqlBackend.
type sqlEngine interface {
	createTable(table string) string
	// createColumn adds a nullable string column unless it already exists.
	createColumn(ctx context.Context, db *sql.DB, table, column string) error
	listTables(ctx context.Context, db *sql.DB) ([]string, error)
	selectAll(table string) string
	// upsert inserts a row keyed by target or updates the given columns of
	// the existing one.
	upsert(table string, columns []string, args []any) (string, []any, error)
	syntax() sqlSyntax
}

type conflictStyle int

const (
	onConflictUpdate conflictStyle = iota
	onDuplicateKeyUpdate
)

// sqlSyntax carries the per-engine fragments of generated statements.
type sqlSyntax struct {
	quote       string
	placeholder sq.PlaceholderFormat
	conflict    conflictStyle
	keyType     string
	valueType   string
}

func (s sqlSyntax) syntax() sqlSyntax {
	return s
}

func (s sqlSyntax) ident(name string) string {
	return s.quote + strings.ReplaceAll(name, s.quote, s.quote+s.quote) + s.quote
}

func (s sqlSyntax) createTable(table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s PRIMARY KEY)",
		s.ident(table), s.ident(TargetKey), s.keyType)
}

func (s sqlSyntax) addColumn(table, column string, ifNotExists bool) string {
	clause := "ADD COLUMN"
	if ifNotExists {
		clause = "ADD COLUMN IF NOT EXISTS"
	}
	return fmt.Sprintf("ALTER TABLE %s %s %s %s", s.ident(table), clause, s.ident(column), s.valueType)
}

func (s sqlSyntax) selectAll(table string) string {
	return "SELECT * FROM " + s.ident(table)
}

func (s sqlSyntax) upsert(table string, columns []string, args []any) (string, []any, error) {
	return buildUpsert(s, table, columns, args)
}

// buildUpsert generates an insert-or-update of one row. args holds the
// target followed by one value per column.
func buildUpsert(s sqlSyntax, table string, columns []string, args []any) (string, []any, error) {
	if len(args) != len(columns)+1 {
		return "", nil, fmt.Errorf("upsert of %d columns needs %d arguments, got %d", len(columns), len(columns)+1, len(args))
	}

	quoted := make([]string, 0, len(columns)+1)
	quoted = append(quoted, s.ident(TargetKey))
	updates := make([]string, 0, len(columns))
	for _, column := range columns {
		c := s.ident(column)
		quoted = append(quoted, c)
		switch s.conflict {
		case onDuplicateKeyUpdate:
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
		default:
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	var suffix string
	switch {
	case s.conflict == onDuplicateKeyUpdate && len(updates) == 0:
		t := s.ident(TargetKey)
		suffix = fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", t, t)
	case s.conflict == onDuplicateKeyUpdate:
		suffix = "ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
	case len(updates) == 0:
		suffix = fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", s.ident(TargetKey))
	default:
		suffix = fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", s.ident(TargetKey), strings.Join(updates, ", "))
	}

	return sq.Insert(s.ident(table)).
		Columns(quoted...).
		Values(args...).
		Suffix(suffix).
		PlaceholderFormat(s.placeholder).
		ToSql()
}

// sqlBackend is shared by every relational engine. The *sql.DB belongs to
// the DataManager and holds a single connection.
type sqlBackend struct {
	db        *sql.DB
	engine    sqlEngine
	tableName func(string) string
	prefix    string
	logger    *logging.Logger

	schemaMu sync.Mutex
	schema   map[string]map[string]bool
}

var (
	_ Backend        = (*sqlBackend)(nil)
	_ SchemaPreparer = (*sqlBackend)(nil)
)

func sqlBackendFactory(engine sqlEngine) func(m *DataManager) (Backend, error) {
	return func(m *DataManager) (Backend, error) {
		if m.DB() == nil {
			return nil, errors.New("sql backend requires an open database")
		}
		return newSQLBackend(m, engine), nil
	}
}

func newSQLBackend(m *DataManager, engine sqlEngine) *sqlBackend {
	return &sqlBackend{
		db:        m.DB(),
		engine:    engine,
		tableName: m.TableName,
		prefix:    m.Config().TablePrefix(),
		logger:    m.Logger(),
		schema:    make(map[string]map[string]bool),
	}
}

func (b *sqlBackend) ensureTable(ctx context.Context, table string) error {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()
	return b.ensureTableLocked(ctx, table)
}

func (b *sqlBackend) ensureTableLocked(ctx context.Context, table string) error {
	if _, ok := b.schema[table]; ok {
		return nil
	}
	if _, err := b.db.ExecContext(ctx, b.engine.createTable(table)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	b.schema[table] = map[string]bool{TargetKey: true}
	return nil
}

func (b *sqlBackend) ensureColumn(ctx context.Context, table, column string) error {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()

	if err := b.ensureTableLocked(ctx, table); err != nil {
		return err
	}
	if b.schema[table][column] {
		return nil
	}
	if err := b.engine.createColumn(ctx, b.db, table, column); err != nil {
		return fmt.Errorf("failed to create column %s.%s: %w", table, column, err)
	}
	b.schema[table][column] = true
	return nil
}

// forget drops the schema memo of a table after a statement failed, so the
// next write re-creates whatever went missing.
func (b *sqlBackend) forget(table string) {
	b.schemaMu.Lock()
	delete(b.schema, table)
	b.schemaMu.Unlock()
}

func (b *sqlBackend) Get(ctx context.Context, table, target, key string) (Value, error) {
	physical := b.tableName(table)
	if err := b.ensureTable(ctx, physical); err != nil {
		return Null(), err
	}

	s := b.engine.syntax()
	query, err := s.placeholder.ReplacePlaceholders(
		b.engine.selectAll(physical) + " WHERE " + s.ident(TargetKey) + " = ?")
	if err != nil {
		return Null(), err
	}

	rows, err := b.db.QueryContext(ctx, query, target)
	if err != nil {
		b.forget(physical)
		return Null(), fmt.Errorf("failed to query %s: %w", physical, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return Null(), err
	}
	index := -1
	for i, c := range columns {
		if strings.EqualFold(c, key) {
			index = i
			break
		}
	}

	if !rows.Next() {
		return Null(), rows.Err()
	}
	if index < 0 {
		return Null(), nil
	}

	values, dest := scanTargets(len(columns))
	if err := rows.Scan(dest...); err != nil {
		return Null(), fmt.Errorf("failed to scan %s: %w", physical, err)
	}
	return nullValue(values[index]), nil
}

func (b *sqlBackend) SetAll(ctx context.Context, table, target string, values map[string]Value) []FailedSet {
	if len(values) == 0 {
		return nil
	}
	physical := b.tableName(table)
	if err := b.ensureTable(ctx, physical); err != nil {
		return failAll(table, target, values, err)
	}

	var failed []FailedSet
	columns := make([]string, 0, len(values))
	args := []any{target}
	for _, key := range sortedKeys(values) {
		v := values[key]
		if key == TargetKey {
			failed = append(failed, FailedSet{Table: table, Target: target, Key: key, Value: v, Err: ErrReservedKey})
			continue
		}
		if err := b.ensureColumn(ctx, physical, key); err != nil {
			failed = append(failed, FailedSet{Table: table, Target: target, Key: key, Value: v, Err: err})
			continue
		}
		columns = append(columns, key)
		args = append(args, nullString(v))
	}
	if len(columns) == 0 {
		return failed
	}

	err := b.upsert(ctx, physical, columns, args)
	if err != nil {
		// The table may have been altered behind our back; retry once with
		// a fresh schema.
		b.forget(physical)
		if b.recreate(ctx, physical, columns) == nil {
			err = b.upsert(ctx, physical, columns, args)
		}
	}
	if err != nil {
		written := make(map[string]Value, len(columns))
		for _, c := range columns {
			written[c] = values[c]
		}
		failed = append(failed, failAll(table, target, written, err)...)
	}
	return failed
}

func (b *sqlBackend) recreate(ctx context.Context, table string, columns []string) error {
	for _, c := range columns {
		if err := b.ensureColumn(ctx, table, c); err != nil {
			return err
		}
	}
	return nil
}

func (b *sqlBackend) upsert(ctx context.Context, table string, columns []string, args []any) error {
	query, queryArgs, err := b.engine.upsert(table, columns, args)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, query, queryArgs...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", table, err)
	}
	return nil
}

func (b *sqlBackend) Remove(ctx context.Context, table, target, key string) error {
	physical := b.tableName(table)
	if err := b.ensureColumn(ctx, physical, key); err != nil {
		return err
	}

	s := b.engine.syntax()
	query, args, err := sq.Update(s.ident(physical)).
		Set(s.ident(key), nil).
		Where(s.ident(TargetKey)+" = ?", target).
		PlaceholderFormat(s.placeholder).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		b.forget(physical)
		return fmt.Errorf("failed to clear %s.%s: %w", physical, key, err)
	}
	return nil
}

func (b *sqlBackend) PrepareSchema(ctx context.Context, columns map[string][]string) error {
	var errs []error
	for _, table := range sortedKeys(columns) {
		physical := b.tableName(table)
		if err := b.ensureTable(ctx, physical); err != nil {
			errs = append(errs, err)
			continue
		}
		for _, column := range columns[table] {
			if column == TargetKey {
				continue
			}
			if err := b.ensureColumn(ctx, physical, column); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (b *sqlBackend) MigrationData(ctx context.Context) (*MigrationData, error) {
	tables, err := b.engine.listTables(ctx, b.db)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	data := NewMigrationData()
	for _, physical := range tables {
		if !strings.HasPrefix(physical, b.prefix) {
			continue
		}
		if err := b.readTable(ctx, physical, strings.TrimPrefix(physical, b.prefix), data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (b *sqlBackend) readTable(ctx context.Context, physical, table string, data *MigrationData) error {
	rows, err := b.db.QueryContext(ctx, b.engine.selectAll(physical))
	if err != nil {
		return fmt.Errorf("failed to read table %s: %w", physical, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}
	targetIndex := -1
	for i, c := range columns {
		if strings.EqualFold(c, TargetKey) {
			targetIndex = i
			break
		}
	}
	if targetIndex < 0 {
		b.logger.Warn("Skipping table without target column", "table", physical)
		return nil
	}

	data.AddTable(table)
	for i, c := range columns {
		if i != targetIndex {
			data.AddColumn(table, strings.ToLower(c))
		}
	}

	for rows.Next() {
		values, dest := scanTargets(len(columns))
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("failed to scan %s: %w", physical, err)
		}
		target := values[targetIndex]
		if !target.Valid {
			continue
		}
		for i, c := range columns {
			if i == targetIndex || !values[i].Valid {
				continue
			}
			data.Put(table, target.String, strings.ToLower(c), nullValue(values[i]))
		}
	}
	return rows.Err()
}

func (b *sqlBackend) Close() error {
	return nil
}

func scanTargets(n int) ([]sql.NullString, []any) {
	values := make([]sql.NullString, n)
	dest := make([]any, n)
	for i := range values {
		dest[i] = &values[i]
	}
	return values, dest
}

func nullValue(s sql.NullString) Value {
	return Value{String: s.String, Valid: s.Valid}
}

func nullString(v Value) sql.NullString {
	return sql.NullString{String: v.String, Valid: v.Valid}
}
