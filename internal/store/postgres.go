package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"scriptdesk/api/internal/script"
)

// PostgresStore implements script.Remote over the script tables. Table and column
// names are checked against a whitelist before they reach SQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert writes one row and returns the id the row was stored under. A row without
// an id gets one from the column default.
func (s *PostgresStore) Insert(ctx context.Context, table string, fields script.Record) (string, error) {
	schema, err := lookupSchema(table)
	if err != nil {
		return "", err
	}
	if err := schema.check(table, fields); err != nil {
		return "", err
	}
	columns := sortedColumns(fields)
	if id, ok := fields["id"]; ok && script.AsString(id) == "" {
		columns = removeColumn(columns, "id")
	}

	var query string
	args := make([]any, 0, len(columns))
	if len(columns) == 0 {
		query = fmt.Sprintf(`INSERT INTO %s DEFAULT VALUES RETURNING id`, table)
	} else {
		placeholders := make([]string, len(columns))
		for i, column := range columns {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, fields[column])
		}
		query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING id`,
			table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	}

	var id string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return "", fmt.Errorf("insert %s: %w", table, translate(err))
	}
	return id, nil
}

func (s *PostgresStore) Update(ctx context.Context, table, id string, fields script.Record) error {
	schema, err := lookupSchema(table)
	if err != nil {
		return err
	}
	if err := schema.check(table, fields); err != nil {
		return err
	}
	columns := removeColumn(sortedColumns(fields), "id")
	if len(columns) == 0 {
		return nil
	}

	sets := make([]string, 0, len(columns)+1)
	args := make([]any, 0, len(columns)+1)
	for i, column := range columns {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, i+1))
		args = append(args, fields[column])
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, table, strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, translate(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	if rows == 0 {
		return fmt.Errorf("update %s %s: %w", table, id, ErrRowNotFound)
	}
	return nil
}

// Delete removes one row. Foreign keys cascade to descendants.
func (s *PostgresStore) Delete(ctx context.Context, table, id string) error {
	if _, err := lookupSchema(table); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, translate(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	if rows == 0 {
		return fmt.Errorf("delete %s %s: %w", table, id, ErrRowNotFound)
	}
	return nil
}

// Select returns every column of the matching rows. A []string filter value
// matches any of its members.
func (s *PostgresStore) Select(ctx context.Context, table string, filter script.Record, order string) ([]script.Record, error) {
	schema, err := lookupSchema(table)
	if err != nil {
		return nil, err
	}
	if err := schema.check(table, filter); err != nil {
		return nil, err
	}

	columns := make([]string, 0, len(schema.columns))
	for column := range schema.columns {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	var where []string
	var args []any
	for _, column := range sortedColumns(filter) {
		args = append(args, filter[column])
		switch filter[column].(type) {
		case []string:
			where = append(where, fmt.Sprintf("%s = ANY($%d)", column, len(args)))
		default:
			where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT %s FROM %s`, strings.Join(columns, ", "), table)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if order != "" {
		if !schema.columns[order] {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, order)
		}
		fmt.Fprintf(&b, " ORDER BY %s, id", order)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]script.Record, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		record := make(script.Record, len(columns))
		for i, column := range columns {
			record[column] = values[i]
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23503":
		return fmt.Errorf("%w: %s", ErrParentMissing, pgErr.ConstraintName)
	case "23505":
		return fmt.Errorf("%w: %s", ErrDuplicateRowID, pgErr.ConstraintName)
	}
	return err
}

func sortedColumns(record script.Record) []string {
	columns := make([]string, 0, len(record))
	for column := range record {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

func removeColumn(columns []string, name string) []string {
	out := columns[:0]
	for _, column := range columns {
		if column != name {
			out = append(out, column)
		}
	}
	return out
}
