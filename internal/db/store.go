package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Row is a column-name to value mapping read from or written to a table.
type Row map[string]interface{}

// Predicate is a parameterized WHERE clause. The zero value matches every row.
type Predicate struct {
	clause string
	args   []interface{}
}

// Where builds a predicate from a raw clause with ? placeholders.
func Where(clause string, args ...interface{}) Predicate {
	return Predicate{clause: clause, args: args}
}

// Eq matches rows whose column equals value.
func Eq(column string, value interface{}) Predicate {
	return Predicate{clause: quoteIdent(column) + " = ?", args: []interface{}{value}}
}

// And joins predicates; zero-value predicates are ignored.
func And(preds ...Predicate) Predicate {
	var clauses []string
	var args []interface{}
	for _, p := range preds {
		if p.clause == "" {
			continue
		}
		clauses = append(clauses, "("+p.clause+")")
		args = append(args, p.args...)
	}
	return Predicate{clause: strings.Join(clauses, " AND "), args: args}
}

func (p Predicate) sql() (string, []interface{}) {
	if p.clause == "" {
		return "", nil
	}
	return " WHERE " + p.clause, p.args
}

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Asc orders by column ascending.
func Asc(column string) Order { return Order{Column: column} }

// Desc orders by column descending.
func Desc(column string) Order { return Order{Column: column, Desc: true} }

// Query describes a Select: empty Columns selects every column, Limit <= 0
// means no limit.
type Query struct {
	Columns []string
	Where   Predicate
	OrderBy []Order
	Limit   int
}

// Executor is the set of generic CRUD primitives shared by the store and
// by an open transaction.
type Executor interface {
	// Insert writes row and returns the new rowid.
	Insert(ctx context.Context, table string, row Row) (int64, error)
	// Update sets the given columns on matching rows and returns rows affected.
	Update(ctx context.Context, table string, values Row, where Predicate) (int64, error)
	// Delete removes matching rows and returns rows affected.
	Delete(ctx context.Context, table string, where Predicate) (int64, error)
	// Select reads matching rows fully before returning.
	Select(ctx context.Context, table string, q Query) ([]Row, error)
	Count(ctx context.Context, table string, where Predicate) (int, error)
	Exists(ctx context.Context, table string, where Predicate) (bool, error)
	// Upsert inserts row, replacing the columns of an existing row that
	// shares the conflict key.
	Upsert(ctx context.Context, table string, row Row, conflictColumn string) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Store exposes the Executor primitives on the database plus transactions.
type Store struct {
	db *DB
	executor
}

// NewStore creates a Store over an opened database.
func NewStore(db *DB) *Store {
	return &Store{db: db, executor: executor{q: db.DB}}
}

// DB returns the underlying database.
func (s *Store) DB() *DB {
	return s.db
}

// Tx is an Executor bound to an open transaction.
type Tx struct {
	executor
}

// RunTransaction runs fn inside a transaction. The transaction commits when
// fn returns nil and rolls back otherwise, including on panic. fn must only
// use the Executor it receives: the store holds a single connection.
func (s *Store) RunTransaction(ctx context.Context, fn func(Executor) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{executor: executor{q: sqlTx}}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

type executor struct {
	q querier
}

func (e executor) Insert(ctx context.Context, table string, row Row) (int64, error) {
	if err := validateIdent(table); err != nil {
		return 0, err
	}
	cols, args, err := splitRow(row)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), joinIdents(cols), placeholders(len(cols)))

	res, err := e.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify("insert into "+table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("insert into "+table, err)
	}
	return id, nil
}

func (e executor) Update(ctx context.Context, table string, values Row, where Predicate) (int64, error) {
	if err := validateIdent(table); err != nil {
		return 0, err
	}
	cols, args, err := splitRow(values)
	if err != nil {
		return 0, err
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = quoteIdent(c) + " = ?"
	}
	clause, whereArgs := where.sql()
	query := fmt.Sprintf("UPDATE %s SET %s%s", quoteIdent(table), strings.Join(sets, ", "), clause)

	res, err := e.q.ExecContext(ctx, query, append(args, whereArgs...)...)
	if err != nil {
		return 0, classify("update "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("update "+table, err)
	}
	return n, nil
}

func (e executor) Delete(ctx context.Context, table string, where Predicate) (int64, error) {
	if err := validateIdent(table); err != nil {
		return 0, err
	}
	clause, args := where.sql()
	res, err := e.q.ExecContext(ctx, "DELETE FROM "+quoteIdent(table)+clause, args...)
	if err != nil {
		return 0, classify("delete from "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete from "+table, err)
	}
	return n, nil
}

func (e executor) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	if err := validateIdent(table); err != nil {
		return nil, err
	}
	cols := "*"
	if len(q.Columns) > 0 {
		for _, c := range q.Columns {
			if err := validateIdent(c); err != nil {
				return nil, err
			}
		}
		cols = joinIdents(q.Columns)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, quoteIdent(table))
	clause, args := q.Where.sql()
	b.WriteString(clause)
	if len(q.OrderBy) > 0 {
		terms := make([]string, len(q.OrderBy))
		for i, o := range q.OrderBy {
			if err := validateIdent(o.Column); err != nil {
				return nil, err
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			terms[i] = quoteIdent(o.Column) + " " + dir
		}
		b.WriteString(" ORDER BY " + strings.Join(terms, ", "))
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}

	rows, err := e.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, classify("select from "+table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, classify("select from "+table, err)
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify("scan "+table, err)
		}
		row := make(Row, len(names))
		for i, n := range names {
			row[n] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("select from "+table, err)
	}
	return out, nil
}

func (e executor) Count(ctx context.Context, table string, where Predicate) (int, error) {
	if err := validateIdent(table); err != nil {
		return 0, err
	}
	clause, args := where.sql()
	rows, err := e.q.QueryContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)+clause, args...)
	if err != nil {
		return 0, classify("count "+table, err)
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, classify("count "+table, err)
		}
	}
	return n, classify("count "+table, rows.Err())
}

func (e executor) Exists(ctx context.Context, table string, where Predicate) (bool, error) {
	if err := validateIdent(table); err != nil {
		return false, err
	}
	clause, args := where.sql()
	rows, err := e.q.QueryContext(ctx, "SELECT 1 FROM "+quoteIdent(table)+clause+" LIMIT 1", args...)
	if err != nil {
		return false, classify("exists "+table, err)
	}
	defer rows.Close()

	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, classify("exists "+table, err)
	}
	return found, nil
}

func (e executor) Upsert(ctx context.Context, table string, row Row, conflictColumn string) error {
	if err := validateIdent(table); err != nil {
		return err
	}
	if err := validateIdent(conflictColumn); err != nil {
		return err
	}
	cols, args, err := splitRow(row)
	if err != nil {
		return err
	}

	var sets []string
	for _, c := range cols {
		if c == conflictColumn {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c)))
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) %s",
		quoteIdent(table), joinIdents(cols), placeholders(len(cols)), quoteIdent(conflictColumn), action)

	if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
		return classify("upsert into "+table, err)
	}
	return nil
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateIdent(name string) error {
	if !identPattern.MatchString(name) {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid identifier %q", name)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// splitRow returns the row's columns in sorted order with normalized values.
func splitRow(row Row) ([]string, []interface{}, error) {
	if len(row) == 0 {
		return nil, nil, apperrors.New(apperrors.ErrInvalid, "row has no columns")
	}
	cols := make([]string, 0, len(row))
	for c := range row {
		if err := validateIdent(c); err != nil {
			return nil, nil, err
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]interface{}, len(cols))
	for i, c := range cols {
		args[i] = normalize(row[c])
	}
	return cols, args, nil
}

// normalize maps Go values onto SQLite storage classes: booleans become
// 0/1 and times become unix milliseconds.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		if x.IsZero() {
			return int64(0)
		}
		return x.UnixMilli()
	case *time.Time:
		if x == nil {
			return nil
		}
		return normalize(*x)
	default:
		return v
	}
}

// classify wraps a driver error as a typed StorageError. Constraint
// violations carry CONSTRAINT_VIOLATION, everything else DATABASE_ERROR.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if stderrors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return apperrors.Wrap(apperrors.ErrConstraint, "constraint violation on "+op, err)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, "failed to "+op, err)
}

// IsConstraint reports whether err is a constraint violation.
func IsConstraint(err error) bool {
	return apperrors.Is(err, apperrors.ErrConstraint)
}
