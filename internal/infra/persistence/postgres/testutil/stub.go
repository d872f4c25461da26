// Package testutil provides a stub database/sql driver for postgres store tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StubConn records statements and keeps inserted rows per table. It understands
// the statement shapes the result store issues: INSERT INTO t (cols) VALUES,
// and SELECT cols FROM t [WHERE col = $n] [ORDER BY col DESC[, ...]] [LIMIT $n].
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Tables     map[string][]map[string]any
	FailExec   bool
	FailPing   bool
	RowsErr    error
	FailTables map[string]bool
}

var stubSeq atomic.Int64

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]map[string]any)}
	name := fmt.Sprintf("stubpg%d-%d", time.Now().UnixNano(), stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Rows returns a copy of the rows stored for table.
func (c *StubConn) Rows(table string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.Tables[table]))
	copy(out, c.Tables[table])
	return out
}

// Statements returns a copy of every executed statement.
func (c *StubConn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Execs...)
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) { return stubTx{}, nil }

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT INTO") {
		return driver.RowsAffected(0), nil
	}
	table, cols, err := parseInsert(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables[table] {
		return nil, fmt.Errorf("exec fail for %s", table)
	}
	if len(cols) != len(args) {
		return nil, fmt.Errorf("column/arg mismatch for %s: %d columns, %d args", table, len(cols), len(args))
	}
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	primary := cols[0]
	for _, existing := range c.Tables[table] {
		if existing[primary] == row[primary] {
			return nil, fmt.Errorf("duplicate key value violates unique constraint on %s.%s", table, primary)
		}
	}
	c.Tables[table] = append(c.Tables[table], row)
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sel, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables[sel.table] {
		return nil, fmt.Errorf("query fail for %s", sel.table)
	}
	var tableRows []map[string]any
	for _, row := range c.Tables[sel.table] {
		if sel.whereArg > 0 && (sel.whereArg > len(args) || row[sel.whereCol] != args[sel.whereArg-1].Value) {
			continue
		}
		tableRows = append(tableRows, row)
	}
	if len(sel.orderDesc) > 0 {
		sort.SliceStable(tableRows, func(i, j int) bool {
			for _, col := range sel.orderDesc {
				if cmp := compareValues(tableRows[i][col], tableRows[j][col]); cmp != 0 {
					return cmp > 0
				}
			}
			return false
		})
	}
	if sel.limitArg > 0 && sel.limitArg <= len(args) {
		if n, ok := asInt(args[sel.limitArg-1].Value); ok && n < len(tableRows) {
			tableRows = tableRows[:n]
		}
	}
	values := make([][]driver.Value, 0, len(tableRows))
	for _, row := range tableRows {
		vals := make([]driver.Value, len(sel.cols))
		for i, col := range sel.cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{cols: sel.cols, rows: values, err: c.RowsErr}, nil
}

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func parseInsert(query string) (string, []string, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:open]))
	cols := splitColumns(rest[open+1 : closeIdx])
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	return table, cols, nil
}

type selectStmt struct {
	table     string
	cols      []string
	whereCol  string
	whereArg  int
	orderDesc []string
	limitArg  int
}

func parseSelect(query string) (selectStmt, error) {
	lower := strings.ToLower(strings.TrimSpace(query))
	if !strings.HasPrefix(lower, "select ") {
		return selectStmt{}, fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, " from ")
	if fromIdx == -1 {
		return selectStmt{}, fmt.Errorf("cannot parse select: %s", query)
	}
	sel := selectStmt{cols: splitColumns(lower[len("select "):fromIdx])}
	rest := strings.Fields(lower[fromIdx+len(" from "):])
	if len(rest) == 0 {
		return selectStmt{}, fmt.Errorf("cannot parse select: %s", query)
	}
	sel.table = rest[0]
	tail := strings.Join(rest[1:], " ")
	if idx := strings.Index(tail, "limit $"); idx >= 0 {
		n, err := strconv.Atoi(strings.TrimSpace(tail[idx+len("limit $"):]))
		if err != nil {
			return selectStmt{}, fmt.Errorf("cannot parse limit: %s", query)
		}
		sel.limitArg = n
		tail = tail[:idx]
	}
	if idx := strings.Index(tail, "order by "); idx >= 0 {
		for _, term := range strings.Split(tail[idx+len("order by "):], ",") {
			f := strings.Fields(term)
			if len(f) == 2 && f[1] == "desc" {
				sel.orderDesc = append(sel.orderDesc, f[0])
			}
		}
		tail = tail[:idx]
	}
	if idx := strings.Index(tail, "where "); idx >= 0 {
		f := strings.Fields(tail[idx+len("where "):])
		if len(f) != 3 || f[1] != "=" || !strings.HasPrefix(f[2], "$") {
			return selectStmt{}, fmt.Errorf("cannot parse where: %s", query)
		}
		n, err := strconv.Atoi(f[2][1:])
		if err != nil {
			return selectStmt{}, fmt.Errorf("cannot parse where: %s", query)
		}
		sel.whereCol, sel.whereArg = f[0], n
	}
	return sel, nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if col := strings.ToLower(strings.TrimSpace(part)); col != "" {
			out = append(out, col)
		}
	}
	return out
}

func compareValues(a, b any) int {
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case int64:
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	return 0
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
