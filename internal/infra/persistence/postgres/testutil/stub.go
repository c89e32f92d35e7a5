// Package testutil provides a recording stub database for postgres store tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Statement is one recorded exec or query.
type Statement struct {
	Query string
	Args  []any
}

// StubConn records every statement the store sends. Queries answer from
// Rows, keyed by the lower-cased query prefix up to FROM; unknown queries
// return no rows.
type StubConn struct {
	mu         sync.Mutex
	Execs      []Statement
	Queries    []Statement
	Rows       map[string][][]driver.Value
	Affected   int64
	FailPing   bool
	FailExec   bool
	FailBegin  bool
	FailCommit bool
	Commits    int
	Rollbacks  int
	// TxOptions records the options of every transaction begun.
	TxOptions []driver.TxOptions
}

var stubSeq atomic.Int64

// NewStubDB registers a fresh driver and returns a sql.DB backed by it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Rows: make(map[string][][]driver.Value), Affected: 1}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// ExecContaining returns the recorded execs whose query contains fragment.
func (c *StubConn) ExecContaining(fragment string) []Statement {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Statement
	for _, st := range c.Execs {
		if strings.Contains(st.Query, fragment) {
			out = append(out, st)
		}
	}
	return out
}

type stubDriver struct{ conn *StubConn }

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return errors.New("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, errors.New("begin fail")
	}
	c.mu.Lock()
	c.TxOptions = append(c.TxOptions, opts)
	c.mu.Unlock()
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, Statement{Query: query, Args: values(args)})
	if c.FailExec {
		return nil, errors.New("exec fail")
	}
	return driver.RowsAffected(c.Affected), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Queries = append(c.Queries, Statement{Query: query, Args: values(args)})
	key := queryKey(query)
	rows := c.Rows[key]
	cols := columns(query)
	return &stubRows{cols: cols, rows: rows}, nil
}

func values(args []driver.NamedValue) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

func queryKey(query string) string {
	lower := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if idx := strings.Index(lower, " where "); idx >= 0 {
		return lower[:idx]
	}
	if idx := strings.Index(lower, " order by "); idx >= 0 {
		return lower[:idx]
	}
	return lower
}

func columns(query string) []string {
	lower := strings.ToLower(query)
	start := strings.Index(lower, "select ")
	end := strings.Index(lower, " from ")
	if start < 0 || end < 0 || end < start {
		return nil
	}
	parts := strings.Split(query[start+len("select "):end], ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

type stubTx struct{ conn *StubConn }

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.FailCommit {
		return errors.New("commit fail")
	}
	t.conn.Commits++
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	t.conn.Rollbacks++
	t.conn.mu.Unlock()
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
