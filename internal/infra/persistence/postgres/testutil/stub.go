// Package testutil fakes the Postgres side of the catalog store. The stub
// driver understands exactly the statements the store issues against the
// listings table, keyed by endpoint.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
)

// Statement kinds recognised by the stub, also used as Fail keys.
const (
	OpPing   = "ping"
	OpDDL    = "ddl"
	OpSelect = "select"
	OpUpsert = "upsert"
	OpDelete = "delete"
	OpBegin  = "begin"
	OpCommit = "commit"
)

// Conn is the single connection behind a stub sql.DB.
type Conn struct {
	// Listings maps endpoint to the stored payload.
	Listings map[string][]byte
	// Fail makes the named operation return its error.
	Fail map[string]error
	// RowsErr is returned once the select rows are exhausted.
	RowsErr error
	// Statements records every executed statement kind in order.
	Statements []string
}

var seq atomic.Int64

// NewStubDB registers a fresh stub driver and opens a sql.DB on it.
func NewStubDB() (*sql.DB, *Conn) {
	conn := &Conn{Listings: map[string][]byte{}, Fail: map[string]error{}}
	name := fmt.Sprintf("modos-stub-pg-%d", seq.Add(1))
	sql.Register(name, stubDriver{conn})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	return db, conn
}

type stubDriver struct{ conn *Conn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

func (c *Conn) failure(op string) error {
	c.Statements = append(c.Statements, op)
	return c.Fail[op]
}

// classify maps a statement onto its kind.
func classify(query string) (string, error) {
	q := strings.ToUpper(strings.Join(strings.Fields(query), " "))
	switch {
	case strings.HasPrefix(q, "CREATE TABLE IF NOT EXISTS LISTINGS"):
		return OpDDL, nil
	case strings.HasPrefix(q, "SELECT ENDPOINT, PAYLOAD FROM LISTINGS"):
		return OpSelect, nil
	case strings.HasPrefix(q, "INSERT INTO LISTINGS(ENDPOINT,PAYLOAD)") && strings.Contains(q, "ON CONFLICT(ENDPOINT)"):
		return OpUpsert, nil
	case strings.HasPrefix(q, "DELETE FROM LISTINGS WHERE ENDPOINT = $1"):
		return OpDelete, nil
	}
	return "", fmt.Errorf("stub: unsupported statement %q", query)
}

// Prepare implements driver.Conn; the store never prepares statements.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("stub: prepare %q", query)
}

// Close implements driver.Conn.
func (c *Conn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx.
func (c *Conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if err := c.failure(OpBegin); err != nil {
		return nil, err
	}
	return stubTx{c}, nil
}

// Ping implements driver.Pinger.
func (c *Conn) Ping(context.Context) error { return c.failure(OpPing) }

// ExecContext implements driver.ExecerContext.
func (c *Conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := classify(query)
	if err != nil {
		return nil, err
	}
	if err := c.failure(op); err != nil {
		return nil, err
	}
	switch op {
	case OpUpsert:
		if len(args) != 2 {
			return nil, fmt.Errorf("stub: upsert wants 2 args, got %d", len(args))
		}
		endpoint, _ := args[0].Value.(string)
		payload, _ := args[1].Value.([]byte)
		c.Listings[endpoint] = append([]byte(nil), payload...)
		return driver.RowsAffected(1), nil
	case OpDelete:
		if len(args) != 1 {
			return nil, fmt.Errorf("stub: delete wants 1 arg, got %d", len(args))
		}
		endpoint, _ := args[0].Value.(string)
		if _, ok := c.Listings[endpoint]; !ok {
			return driver.RowsAffected(0), nil
		}
		delete(c.Listings, endpoint)
		return driver.RowsAffected(1), nil
	case OpDDL:
		return driver.RowsAffected(0), nil
	}
	return nil, fmt.Errorf("stub: %s is a query", op)
}

// QueryContext implements driver.QueryerContext.
func (c *Conn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := classify(query)
	if err != nil {
		return nil, err
	}
	if op != OpSelect {
		return nil, fmt.Errorf("stub: %s is not a query", op)
	}
	if err := c.failure(op); err != nil {
		return nil, err
	}
	endpoints := make([]string, 0, len(c.Listings))
	for e := range c.Listings {
		endpoints = append(endpoints, e)
	}
	sort.Strings(endpoints)
	return &rows{conn: c, endpoints: endpoints}, nil
}

type stubTx struct{ conn *Conn }

func (t stubTx) Commit() error   { return t.conn.failure(OpCommit) }
func (t stubTx) Rollback() error { return nil }

type rows struct {
	conn      *Conn
	endpoints []string
	next      int
}

func (r *rows) Columns() []string { return []string{"endpoint", "payload"} }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.next >= len(r.endpoints) {
		if r.conn.RowsErr != nil {
			return r.conn.RowsErr
		}
		return io.EOF
	}
	e := r.endpoints[r.next]
	r.next++
	dest[0], dest[1] = e, r.conn.Listings[e]
	return nil
}
