package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"testing"
)

// fakeQuery answers one query with scripted rows.
type fakeQuery func(query string, args []driver.NamedValue) (driver.Rows, error)

type fakeConnector struct {
	mu      sync.Mutex
	handler fakeQuery
	queries []string
	args    [][]driver.NamedValue
}

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) { return &fakeConn{c: c}, nil }
func (c *fakeConnector) Driver() driver.Driver                        { return fakeDriver{} }

func (c *fakeConnector) last() (string, []driver.NamedValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queries) == 0 {
		return "", nil
	}
	return c.queries[len(c.queries)-1], c.args[len(c.args)-1]
}

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("fake driver needs a connector")
}

type fakeConn struct {
	c *fakeConnector
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (c *fakeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.c.mu.Lock()
	c.c.queries = append(c.c.queries, query)
	c.c.args = append(c.c.args, args)
	h := c.c.handler
	c.c.mu.Unlock()
	return h(query, args)
}

type fakeRows struct {
	cols []string
	data [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}

func openFake(t *testing.T, h fakeQuery) (*repository, *fakeConnector) {
	t.Helper()
	c := &fakeConnector{handler: h}
	db := sql.OpenDB(c)
	t.Cleanup(func() { _ = db.Close() })
	return &repository{db: db}, c
}
