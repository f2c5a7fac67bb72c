// Package sqlpool provides a bounded pool of dedicated database connections.
//
// The pool checks out size connections from one *sql.DB up front and parks
// them in a buffered channel. The channel is both the free queue and the
// counting semaphore: Acquire blocks while it is empty, Release hands the
// connection back. free + in-use always equals the configured size.
package sqlpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// ErrExhausted is returned by TryAcquire when no connection is free.
var ErrExhausted = errors.New("sqlpool: no free connection")

type Pool struct {
	db   *sql.DB
	free chan *sql.Conn
	size int
}

// New opens the database and checks out size dedicated connections.
func New(host string, port int, user, password, dbName string, size int) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", user, password, host, port, dbName)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)

	p := &Pool{db: db, free: make(chan *sql.Conn, size), size: size}
	for range size {
		conn, err := db.Conn(context.Background())
		if err != nil {
			for len(p.free) > 0 {
				(<-p.free).Close()
			}
			db.Close()
			return nil, err
		}
		p.free <- conn
	}
	return p, nil
}

// Acquire blocks until a connection is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	select {
	case c := <-p.free:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire returns a free connection or ErrExhausted without blocking.
func (p *Pool) TryAcquire() (*sql.Conn, error) {
	select {
	case c := <-p.free:
		return c, nil
	default:
		return nil, ErrExhausted
	}
}

// Release returns a connection obtained from Acquire or TryAcquire.
func (p *Pool) Release(c *sql.Conn) {
	if c == nil {
		return
	}
	p.free <- c
}

// With runs f with a pooled connection and releases it on every exit path,
// including a panic in f.
func (p *Pool) With(ctx context.Context, f func(*sql.Conn) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return f(c)
}

// FreeCount returns the number of idle connections.
func (p *Pool) FreeCount() int { return len(p.free) }

// Size returns the configured pool size.
func (p *Pool) Size() int { return p.size }

// Close waits for every connection to come back, closes them, then closes
// the database.
func (p *Pool) Close() error {
	var first error
	for range p.size {
		c := <-p.free
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := p.db.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
