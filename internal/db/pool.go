// Package db opens the dispatcher's SQLite database as a writer/reader pair.
package db

import "github.com/jmoiron/sqlx"

// Pool provides separate read and write database connections.
//
// With WAL mode, this enables concurrent reads while serializing writes
// through a single connection. The writer pool uses MaxOpenConns(1) to avoid
// SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. Limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. Opens multiple
// read-only connections that operate concurrently with the writer via WAL
// snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if rErr := p.reader.Close(); rErr != nil && wErr == nil {
		return rErr
	}
	return wErr
}
