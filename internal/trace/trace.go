// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package trace records every command completed by the dispatcher into a
// SQLite database for offline latency analysis.
package trace

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	// SQLite driver for database/sql.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"github.com/tebeka/atexit"
)

const DefaultBatchSize = 4096

var ErrExists = errors.New("trace database already exists")

// Entry is one completed command. Times are in nanoseconds since the epoch.
type Entry struct {
	Session     string
	ID          uint32
	Command     string
	Lba         uint64
	SectorCount uint32
	Status      string
	Start       int64
	End         int64
}

// Recorder consumes completed commands. It is called concurrently from all
// dispatcher workers.
type Recorder interface {
	Record(e Entry)
}

// SQLiteRecorder buffers entries and writes them in batches, each batch in
// one transaction.
type SQLiteRecorder struct {
	db        *sql.DB
	insert    *sql.Stmt
	path      string
	batchSize int

	lock    sync.Mutex
	pending []Entry
	closed  bool
}

// NewSQLiteRecorder creates a fresh database at path. An empty path gets a
// unique name in the working directory. The buffer is flushed at process exit
// through atexit.
func NewSQLiteRecorder(path string, batchSize int) (*SQLiteRecorder, error) {
	if path == "" {
		path = "ssdsim_trace_" + xid.New().String() + ".sqlite3"
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table trace
		(
			session    varchar(32) not null,
			id         integer     not null,
			command    varchar(16) not null,
			lba        integer     not null,
			count      integer     not null,
			status     varchar(32) not null,
			start_time integer     not null,
			end_time   integer     not null
		);
		create index trace_command_index on trace (command);
		create index trace_start_time_index on trace (start_time);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating trace table: %w", err)
	}

	insert, err := db.Prepare(`INSERT INTO trace VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	r := &SQLiteRecorder{
		db:        db,
		insert:    insert,
		path:      path,
		batchSize: batchSize,
	}

	atexit.Register(func() {
		if err := r.Close(); err != nil {
			log.Error().Err(err).Str("path", path).Msg("Flushing trace failed.")
		}
	})

	log.Info().Str("path", path).Msg("Command trace is collected.")

	return r, nil
}

func (r *SQLiteRecorder) Path() string {
	return r.path
}

func (r *SQLiteRecorder) Record(e Entry) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return
	}

	r.pending = append(r.pending, e)
	if len(r.pending) < r.batchSize {
		return
	}

	if err := r.flush(); err != nil {
		log.Error().Err(err).Str("path", r.path).Msg("Writing trace batch failed.")
	}
}

// Flush writes all buffered entries.
func (r *SQLiteRecorder) Flush() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil
	}

	return r.flush()
}

// Close flushes and closes the database. It may be called more than once.
func (r *SQLiteRecorder) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil
	}

	err := r.flush()
	r.closed = true
	r.insert.Close()

	return errors.Join(err, r.db.Close())
}

// Caller holds the lock.
func (r *SQLiteRecorder) flush() error {
	if len(r.pending) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	stmt := tx.Stmt(r.insert)
	for _, e := range r.pending {
		_, err := stmt.Exec(e.Session, e.ID, e.Command, e.Lba, e.SectorCount, e.Status, e.Start, e.End)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting command %d: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	r.pending = r.pending[:0]

	return nil
}

// ReadAll returns all entries stored in the database at path ordered by start
// time.
func ReadAll(path string) ([]Entry, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT session, id, command, lba, count, status, start_time, end_time
		FROM trace
		ORDER BY start_time, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(&e.Session, &e.ID, &e.Command, &e.Lba, &e.SectorCount, &e.Status, &e.Start, &e.End)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
