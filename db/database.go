// Package db is the top-level facade: it owns the disk manager,
// buffer pool, and lock manager shared by every table, and persists
// and restores each table's metadata across a clean close/open cycle.
package db

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"lstore/buffer"
	"lstore/config"
	"lstore/disk"
	"lstore/lock"
	"lstore/table"
)

// ErrTableExists is returned by CreateTable when name is already in
// use.
var ErrTableExists = errors.New("db: table already exists")

// ErrTableNotFound is returned by GetTable and DropTable when name
// has no table.
var ErrTableNotFound = errors.New("db: table not found")

// Database is the entry point for opening, creating, and dropping
// tables against a single on-disk directory.
type Database struct {
	mu             sync.Mutex
	path           string
	disk           *disk.Manager
	pool           *buffer.Pool
	Locks          *lock.Manager
	tables         map[string]*table.Table
	logger         *zap.Logger
	bufferCapacity int
}

// Option configures Open.
type Option func(*Database)

// WithBufferPoolCapacity overrides config.BufferPoolCapacity.
func WithBufferPoolCapacity(n int) Option {
	return func(d *Database) { d.bufferCapacity = n }
}

// WithLogger overrides the nop default logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Database) { d.logger = logger }
}

// Open opens (creating if necessary) a database rooted at path,
// restoring every table whose metadata blob is found on disk.
func Open(path string, opts ...Option) (*Database, error) {
	d := &Database{
		path:   path,
		tables: make(map[string]*table.Table),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	dm, err := disk.NewManager(path)
	if err != nil {
		return nil, fmt.Errorf("db: open %q: %w", path, err)
	}
	d.disk = dm

	capacity := d.bufferCapacity
	if capacity == 0 {
		capacity = config.BufferPoolCapacity
	}
	d.pool = buffer.NewPool(dm, capacity, d.logger)
	d.Locks = lock.NewManager()

	names, err := dm.ListTables()
	if err != nil {
		return nil, fmt.Errorf("db: open %q: %w", path, err)
	}
	for _, name := range names {
		meta, err := dm.ReadMeta(name)
		if err != nil {
			return nil, fmt.Errorf("db: open %q: %w", path, err)
		}
		if meta == nil {
			continue
		}
		tb := table.Restore(name, meta, d.pool, d.logger)
		tb.StartMergeThread()
		d.tables[name] = tb
	}

	return d, nil
}

// CreateTable creates a new empty table. numColumns is the number of
// user-visible columns; keyIndex names the primary key column.
func (d *Database) CreateTable(name string, numColumns, keyIndex int) (*table.Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tables[name]; exists {
		return nil, ErrTableExists
	}

	tb := table.New(name, numColumns, keyIndex, d.pool, d.logger)
	tb.CreateIndex(keyIndex)
	tb.StartMergeThread()
	d.tables[name] = tb
	return tb, nil
}

// GetTable returns the named table.
func (d *Database) GetTable(name string) (*table.Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tb, ok := d.tables[name]
	if !ok {
		return nil, ErrTableNotFound
	}
	return tb, nil
}

// DropTable stops the table's background merge thread, evicts its
// pages from the buffer pool without flushing them, and removes its
// on-disk directory.
func (d *Database) DropTable(name string) error {
	d.mu.Lock()
	tb, ok := d.tables[name]
	if !ok {
		d.mu.Unlock()
		return ErrTableNotFound
	}
	delete(d.tables, name)
	d.mu.Unlock()

	tb.StopMergeThread()
	d.pool.DropTable(name)
	return d.disk.DropTableDir(name)
}

// Close stops every table's background merge thread, flushes every
// dirty page, and persists each table's metadata. It does not close
// the Database object for reuse; a fresh Open is required afterward.
func (d *Database) Close() error {
	d.mu.Lock()
	tables := make([]*table.Table, 0, len(d.tables))
	for _, tb := range d.tables {
		tables = append(tables, tb)
	}
	d.mu.Unlock()

	for _, tb := range tables {
		tb.StopMergeThread()
	}

	if err := d.pool.FlushAll(); err != nil {
		return fmt.Errorf("db: close: %w", err)
	}

	for _, tb := range tables {
		if err := d.disk.WriteMeta(tb.Name, tb.Snapshot()); err != nil {
			return fmt.Errorf("db: close: %w", err)
		}
	}
	return nil
}
