// Package disk maps page identities and per-table metadata onto the
// filesystem. It owns no in-memory page cache; it only knows how to
// read and write exactly config.PageSize bytes for a given page id,
// and how to persist a table's metadata blob.
package disk

import (
	"fmt"
	"os"
	"path/filepath"

	"lstore/config"
)

// PageID identifies a single physical page: which table it belongs
// to, whether it is a base or tail page, which user/metadata column,
// which page range, and which page within that range/column.
type PageID struct {
	Table  string
	IsTail bool
	Column int
	Range  int
	Page   int
}

func (id PageID) filename() string {
	kind := "base"
	if id.IsTail {
		kind = "tail"
	}
	return fmt.Sprintf("%s_%d_%d_%d.bin", kind, id.Column, id.Range, id.Page)
}

// Manager reads and writes whole pages under root/tables/<name>/, and
// the single meta.json blob per table.
type Manager struct {
	root string
}

// NewManager creates (if needed) the root directory and its "tables"
// subdirectory and returns a Manager rooted there.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, "tables"), 0o755); err != nil {
		return nil, err
	}
	return &Manager{root: abs}, nil
}

// TableDir returns the directory holding a table's page files and
// metadata blob.
func (m *Manager) TableDir(table string) string {
	return filepath.Join(m.root, "tables", table)
}

// PagePath returns the on-disk path for a page id:
// base_<col>_<range>_<page>.bin or tail_<col>_<range>_<page>.bin.
func (m *Manager) PagePath(id PageID) string {
	return filepath.Join(m.TableDir(id.Table), id.filename())
}

// ReadPage reads exactly config.PageSize bytes for id. A page that
// has never been written reads back as a zero-filled buffer, as on
// first access of a newly allocated page.
func (m *Manager) ReadPage(id PageID) ([]byte, error) {
	path := m.PagePath(id)
	buf := make([]byte, config.PageSize)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return buf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("disk: read page %+v: %w", id, err)
	}

	n := len(data)
	if n > config.PageSize {
		n = config.PageSize
	}
	copy(buf, data[:n])
	return buf, nil
}

// ListTables returns the names of every table with a directory under
// root/tables/, in the order os.ReadDir returns them.
func (m *Manager) ListTables() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, "tables"))
	if err != nil {
		return nil, fmt.Errorf("disk: list tables: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// DropTableDir removes a table's entire on-disk directory, pages and
// metadata blob alike.
func (m *Manager) DropTableDir(table string) error {
	if err := os.RemoveAll(m.TableDir(table)); err != nil {
		return fmt.Errorf("disk: drop table %q: %w", table, err)
	}
	return nil
}

// WritePage writes exactly config.PageSize bytes for id, creating the
// table directory if necessary.
func (m *Manager) WritePage(id PageID, buf []byte) error {
	dir := m.TableDir(id.Table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("disk: write page %+v: %w", id, err)
	}

	if len(buf) != config.PageSize {
		return fmt.Errorf("disk: write page %+v: expected %d bytes, got %d", id, config.PageSize, len(buf))
	}

	path := m.PagePath(id)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("disk: write page %+v: %w", id, err)
	}
	return nil
}
