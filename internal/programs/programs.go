// Package programs is the out-of-scope collaborator spec.md §1 calls
// "the statically linked table of user 'programs' (name → entry
// address)". execv (C7) resolves a filename against this table and
// fails with NotFound if no match exists; what actually runs once
// control reaches an entry address is unmodeled machine code and is
// not this package's concern.
package programs

import "errors"

// ErrNotFound is returned by Lookup when no program is registered under
// the given name.
var ErrNotFound = errors.New("programs: not found")

// Program is one entry in the static table.
type Program struct {
	Name  string
	Entry uint64
}

// Table is a static, immutable-after-construction name→entry-point
// table, built once at boot the way the teacher's exec() closure in
// main() resolves a fixed set of binaries (main.go "exec(\"bin/init\",
// nil)").
type Table struct {
	byName map[string]Program
}

// NewTable builds a table from the given programs. Registration is not
// safe for concurrent use; callers build the table once at boot before
// any process can execv.
func NewTable(progs ...Program) *Table {
	t := &Table{byName: make(map[string]Program, len(progs))}
	for _, p := range progs {
		t.byName[p.Name] = p
	}
	return t
}

// Lookup resolves filename to its entry address.
func (t *Table) Lookup(filename string) (Program, error) {
	p, ok := t.byName[filename]
	if !ok {
		return Program{}, ErrNotFound
	}
	return p, nil
}
