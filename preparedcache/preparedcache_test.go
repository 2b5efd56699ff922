package preparedcache

import (
	"crypto/md5"
	"testing"

	"github.com/mevdschee/cqlproxy/parser"
)

func TestInsertAndLookup(t *testing.T) {
	c := New()
	stmt, ok := parser.Parse("SELECT * FROM system.local")
	if !ok {
		t.Fatal("parse failed")
	}
	e := c.Insert("SELECT * FROM system.local", stmt)
	sum := md5.Sum([]byte("SELECT * FROM system.local"))
	if e.ID != ID(sum) {
		t.Errorf("got id %x, want %x", e.ID, sum)
	}
	got := c.Lookup(e.ID[:])
	if got == nil || got.Query != e.Query {
		t.Fatalf("lookup failed: %+v", got)
	}
}

func TestLookupMiss(t *testing.T) {
	c := New()
	id := make([]byte, 16)
	if got := c.Lookup(id); got != nil {
		t.Errorf("expected miss, got %+v", got)
	}
}

func TestLookupWrongLengthAlwaysMiss(t *testing.T) {
	c := New()
	stmt, _ := parser.Parse("SELECT * FROM system.local")
	c.Insert("SELECT * FROM system.local", stmt)
	if got := c.Lookup([]byte{1, 2, 3}); got != nil {
		t.Errorf("expected nil for non-16-byte id, got %+v", got)
	}
}

func TestInsertCollisionReplaces(t *testing.T) {
	c := New()
	stmt1, _ := parser.Parse("SELECT * FROM system.local")
	stmt2, _ := parser.Parse("SELECT * FROM system.peers")
	e1 := c.Insert("same-key-query", stmt1)
	e2 := c.Insert("same-key-query", stmt2)
	if e1.ID != e2.ID {
		t.Fatal("expected identical id for identical query text")
	}
	got := c.Lookup(e1.ID[:])
	if got.Stmt.Table != stmt2.Table {
		t.Errorf("expected replaced entry to reflect second insert, got %+v", got.Stmt)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry after collision-replace, got %d", c.Len())
	}
}
