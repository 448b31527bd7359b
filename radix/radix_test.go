package radix

import (
	"testing"

	"github.com/emberkv/ember/fragstack"
)

func TestInsertGetDel(t *testing.T) {
	tbl := New[string]()

	if tbl.Get(42) != nil {
		t.Fatalf("expected absent page to return nil")
	}

	s := &fragstack.Stack[string]{}
	if err := tbl.Insert(42, s); err != nil {
		t.Fatalf("unexpected error inserting: %v", err)
	}
	if tbl.Get(42) != s {
		t.Fatalf("expected Get to return the inserted stack")
	}
	if !tbl.Has(42) {
		t.Fatalf("expected Has to report true after insert")
	}

	if err := tbl.Insert(42, s); err != ErrExists {
		t.Fatalf("expected ErrExists on duplicate insert, got %v", err)
	}

	removed := tbl.Del(42)
	if removed != s {
		t.Fatalf("expected Del to return the removed stack")
	}
	if tbl.Get(42) != nil {
		t.Fatalf("expected page to be absent after Del")
	}
	if tbl.Del(42) != nil {
		t.Fatalf("expected second Del to be a no-op")
	}
}

func TestPageIDReuseAfterFree(t *testing.T) {
	tbl := New[string]()
	s1 := &fragstack.Stack[string]{}
	_ = tbl.Insert(7, s1)
	tbl.Del(7)

	s2 := &fragstack.Stack[string]{}
	if err := tbl.Insert(7, s2); err != nil {
		t.Fatalf("expected reinsert of freed id to succeed, got %v", err)
	}
	if tbl.Get(7) != s2 {
		t.Fatalf("expected reinserted stack to be visible")
	}
}

func TestDensePageIDsShareTriePrefixes(t *testing.T) {
	tbl := New[int]()
	for pid := uint64(0); pid < 256; pid++ {
		if err := tbl.Insert(pid, &fragstack.Stack[int]{}); err != nil {
			t.Fatalf("insert %d: %v", pid, err)
		}
	}
	for pid := uint64(0); pid < 256; pid++ {
		if tbl.Get(pid) == nil {
			t.Fatalf("expected page %d to be present", pid)
		}
	}
}
