package fragstack

import "testing"

func TestStackPushOrder(t *testing.T) {
	var s Stack[string]
	s.Push(Entry[string]{Kind: Flush, Lsn: 1, Lid: 1})
	s.Push(Entry[string]{Kind: PartialFlush, Lsn: 2, Lid: 2})
	h := s.Push(Entry[string]{Kind: Resident, Frag: "c", Lsn: 3, Lid: 3})

	entries := Entries(h)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Lsn != 3 || entries[1].Lsn != 2 || entries[2].Lsn != 1 {
		t.Fatalf("expected strictly decreasing lsn top to bottom, got %+v", entries)
	}
}

func TestCasPushSucceedsOnMatchingHead(t *testing.T) {
	var s Stack[string]
	h0 := s.Push(Entry[string]{Kind: Resident, Frag: "a", Lsn: 1})

	h1, ok := s.CasPush(h0, Entry[string]{Kind: Resident, Frag: "b", Lsn: 2})
	if !ok {
		t.Fatalf("expected CasPush to succeed against current head")
	}
	if s.Head() != h1 {
		t.Fatalf("stack head not updated to new node")
	}
}

func TestCasPushFailsOnStaleHead(t *testing.T) {
	var s Stack[string]
	h0 := s.Push(Entry[string]{Kind: Resident, Frag: "a", Lsn: 1})
	s.Push(Entry[string]{Kind: Resident, Frag: "b", Lsn: 2})

	observed, ok := s.CasPush(h0, Entry[string]{Kind: Resident, Frag: "c", Lsn: 3})
	if ok {
		t.Fatalf("expected CasPush against stale head to fail")
	}
	if observed != s.Head() {
		t.Fatalf("expected the observed head returned on conflict to equal the real head")
	}
}

func TestCasWholeChainReplace(t *testing.T) {
	var s Stack[string]
	h0 := s.Push(Entry[string]{Kind: Resident, Frag: "a", Lsn: 1})
	s.Push(Entry[string]{Kind: Resident, Frag: "b", Lsn: 2})
	head := s.Head()

	replacement := Chain([]Entry[string]{{Kind: MergedResident, Frag: "ab", Lsn: 3}})
	newHead, ok := s.Cas(head, replacement)
	if !ok {
		t.Fatalf("expected whole-chain cas to succeed")
	}
	if len(Entries(newHead)) != 1 {
		t.Fatalf("expected single merged entry after replace")
	}

	// stale cas against the pre-replace head (and even h0) must fail
	if _, ok := s.Cas(h0, Chain([]Entry[string]{{Kind: Flush, Lsn: 0}})); ok {
		t.Fatalf("expected cas against stale head to fail")
	}
}
