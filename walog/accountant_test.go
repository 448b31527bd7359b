package walog

import "testing"

func TestAccountantLinkAndReplaceLifecycle(t *testing.T) {
	a := NewAccountant(1024)

	a.MarkLink(1, 0, 0)    // segment 0
	a.MarkLink(2, 10, 100) // still segment 0
	a.ActiveToInactive(0) // segment 0 seals with two live pages -> inactive

	// Clean must promote segment 0 to draining and offer one of its
	// still-live pages as a migration victim.
	pid, ok := a.Clean(nil)
	if !ok {
		t.Fatalf("expected segment 0 to be promoted for cleaning")
	}
	if pid != 1 && pid != 2 {
		t.Fatalf("expected a live page from segment 0, got %d", pid)
	}

	// Migrate both pages out; once the second one leaves, segment 0 has
	// no live pages left and should free itself without being offered
	// again.
	a.MarkReplace(1, 2000, []uint64{0}, 1024)
	a.MarkReplace(2, 2010, []uint64{0}, 1024)

	if _, ok := a.Clean(nil); ok {
		t.Fatalf("expected nothing left to clean once segment 0 is fully drained")
	}
}

func TestAccountantPauseResumeRewriting(t *testing.T) {
	a := NewAccountant(1024)
	a.MarkLink(1, 0, 0)
	a.ActiveToInactive(0)

	a.PauseRewriting()
	if _, ok := a.Clean(nil); ok {
		t.Fatalf("expected Clean to report nothing while paused")
	}
	a.ResumeRewriting()
	pid, ok := a.Clean(nil)
	if !ok || pid != 1 {
		t.Fatalf("expected Clean to resume finding the still-live segment, got pid=%d ok=%v", pid, ok)
	}
}

func TestAccountantInitializeFromSegmentsSeedsState(t *testing.T) {
	src := NewAccountant(1024)
	src.MarkLink(5, 0, 0)
	src.ActiveToInactive(0)
	records := src.Snapshot()

	dst := NewAccountant(1024)
	dst.InitializeFromSegments(records)

	if pid, ok := dst.Clean(nil); !ok || pid != 5 {
		t.Fatalf("expected seeded accountant to reproduce the same lifecycle, got pid=%d ok=%v", pid, ok)
	}
}
