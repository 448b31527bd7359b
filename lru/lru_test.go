package lru

import "testing"

func TestAccessedEvictsOverBudget(t *testing.T) {
	l := New(300, 0) // single shard, 300 byte budget

	if victims := l.Accessed(1, 100); len(victims) != 0 {
		t.Fatalf("expected no eviction under budget, got %v", victims)
	}
	l.Accessed(2, 100)
	l.Accessed(3, 100)

	// shard now at exactly 300/300; a 4th page should evict the LRU one (pid 1)
	victims := l.Accessed(4, 100)
	if len(victims) != 1 || victims[0] != 1 {
		t.Fatalf("expected pid 1 evicted as least recently used, got %v", victims)
	}
}

func TestAccessedRefreshesRecency(t *testing.T) {
	l := New(200, 0)
	l.Accessed(1, 100)
	l.Accessed(2, 100)
	// touch pid 1 again so pid 2 becomes the LRU victim instead
	l.Accessed(1, 100)

	victims := l.Accessed(3, 100)
	if len(victims) != 1 || victims[0] != 2 {
		t.Fatalf("expected pid 2 evicted after pid 1 was refreshed, got %v", victims)
	}
}

func TestShardingByLowBits(t *testing.T) {
	l := New(800, 2) // 4 shards, 200 bytes each
	// pids 0 and 4 share shard 0 under a 4-shard mask
	l.Accessed(0, 200)
	victims := l.Accessed(4, 200)
	if len(victims) != 1 || victims[0] != 0 {
		t.Fatalf("expected same-shard pages to contend for the same budget, got %v", victims)
	}

	// pid 1 lives in a different shard and should not be affected
	if victims := l.Accessed(1, 50); len(victims) != 0 {
		t.Fatalf("expected unrelated shard to be unaffected, got %v", victims)
	}
}

func TestHitRatio(t *testing.T) {
	l := New(100, 0)
	if l.HitRatio() != 0 {
		t.Fatalf("expected zero ratio with no samples")
	}
	l.Hit()
	l.Hit()
	l.Miss()
	if got := l.HitRatio(); got < 0.66 || got > 0.67 {
		t.Fatalf("expected ~0.667 hit ratio, got %f", got)
	}
}
