// Package lru implements the cache's recency tracker: a set of
// independently-locked shards, each a size-bounded doubly-linked list
// keyed by PageID. Sharding by the low bits of the PageID keeps
// contention local the way a young/old list split keeps a buffer
// pool's contention local, but without that split's midpoint-insertion
// policy: the design here only needs "who's least recently touched",
// not scan resistance.
package lru

import (
	"container/list"
	"sync"

	uatomic "go.uber.org/atomic"
)

type entry struct {
	pid  uint64
	size uint64
}

type shard struct {
	mu       sync.Mutex
	items    map[uint64]*list.Element
	order    *list.List
	size     uint64
	capacity uint64
}

func newShard(capacity uint64) *shard {
	return &shard{
		items:    make(map[uint64]*list.Element),
		order:    list.New(),
		capacity: capacity,
	}
}

// accessed marks pid most-recently-used with the given resident size
// and returns pids whose eviction is needed to bring the shard back
// under its capacity.
func (s *shard) accessed(pid uint64, size uint64) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[pid]; ok {
		old := el.Value.(*entry)
		s.size = s.size - old.size + size
		old.size = size
		s.order.MoveToFront(el)
	} else {
		s.size += size
		s.items[pid] = s.order.PushFront(&entry{pid: pid, size: size})
	}

	var victims []uint64
	for s.size > s.capacity {
		back := s.order.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*entry)
		if victim.pid == pid {
			// don't evict the page we just touched; leave the shard
			// briefly over budget rather than evict-then-immediately-
			// reload it.
			break
		}
		s.order.Remove(back)
		delete(s.items, victim.pid)
		s.size -= victim.size
		victims = append(victims, victim.pid)
	}
	return victims
}

func (s *shard) remove(pid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[pid]; ok {
		v := el.Value.(*entry)
		s.order.Remove(el)
		delete(s.items, pid)
		s.size -= v.size
	}
}

// LRU is the sharded, size-bounded recency tracker. cacheBits is log2
// of the shard count; pages are routed to shards by their low bits so
// a hot page's traffic stays confined to one shard's lock.
type LRU struct {
	shards    []*shard
	shardMask uint64

	hits   uatomic.Uint64
	misses uatomic.Uint64
}

// New creates an LRU with 2^cacheBits shards sharing capacity total
// bytes evenly.
func New(capacity uint64, cacheBits uint) *LRU {
	if cacheBits > 20 {
		cacheBits = 20
	}
	count := uint64(1) << cacheBits
	perShard := capacity / count
	if perShard == 0 {
		perShard = 1
	}
	l := &LRU{
		shards:    make([]*shard, count),
		shardMask: count - 1,
	}
	for i := range l.shards {
		l.shards[i] = newShard(perShard)
	}
	return l
}

func (l *LRU) shardFor(pid uint64) *shard {
	return l.shards[pid&l.shardMask]
}

// Accessed records that pid was just touched with the given resident
// byte size, and returns zero or more victim PageIDs the caller must
// page out to bring that page's shard back under budget.
func (l *LRU) Accessed(pid uint64, size uint64) []uint64 {
	return l.shardFor(pid).accessed(pid, size)
}

// Remove drops pid from recency tracking entirely, used when a page
// is freed.
func (l *LRU) Remove(pid uint64) {
	l.shardFor(pid).remove(pid)
}

// Hit/Miss let the page cache report whether a Get found the page
// already resident, the same hit-ratio bookkeeping a buffer pool
// keeps.
func (l *LRU) Hit()  { l.hits.Add(1) }
func (l *LRU) Miss() { l.misses.Add(1) }

func (l *LRU) HitRatio() float64 {
	h, m := l.hits.Load(), l.misses.Load()
	total := h + m
	if total == 0 {
		return 0
	}
	return float64(h) / float64(total)
}
