package storage

import "container/list"

// lruIndex tracks recency of access for cached blocks. Front is most
// recently used. Eviction walks from the back and skips entries the caller
// pins (dirty blocks), so the cache can overflow instead of dropping
// unsynced data. Off-the-shelf LRU caches evict unconditionally, which is
// why this is hand-rolled.
type lruIndex struct {
	ll    *list.List
	items map[uint64]*list.Element
}

func newLRUIndex() *lruIndex {
	return &lruIndex{
		ll:    list.New(),
		items: make(map[uint64]*list.Element),
	}
}

// touch promotes id to most recently used, inserting it if absent.
func (l *lruIndex) touch(id uint64) {
	if el, ok := l.items[id]; ok {
		l.ll.MoveToFront(el)
		return
	}
	l.items[id] = l.ll.PushFront(id)
}

// remove drops id from the index; no-op if absent.
func (l *lruIndex) remove(id uint64) {
	if el, ok := l.items[id]; ok {
		l.ll.Remove(el)
		delete(l.items, id)
	}
}

// victim returns the least recently used id for which skip returns false.
// Returns (0, false) when every entry is pinned.
func (l *lruIndex) victim(skip func(id uint64) bool) (uint64, bool) {
	for el := l.ll.Back(); el != nil; el = el.Prev() {
		id := el.Value.(uint64)
		if skip(id) {
			continue
		}
		return id, true
	}
	return 0, false
}

func (l *lruIndex) len() int { return l.ll.Len() }
