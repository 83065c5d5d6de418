package projector

import (
	"container/list"

	"github.com/ethereum/go-ethereum/common"
)

// seenLRU caches recently processed tx hashes so replayed events skip the
// database duplicate lookup.
// Not thread-safe — Apply is called from a single goroutine.
type seenLRU struct {
	capacity int
	cache    map[common.Hash]*list.Element
	lruList  *list.List
}

func newSeenLRU(capacity int) *seenLRU {
	return &seenLRU{
		capacity: capacity,
		cache:    make(map[common.Hash]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if the hash is cached, promoting it to most recently used.
func (lru *seenLRU) Contains(h common.Hash) bool {
	elem, exists := lru.cache[h]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts the hash, evicting the oldest entry when over capacity.
func (lru *seenLRU) Add(h common.Hash) {
	if elem, exists := lru.cache[h]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(h)
	lru.cache[h] = elem

	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		if oldest != nil {
			lru.lruList.Remove(oldest)
			delete(lru.cache, oldest.Value.(common.Hash))
		}
	}
}

// Size returns the current number of cached hashes.
func (lru *seenLRU) Size() int {
	return lru.lruList.Len()
}
