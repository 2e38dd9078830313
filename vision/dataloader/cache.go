package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is an LRU cache of pooled region features keyed by image path.
type CacheManager struct {
	mu          sync.Mutex
	cache       map[string][]float64
	lru         *list.List
	lruMap      map[string]*list.Element
	maxSize     int
	currentSize int

	// Statistics
	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize feature vectors.
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[string][]float64),
		lru:     list.New(),
		lruMap:  make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get retrieves an item from the cache. Callers must not modify the result.
func (cm *CacheManager) Get(key string) ([]float64, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if data, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(cm.lruMap[key])
		cm.hits++
		return data, true
	}

	cm.misses++
	return nil, false
}

// Put adds an item to the cache
func (cm *CacheManager) Put(key string, data []float64) {
	if cm.maxSize <= 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(cm.lruMap[key])
		return
	}

	cm.lruMap[key] = cm.lru.PushFront(key)
	cm.cache[key] = data
	cm.currentSize++

	for cm.currentSize > cm.maxSize {
		cm.removeElement(cm.lru.Back())
	}
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	key := elem.Value.(string)
	cm.lru.Remove(elem)
	delete(cm.lruMap, key)
	delete(cm.cache, key)
	cm.currentSize--
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.currentSize,
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear drops every entry; statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[string][]float64)
	cm.lru = list.New()
	cm.lruMap = make(map[string]*list.Element)
	cm.currentSize = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
