package upscaledb

import (
	"math"
	"sync"
)

const (
	// 桶数量(10317 = 3*19*181, 不是素数), page id直接取模选桶
	kBucketSize = 10317

	// 每次purge至少淘汰这么多页, 避免反复小批量淘汰
	kPurgeAtLeast = 20
)

// cache 持有所有驻留内存的页. 查找走hash桶, 淘汰走totallist的LRU尾部
type cache struct {
	mu            sync.Mutex
	capacityBytes uint64
	pageSizeBytes uint64
	allocElements uint64
	// 所有缓存页, head是MRU
	totallist pageCollection
	buckets   []pageCollection
	hits      uint64
	misses    uint64
}

func newCache(cfg *Config) *cache {
	capacity := cfg.MaxCacheSize
	if capacity == 0 {
		capacity = defaultCacheSize
	}
	if cfg.CacheUnlimited {
		capacity = math.MaxUint64
	}
	c := &cache{
		capacityBytes: capacity,
		pageSizeBytes: uint64(cfg.PageSize),
		totallist:     newPageCollection(kListCache),
		buckets:       make([]pageCollection, kBucketSize),
	}
	for i := range c.buckets {
		c.buckets[i] = newPageCollection(kListBucket)
	}
	return c
}

func (c *cache) bucket(pgId uint64) *pageCollection {
	return &c.buckets[pgId%kBucketSize]
}

// lookup 命中时把页提到MRU端
func (c *cache) lookup(pgId uint64) *page {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found *page
	c.bucket(pgId).each(func(p *page) bool {
		if p.id == pgId {
			found = p
			return false
		}
		return true
	})
	if found == nil {
		c.misses++
		return nil
	}
	c.hits++
	c.totallist.remove(found)
	c.totallist.pushFront(found)
	return found
}

func (c *cache) put(p *page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(p.id).pushFront(p)
	c.totallist.pushFront(p)
	c.allocElements++
}

func (c *cache) remove(p *page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(p)
}

func (c *cache) removeLocked(p *page) {
	if !c.totallist.contains(p) {
		return
	}
	c.bucket(p.id).remove(p)
	c.totallist.remove(p)
	if c.allocElements > 0 {
		c.allocElements--
	}
}

func (c *cache) residentBytes() uint64 {
	return uint64(c.totallist.size) * c.pageSizeBytes
}

func (c *cache) overCapacity() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residentBytes() > c.capacityBytes
}

// purge 从LRU尾部开始淘汰, 跳过被钉住的页(游标引用/修改中/在changeset里).
// 容量不限时是no-op, 否则一次至少淘汰kPurgeAtLeast个
func (c *cache) purge() []*page {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacityBytes == math.MaxUint64 {
		return nil
	}
	if c.residentBytes() <= c.capacityBytes {
		return nil
	}
	need := int((c.residentBytes() - c.capacityBytes) / c.pageSizeBytes)
	if need < kPurgeAtLeast {
		need = kPurgeAtLeast
	}
	evicted := make([]*page, 0, need)
	p := c.totallist.tail
	for p != nil && len(evicted) < need {
		prev := c.totallist.prev(p)
		if !p.pinned() {
			c.removeLocked(p)
			evicted = append(evicted, p)
		}
		p = prev
	}
	return evicted
}

type cacheStat struct {
	hits    uint64
	misses  uint64
	entries int
}

func (c *cache) stat() cacheStat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cacheStat{hits: c.hits, misses: c.misses, entries: c.totallist.size}
}
