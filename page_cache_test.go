package upscaledb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCache(capPages int) *cache {
	cfg := Config{PageSize: 1024, MaxCacheSize: uint64(capPages) * 1024}
	return newCache(&cfg)
}

func makeTestPage(id uint64) *page {
	return &page{id: id, buf: make([]byte, 1024)}
}

func TestPageCache(t *testing.T) {
	t.Run("LookupHitMiss", func(t *testing.T) {
		c := newTestCache(64)
		for i := uint64(1); i <= 32; i++ {
			c.putPageForTest(i)
		}
		for i := uint64(1); i <= 32; i++ {
			p := c.lookup(i)
			require.NotNil(t, p)
			require.Equal(t, i, p.id)
		}
		require.Nil(t, c.lookup(999))
		st := c.stat()
		require.Equal(t, uint64(32), st.hits)
		require.Equal(t, uint64(1), st.misses)
	})
	t.Run("TotallistMatchesBuckets", func(t *testing.T) {
		c := newTestCache(64)
		for i := uint64(1); i <= 40; i++ {
			c.putPageForTest(i)
		}
		// totallist里的页和各bucket里的页必须一一对应
		inTotal := make(map[uint64]bool)
		c.totallist.each(func(p *page) bool {
			inTotal[p.id] = true
			return true
		})
		inBuckets := make(map[uint64]bool)
		for i := range c.buckets {
			c.buckets[i].each(func(p *page) bool {
				inBuckets[p.id] = true
				return true
			})
		}
		require.Equal(t, inTotal, inBuckets)
		require.Equal(t, 40, c.totallist.size)
	})
	t.Run("LRUOrder", func(t *testing.T) {
		c := newTestCache(64)
		for i := uint64(1); i <= 4; i++ {
			c.putPageForTest(i)
		}
		// 访问1之后, 1应该在MRU端, 2应该在LRU尾
		require.NotNil(t, c.lookup(1))
		require.Equal(t, uint64(1), c.totallist.head.id)
		require.Equal(t, uint64(2), c.totallist.tail.id)
	})
	t.Run("PurgeEvictsFromTail", func(t *testing.T) {
		c := newTestCache(16)
		for i := uint64(1); i <= 64; i++ {
			c.putPageForTest(i)
		}
		evicted := c.purge()
		require.GreaterOrEqual(t, len(evicted), kPurgeAtLeast)
		// 淘汰的应该都是最老的那批
		for _, p := range evicted {
			require.Less(t, p.id, uint64(64))
		}
	})
	t.Run("PurgeSkipsPinned", func(t *testing.T) {
		c := newTestCache(4)
		var pinned []*page
		for i := uint64(1); i <= 40; i++ {
			p := makeTestPage(i)
			if i <= 8 {
				p.cursorRefs = 1
				pinned = append(pinned, p)
			}
			c.put(p)
		}
		c.purge()
		for _, p := range pinned {
			require.NotNil(t, c.lookup(p.id), "pinned page %d evicted", p.id)
		}
	})
	t.Run("UnlimitedNoPurge", func(t *testing.T) {
		cfg := Config{PageSize: 1024, CacheUnlimited: true}
		c := newCache(&cfg)
		for i := uint64(1); i <= 1024; i++ {
			c.putPageForTest(i)
		}
		require.Nil(t, c.purge())
		require.Equal(t, 1024, c.totallist.size)
	})
	t.Run("Remove", func(t *testing.T) {
		c := newTestCache(64)
		p := makeTestPage(7)
		c.put(p)
		require.NotNil(t, c.lookup(7))
		c.remove(p)
		require.Nil(t, c.lookup(7))
		require.Equal(t, 0, c.totallist.size)
	})
}

func (c *cache) putPageForTest(id uint64) {
	c.put(makeTestPage(id))
}

func TestPageCollectionMultiMembership(t *testing.T) {
	// 一个页同时挂在两条链表上, 各用各的链槽互不干扰
	total := newPageCollection(kListCache)
	cs := newPageCollection(kListChangeset)
	pages := make([]*page, 8)
	for i := range pages {
		pages[i] = makeTestPage(uint64(i + 1))
		total.pushFront(pages[i])
	}
	cs.pushFront(pages[2])
	cs.pushFront(pages[5])
	require.Equal(t, 8, total.size)
	require.Equal(t, 2, cs.size)
	// 从changeset摘掉不影响totallist
	cs.remove(pages[2])
	require.Equal(t, 8, total.size)
	require.True(t, total.contains(pages[2]))
	require.False(t, cs.contains(pages[2]))
	// 反过来也一样
	total.remove(pages[5])
	require.True(t, cs.contains(pages[5]))
	require.Equal(t, 1, cs.size)
}
