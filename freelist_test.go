package upscaledb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreelist(t *testing.T) {
	initTest(t)
	t.Run("PushPop", func(t *testing.T) {
		s := newTestStorage(t, "fl.pushpop")
		f := s.freelist
		pages := make([]*page, 0, 16)
		for i := 0; i < 16; i++ {
			p, err := s.allocPage(pageTypeBtree)
			require.NoError(t, err)
			pages = append(pages, p)
		}
		for _, p := range pages {
			require.NoError(t, s.freePage(p))
		}
		// 弹出来的id都来自刚才释放的集合, 且不重复
		freed := make(map[uint64]bool, 16)
		for _, p := range pages {
			freed[p.id] = true
		}
		seen := make(map[uint64]bool)
		for i := 0; i < 16; i++ {
			id, found, err := f.pop()
			require.NoError(t, err)
			require.True(t, found)
			require.True(t, freed[id], "id %d not from freed set", id)
			require.False(t, seen[id], "id %d popped twice", id)
			seen[id] = true
		}
	})
	t.Run("EmptyPop", func(t *testing.T) {
		s := newTestStorage(t, "fl.empty")
		_, found, err := s.freelist.pop()
		require.NoError(t, err)
		require.False(t, found)
	})
	t.Run("SpillToSecondListPage", func(t *testing.T) {
		s := newTestStorage(t, "fl.spill")
		f := s.freelist
		// 填满第一个freelist页再多塞一些, 逼出第二个list页
		n := f.idsPerPage() + 32
		pages := make([]*page, 0, n)
		for i := 0; i < n; i++ {
			p, err := s.allocPage(pageTypeBtree)
			require.NoError(t, err)
			pages = append(pages, p)
		}
		for _, p := range pages {
			require.NoError(t, s.freePage(p))
		}
		count := 0
		for {
			_, found, err := f.pop()
			require.NoError(t, err)
			if !found {
				break
			}
			count++
		}
		// 所有归还的id都能弹出来(退役的list页本身也算一个可分配页)
		require.GreaterOrEqual(t, count, n-2)
	})
}
