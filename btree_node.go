package upscaledb

import (
	"encoding/binary"
)

// 节点payload头: count u32, flags u32, ptrDown u64, heapEnd u32(仅default布局), pad
const (
	nhOffCount   = 0
	nhOffFlags   = 4
	nhOffPtrDown = 8
	nhOffHeapEnd = 16
	nodeHeaderSize = 24

	nodeFlagLeaf uint32 = 1 << 0
)

// slot数不超过这个值的节点要做borrow或merge
const mergeThreshold = 3

// 每个slot的key标志位
const (
	keyFlagBlobSizeTiny  uint8 = 1 << 0
	keyFlagBlobSizeSmall uint8 = 1 << 1
	keyFlagBlobSizeEmpty uint8 = 1 << 2
	keyFlagDuplicates    uint8 = 1 << 3
	keyFlagExtended      uint8 = 1 << 4
)

// nodeLayout 把slot数组的物理编排从算法里隔离出去.
// pax: 定长key/record的三段平行数组; default: 变长key的目录+堆
type nodeLayout interface {
	// 再插入一个(key, record)是否还有空间
	hasRoomFor(count int, key, record []byte) bool
	keyAt(slot int) ([]byte, error)
	// 只写key并腾出slot, flags和record由调用方设置
	insertSlot(count, slot int, key []byte) error
	// 删除slot, extended key的overflow要一并释放
	eraseSlot(count, slot int) error
	// split的搬运: leaf搬[pivot,count), internal搬[pivot+1,count)
	splitTo(other nodeLayout, count, pivot int, leaf bool) (moved int, err error)
	// 把other的所有slot追加到本节点尾部
	mergeFrom(other nodeLayout, count, otherCount int) error
	// merge(外加extraSlots个分隔slot, 约extraBytes的key字节)是否装得下
	canMergeWith(other nodeLayout, count, otherCount, extraSlots, extraBytes int) bool
	// 从右兄弟头部借n个slot过来
	shiftFromRight(other nodeLayout, count, otherCount, n int) error
	// 把本节点尾部n个slot塞给右兄弟的头部
	shiftToRight(other nodeLayout, count, otherCount, n int) error
	recordIdAt(slot int) uint64
	setRecordIdAt(slot int, id uint64)
	recordAt(slot int) ([]byte, error)
	setRecordAt(slot int, data []byte) error
	// erase前释放record占用的blob
	freeRecordAt(slot int) error
	// 二分退化为线性扫描的窗口大小, 0表示禁用线性扫描
	linearThreshold() int
}

// btreeNode 页payload上的一个有序slot数组视图
type btreeNode struct {
	page   *page
	db     *Database
	layout nodeLayout
}

func wrapNode(db *Database, p *page) *btreeNode {
	n := &btreeNode{page: p, db: db}
	n.layout = db.layoutFor(n)
	return n
}

// initNode 把一个新分配的页格式化成空节点
func initNode(db *Database, p *page, leaf bool) *btreeNode {
	clear(p.payload())
	n := &btreeNode{page: p, db: db}
	if leaf {
		n.setFlags(nodeFlagLeaf)
	}
	n.setHeapEnd(uint32(len(p.payload())))
	n.layout = db.layoutFor(n)
	return n
}

func (n *btreeNode) count() int {
	return int(binary.LittleEndian.Uint32(n.page.payload()[nhOffCount:]))
}

func (n *btreeNode) setCount(v int) {
	binary.LittleEndian.PutUint32(n.page.payload()[nhOffCount:], uint32(v))
}

func (n *btreeNode) flags() uint32 {
	return binary.LittleEndian.Uint32(n.page.payload()[nhOffFlags:])
}

func (n *btreeNode) setFlags(v uint32) {
	binary.LittleEndian.PutUint32(n.page.payload()[nhOffFlags:], v)
}

func (n *btreeNode) isLeaf() bool {
	return n.flags()&nodeFlagLeaf != 0
}

func (n *btreeNode) ptrDown() uint64 {
	return binary.LittleEndian.Uint64(n.page.payload()[nhOffPtrDown:])
}

func (n *btreeNode) setPtrDown(v uint64) {
	binary.LittleEndian.PutUint64(n.page.payload()[nhOffPtrDown:], v)
}

func (n *btreeNode) heapEnd() uint32 {
	return binary.LittleEndian.Uint32(n.page.payload()[nhOffHeapEnd:])
}

func (n *btreeNode) setHeapEnd(v uint32) {
	binary.LittleEndian.PutUint32(n.page.payload()[nhOffHeapEnd:], v)
}

func (n *btreeNode) usable() int {
	return len(n.page.payload()) - nodeHeaderSize
}

func (n *btreeNode) requiresMerge() bool {
	return n.count() <= mergeThreshold
}

func (n *btreeNode) compare(key []byte, slot int) (int, error) {
	other, err := n.layout.keyAt(slot)
	if err != nil {
		return 0, err
	}
	return n.db.cmp(key, other), nil
}

// find 二分查找, 剩余区间不超过阈值时退化为线性扫描.
// 返回(slot, cmp): cmp==0精确命中; 否则slot是最后一个小于key的位置, -1表示key比所有slot都小
func (n *btreeNode) find(key []byte) (slot, cmp int, err error) {
	count := n.count()
	if count == 0 {
		return -1, -1, nil
	}
	var (
		l    = 0
		r    = count
		last = count + 1
		c    int
	)
	threshold := n.layout.linearThreshold()
	for r-l > threshold {
		i := (l + r) / 2
		if i == last {
			return i, 1, nil
		}
		c, err = n.compare(key, i)
		if err != nil {
			return -1, -1, err
		}
		if c == 0 {
			return i, 0, nil
		}
		if c < 0 {
			if r == 0 {
				return -1, c, nil
			}
			r = i
		} else {
			last = i
			l = i
		}
	}
	return n.linearSearch(l, r-l, key)
}

func (n *btreeNode) linearSearch(start, length int, key []byte) (slot, cmp int, err error) {
	var c int
	for i := start; i < start+length; i++ {
		c, err = n.compare(key, i)
		if err != nil {
			return -1, -1, err
		}
		if c == 0 {
			return i, 0, nil
		}
		if c < 0 {
			if i == 0 {
				return -1, -1, nil
			}
			return i - 1, 1, nil
		}
	}
	if start+length == 0 {
		return -1, -1, nil
	}
	return start + length - 1, 1, nil
}

// findChild 在internal节点里定位下降的child id. slot==-1走ptrDown
func (n *btreeNode) findChild(key []byte) (slot int, childId uint64, err error) {
	slot, _, err = n.find(key)
	if err != nil {
		return
	}
	if slot == -1 {
		childId = n.ptrDown()
	} else {
		childId = n.layout.recordIdAt(slot)
	}
	return
}

// findExact 非精确命中返回-1
func (n *btreeNode) findExact(key []byte) (int, error) {
	slot, cmp, err := n.find(key)
	if err != nil {
		return -1, err
	}
	if cmp != 0 {
		return -1, nil
	}
	return slot, nil
}
