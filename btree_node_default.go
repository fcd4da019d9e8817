package upscaledb

import (
	"encoding/binary"
	"fmt"
)

// defaultLayout 变长key布局: slot目录从payload头部向后长,
// key字节堆从payload尾部向前长. record统一是目录项里的8字节编码槽.
// 超过inline预算的key整体进blob, 堆里只留8字节的overflow blob id
//
// 目录项(13字节): keyOff u16, keySize u16, flags u8, record[8]
type defaultLayout struct {
	n *btreeNode
}

const (
	dlSlotSize = 13

	// key的inline预算, 超过就走extended key
	extKeyThreshold = 248

	// keySize字段是u16
	maxKeySize = 65535
)

func newDefaultLayout(n *btreeNode) *defaultLayout {
	return &defaultLayout{n: n}
}

func (l *defaultLayout) payload() []byte {
	return l.n.page.payload()
}

func (l *defaultLayout) entry(slot int) []byte {
	off := nodeHeaderSize + slot*dlSlotSize
	return l.payload()[off : off+dlSlotSize]
}

func (l *defaultLayout) entryKeyOff(e []byte) int {
	return int(binary.LittleEndian.Uint16(e[0:]))
}

func (l *defaultLayout) entryKeySize(e []byte) int {
	return int(binary.LittleEndian.Uint16(e[2:]))
}

func (l *defaultLayout) entryFlags(e []byte) uint8 {
	return e[4]
}

func (l *defaultLayout) entryRecord(e []byte) []byte {
	return e[5:13]
}

func (l *defaultLayout) setEntry(e []byte, keyOff, keySize int, flags uint8) {
	binary.LittleEndian.PutUint16(e[0:], uint16(keyOff))
	binary.LittleEndian.PutUint16(e[2:], uint16(keySize))
	e[4] = flags
}

// inline堆里实际占用的字节数
func (l *defaultLayout) entryHeapSize(e []byte) int {
	if l.entryFlags(e)&keyFlagExtended != 0 {
		return 8
	}
	return l.entryKeySize(e)
}

func (l *defaultLayout) linearThreshold() int {
	// 变长key的比较要解目录, 线性扫描没有优势
	return 0
}

func (l *defaultLayout) dirEnd(count int) int {
	return nodeHeaderSize + count*dlSlotSize
}

// hasRoomFor 堆水位不够时先原地压实一次再判断.
// 被erase腾出的堆空间只有在压实之后才真正可用
func (l *defaultLayout) hasRoomFor(count int, key, record []byte) bool {
	need := len(key)
	if need > extKeyThreshold {
		need = 8
	}
	if int(l.n.heapEnd())-need >= l.dirEnd(count+1) {
		return true
	}
	live := 0
	for i := 0; i < count; i++ {
		live += l.entryHeapSize(l.entry(i))
	}
	if len(l.payload())-live-need < l.dirEnd(count+1) {
		return false
	}
	l.compact(count)
	return int(l.n.heapEnd())-need >= l.dirEnd(count+1)
}

// compact 把存活的key字节重排到payload尾部, 回收死洞
func (l *defaultLayout) compact(count int) {
	type kept struct {
		slot int
		data []byte
	}
	keptList := make([]kept, 0, count)
	for i := 0; i < count; i++ {
		e := l.entry(i)
		hs := l.entryHeapSize(e)
		buf := make([]byte, hs)
		copy(buf, l.payload()[l.entryKeyOff(e):l.entryKeyOff(e)+hs])
		keptList = append(keptList, kept{slot: i, data: buf})
	}
	heapEnd := len(l.payload())
	for _, k := range keptList {
		heapEnd -= len(k.data)
		copy(l.payload()[heapEnd:], k.data)
		e := l.entry(k.slot)
		binary.LittleEndian.PutUint16(e[0:], uint16(heapEnd))
	}
	l.n.setHeapEnd(uint32(heapEnd))
}

// heapAlloc 从堆里划nb个字节, 调用方保证放得下
func (l *defaultLayout) heapAlloc(nb int) int {
	off := int(l.n.heapEnd()) - nb
	l.n.setHeapEnd(uint32(off))
	return off
}

func (l *defaultLayout) keyAt(slot int) ([]byte, error) {
	e := l.entry(slot)
	off := l.entryKeyOff(e)
	if l.entryFlags(e)&keyFlagExtended != 0 {
		blobId := binary.LittleEndian.Uint64(l.payload()[off:])
		return l.n.db.blobs.get(blobId)
	}
	return l.payload()[off : off+l.entryKeySize(e)], nil
}

func (l *defaultLayout) insertSlot(count, slot int, key []byte) error {
	if len(key) > maxKeySize {
		return fmt.Errorf("%w: key size %d exceeds %d", ErrInvParameter, len(key), maxKeySize)
	}
	var (
		flags uint8
		store = key
	)
	if len(key) > extKeyThreshold {
		blobId, err := l.n.db.blobs.put(key)
		if err != nil {
			return err
		}
		flags = keyFlagExtended
		store = binary.LittleEndian.AppendUint64(nil, blobId)
	}
	off := l.heapAlloc(len(store))
	copy(l.payload()[off:], store)
	if count > slot {
		dir := l.payload()[nodeHeaderSize:]
		copy(dir[(slot+1)*dlSlotSize:], dir[slot*dlSlotSize:count*dlSlotSize])
	}
	e := l.entry(slot)
	l.setEntry(e, off, len(key), flags)
	clear(l.entryRecord(e))
	return nil
}

func (l *defaultLayout) eraseSlot(count, slot int) error {
	e := l.entry(slot)
	if l.entryFlags(e)&keyFlagExtended != 0 {
		blobId := binary.LittleEndian.Uint64(l.payload()[l.entryKeyOff(e):])
		if err := l.n.db.blobs.free(blobId); err != nil {
			return err
		}
	}
	if slot != count-1 {
		dir := l.payload()[nodeHeaderSize:]
		copy(dir[slot*dlSlotSize:], dir[(slot+1)*dlSlotSize:count*dlSlotSize])
	}
	return nil
}

// moveEntriesTo 把[from,to)的slot搬到other的尾部(other已有dstCount个).
// inline key字节进对方的堆, extended key只搬blob id, 所有权跟着走
func (l *defaultLayout) moveEntriesTo(other *defaultLayout, from, to, dstCount int) error {
	for i := from; i < to; i++ {
		e := l.entry(i)
		hs := l.entryHeapSize(e)
		srcOff := l.entryKeyOff(e)
		dstOff := other.heapAlloc(hs)
		copy(other.payload()[dstOff:], l.payload()[srcOff:srcOff+hs])
		de := other.entry(dstCount + (i - from))
		copy(de, e)
		binary.LittleEndian.PutUint16(de[0:], uint16(dstOff))
	}
	return nil
}

func (l *defaultLayout) splitTo(o nodeLayout, count, pivot int, leaf bool) (int, error) {
	other := o.(*defaultLayout)
	from := pivot
	if !leaf {
		from = pivot + 1
	}
	if err := l.moveEntriesTo(other, from, count, 0); err != nil {
		return 0, err
	}
	// 留下的部分压实一遍, 把搬走的堆空间收回来
	l.compact(from)
	return count - from, nil
}

func (l *defaultLayout) canMergeWith(o nodeLayout, count, otherCount, extraSlots, extraBytes int) bool {
	other := o.(*defaultLayout)
	live := extraBytes
	for i := 0; i < count; i++ {
		live += l.entryHeapSize(l.entry(i))
	}
	for i := 0; i < otherCount; i++ {
		live += other.entryHeapSize(other.entry(i))
	}
	return l.dirEnd(count+otherCount+extraSlots)+live <= len(l.payload())
}

func (l *defaultLayout) mergeFrom(o nodeLayout, count, otherCount int) error {
	other := o.(*defaultLayout)
	need := 0
	for i := 0; i < otherCount; i++ {
		need += other.entryHeapSize(other.entry(i))
	}
	if int(l.n.heapEnd())-need < l.dirEnd(count+otherCount) {
		l.compact(count)
	}
	if int(l.n.heapEnd())-need < l.dirEnd(count+otherCount) {
		return fmt.Errorf("%w: merge does not fit", ErrInternal)
	}
	return other.moveEntriesTo(l, 0, otherCount, count)
}

func (l *defaultLayout) shiftFromRight(o nodeLayout, count, otherCount, n int) error {
	other := o.(*defaultLayout)
	// 接收方的堆水位可能虚低, 先压实再收
	l.compact(count)
	if err := other.moveEntriesTo(l, 0, n, count); err != nil {
		return err
	}
	dir := other.payload()[nodeHeaderSize:]
	copy(dir, dir[n*dlSlotSize:otherCount*dlSlotSize])
	other.compact(otherCount - n)
	return nil
}

func (l *defaultLayout) shiftToRight(o nodeLayout, count, otherCount, n int) error {
	other := o.(*defaultLayout)
	// 接收方的堆水位可能虚低, 先压实再收
	other.compact(otherCount)
	// 右兄弟目录腾出n个位置
	dir := other.payload()[nodeHeaderSize:]
	copy(dir[n*dlSlotSize:], dir[:otherCount*dlSlotSize])
	for i := 0; i < n; i++ {
		e := l.entry(count - n + i)
		hs := l.entryHeapSize(e)
		srcOff := l.entryKeyOff(e)
		dstOff := other.heapAlloc(hs)
		copy(other.payload()[dstOff:], l.payload()[srcOff:srcOff+hs])
		de := other.entry(i)
		copy(de, e)
		binary.LittleEndian.PutUint16(de[0:], uint16(dstOff))
	}
	l.compact(count - n)
	return nil
}

func (l *defaultLayout) recordIdAt(slot int) uint64 {
	return binary.LittleEndian.Uint64(l.entryRecord(l.entry(slot)))
}

func (l *defaultLayout) setRecordIdAt(slot int, id uint64) {
	binary.LittleEndian.PutUint64(l.entryRecord(l.entry(slot)), id)
}

func (l *defaultLayout) recordAt(slot int) ([]byte, error) {
	e := l.entry(slot)
	return decodeRecordField(l.entryRecord(e), l.entryFlags(e), l.n.db.blobs)
}

func (l *defaultLayout) setRecordAt(slot int, data []byte) error {
	e := l.entry(slot)
	flags, err := encodeRecordField(l.entryRecord(e), l.entryFlags(e), data, l.n.db.blobs)
	if err != nil {
		return err
	}
	e[4] = flags
	return nil
}

func (l *defaultLayout) freeRecordAt(slot int) error {
	e := l.entry(slot)
	return freeRecordField(l.entryRecord(e), l.entryFlags(e), l.n.db.blobs)
}
