package upscaledb

import (
	"encoding/binary"
	"fmt"
)

// paxLayout 定长key的平行数组布局: keys / flags / records三段连续区域.
// maxCnt在节点整个生命周期里是常量, 所有搬运都是三次平行的memmove
type paxLayout struct {
	n       *btreeNode
	keySize int
	recSize int
	// record是裸字节(定长record的leaf)还是8字节编码槽
	inline bool
	maxCnt int
}

const paxLinearThreshold = 8

func newPaxLayout(n *btreeNode, keySize, recSize int, inline bool) *paxLayout {
	l := &paxLayout{n: n, keySize: keySize, recSize: recSize, inline: inline}
	l.maxCnt = n.usable() / (keySize + 1 + recSize)
	return l
}

func (l *paxLayout) data() []byte {
	return l.n.page.payload()[nodeHeaderSize:]
}

func (l *paxLayout) keys() []byte {
	return l.data()[:l.maxCnt*l.keySize]
}

func (l *paxLayout) flagsArr() []byte {
	off := l.maxCnt * l.keySize
	return l.data()[off : off+l.maxCnt]
}

func (l *paxLayout) records() []byte {
	off := l.maxCnt * (l.keySize + 1)
	return l.data()[off : off+l.maxCnt*l.recSize]
}

func (l *paxLayout) keyData(slot int) []byte {
	return l.keys()[slot*l.keySize : (slot+1)*l.keySize]
}

func (l *paxLayout) recData(slot int) []byte {
	return l.records()[slot*l.recSize : (slot+1)*l.recSize]
}

func (l *paxLayout) linearThreshold() int {
	return paxLinearThreshold
}

func (l *paxLayout) hasRoomFor(count int, key, record []byte) bool {
	return count < l.maxCnt
}

func (l *paxLayout) keyAt(slot int) ([]byte, error) {
	return l.keyData(slot), nil
}

func (l *paxLayout) insertSlot(count, slot int, key []byte) error {
	if len(key) != l.keySize {
		return fmt.Errorf("%w: key size %d, want %d", ErrInvParameter, len(key), l.keySize)
	}
	if count > slot {
		keys, flags, recs := l.keys(), l.flagsArr(), l.records()
		copy(keys[(slot+1)*l.keySize:], keys[slot*l.keySize:count*l.keySize])
		copy(flags[slot+1:], flags[slot:count])
		copy(recs[(slot+1)*l.recSize:], recs[slot*l.recSize:count*l.recSize])
	}
	copy(l.keyData(slot), key)
	l.flagsArr()[slot] = 0
	clear(l.recData(slot))
	return nil
}

func (l *paxLayout) eraseSlot(count, slot int) error {
	if slot != count-1 {
		keys, flags, recs := l.keys(), l.flagsArr(), l.records()
		copy(keys[slot*l.keySize:], keys[(slot+1)*l.keySize:count*l.keySize])
		copy(flags[slot:], flags[slot+1:count])
		copy(recs[slot*l.recSize:], recs[(slot+1)*l.recSize:count*l.recSize])
	}
	return nil
}

func (l *paxLayout) splitTo(o nodeLayout, count, pivot int, leaf bool) (int, error) {
	other := o.(*paxLayout)
	// leaf的pivot要留在右半边(并由caller插进parent);
	// internal的pivot只上推, 本体跳过
	from := pivot
	if !leaf {
		from = pivot + 1
	}
	moved := count - from
	copy(other.keys(), l.keys()[from*l.keySize:count*l.keySize])
	copy(other.flagsArr(), l.flagsArr()[from:count])
	copy(other.records(), l.records()[from*l.recSize:count*l.recSize])
	return moved, nil
}

func (l *paxLayout) canMergeWith(o nodeLayout, count, otherCount, extraSlots, extraBytes int) bool {
	return count+otherCount+extraSlots <= l.maxCnt
}

func (l *paxLayout) mergeFrom(o nodeLayout, count, otherCount int) error {
	other := o.(*paxLayout)
	copy(l.keys()[count*l.keySize:], other.keys()[:otherCount*l.keySize])
	copy(l.flagsArr()[count:], other.flagsArr()[:otherCount])
	copy(l.records()[count*l.recSize:], other.records()[:otherCount*l.recSize])
	return nil
}

func (l *paxLayout) shiftFromRight(o nodeLayout, count, otherCount, n int) error {
	other := o.(*paxLayout)
	copy(l.keys()[count*l.keySize:], other.keys()[:n*l.keySize])
	copy(l.flagsArr()[count:], other.flagsArr()[:n])
	copy(l.records()[count*l.recSize:], other.records()[:n*l.recSize])
	// 右兄弟整体左移补洞
	copy(other.keys(), other.keys()[n*l.keySize:otherCount*l.keySize])
	copy(other.flagsArr(), other.flagsArr()[n:otherCount])
	copy(other.records(), other.records()[n*l.recSize:otherCount*l.recSize])
	return nil
}

func (l *paxLayout) shiftToRight(o nodeLayout, count, otherCount, n int) error {
	other := o.(*paxLayout)
	// 右兄弟腾出n个位置
	copy(other.keys()[n*l.keySize:], other.keys()[:otherCount*l.keySize])
	copy(other.flagsArr()[n:], other.flagsArr()[:otherCount])
	copy(other.records()[n*l.recSize:], other.records()[:otherCount*l.recSize])
	from := count - n
	copy(other.keys(), l.keys()[from*l.keySize:count*l.keySize])
	copy(other.flagsArr(), l.flagsArr()[from:count])
	copy(other.records(), l.records()[from*l.recSize:count*l.recSize])
	return nil
}

func (l *paxLayout) recordIdAt(slot int) uint64 {
	return binary.LittleEndian.Uint64(l.recData(slot))
}

func (l *paxLayout) setRecordIdAt(slot int, id uint64) {
	binary.LittleEndian.PutUint64(l.recData(slot), id)
}

func (l *paxLayout) recordAt(slot int) ([]byte, error) {
	if l.inline {
		res := make([]byte, l.recSize)
		copy(res, l.recData(slot))
		return res, nil
	}
	return decodeRecordField(l.recData(slot), l.flagsArr()[slot], l.n.db.blobs)
}

func (l *paxLayout) setRecordAt(slot int, data []byte) error {
	if l.inline {
		if len(data) != l.recSize {
			return fmt.Errorf("%w: record size %d, want %d", ErrInvParameter, len(data), l.recSize)
		}
		copy(l.recData(slot), data)
		return nil
	}
	flags, err := encodeRecordField(l.recData(slot), l.flagsArr()[slot], data, l.n.db.blobs)
	if err != nil {
		return err
	}
	l.flagsArr()[slot] = flags
	return nil
}

func (l *paxLayout) freeRecordAt(slot int) error {
	if l.inline {
		return nil
	}
	return freeRecordField(l.recData(slot), l.flagsArr()[slot], l.n.db.blobs)
}
