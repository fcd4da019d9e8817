package upscaledb

import (
	"encoding/binary"
	"fmt"
)

// freelist 自托管的空闲页栈. 被释放的页自己充当freelist页,
// 不需要额外的存储空间. header页记录栈顶freelist页的id
//
// freelist页payload: count u32, pad u32, next u64, 之后是count个page id
const (
	flOffCount = 0
	flOffNext  = 8
	flOffIds   = 16
)

type freelist struct {
	s *pageStorage
}

func newFreelist(s *pageStorage) *freelist {
	return &freelist{s: s}
}

func (f *freelist) idsPerPage() int {
	return (int(f.s.pageSize) - pageHeaderSize - flOffIds) / 8
}

func flCount(p *page) uint32 {
	return binary.LittleEndian.Uint32(p.payload()[flOffCount:])
}

func flSetCount(p *page, v uint32) {
	binary.LittleEndian.PutUint32(p.payload()[flOffCount:], v)
}

func flNext(p *page) uint64 {
	return binary.LittleEndian.Uint64(p.payload()[flOffNext:])
}

func flSetNext(p *page, v uint64) {
	binary.LittleEndian.PutUint64(p.payload()[flOffNext:], v)
}

func flIdAt(p *page, i uint32) uint64 {
	return binary.LittleEndian.Uint64(p.payload()[flOffIds+8*i:])
}

func flSetIdAt(p *page, i uint32, v uint64) {
	binary.LittleEndian.PutUint64(p.payload()[flOffIds+8*i:], v)
}

// pop 取一个空闲页id. 栈顶页取空之后这页本身就是下一个分配结果
func (f *freelist) pop() (pgId uint64, found bool, err error) {
	mv := f.s.metaView()
	head := mv.freelistHead()
	if head == 0 {
		return
	}
	var p *page
	p, err = f.s.readPage(head)
	if err != nil {
		return
	}
	if p.typ() != pageTypeFreelist {
		err = fmt.Errorf("%w: page %d not a freelist page", errBadPageHeader, head)
		return
	}
	count := flCount(p)
	if count > 0 {
		pgId = flIdAt(p, count-1)
		flSetCount(p, count-1)
		f.s.markDirty(p)
		found = true
		return
	}
	// 空栈顶页退役, 它自己就是被分配的页
	mv.setFreelistHead(flNext(p))
	f.s.markDirty(f.s.meta)
	f.s.changeset.forget(p)
	f.s.cache.remove(p)
	return head, true, nil
}

// push 归还一个页id. 栈顶满(或不存在)时, 被归还的页自己变成新的栈顶页
func (f *freelist) push(pgId uint64) error {
	mv := f.s.metaView()
	head := mv.freelistHead()
	if head != 0 {
		p, err := f.s.readPage(head)
		if err != nil {
			return err
		}
		count := flCount(p)
		if int(count) < f.idsPerPage() {
			flSetIdAt(p, count, pgId)
			flSetCount(p, count+1)
			f.s.markDirty(p)
			return nil
		}
	}
	return f.adoptAsListPage(pgId, head)
}

func (f *freelist) adoptAsListPage(pgId, next uint64) error {
	p := &page{id: pgId, buf: make([]byte, f.s.pageSize)}
	p.setTyp(pageTypeFreelist)
	p.setSelfId(pgId)
	flSetNext(p, next)
	f.s.cache.put(p)
	f.s.markDirty(p)
	mv := f.s.metaView()
	mv.setFreelistHead(pgId)
	f.s.markDirty(f.s.meta)
	return nil
}
