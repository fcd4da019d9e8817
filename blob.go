package upscaledb

import (
	"encoding/binary"
	"fmt"
)

// blobManager 管理节点放不下的数据: 大record和extended key.
// blob是一串用rightSibling串起来的overflow页, blob id就是第一页的id.
// 第一页payload的前8字节是总长度
type blobManager struct {
	s *pageStorage
}

func newBlobManager(s *pageStorage) *blobManager {
	return &blobManager{s: s}
}

func (bm *blobManager) firstCap() int {
	return int(bm.s.pageSize) - pageHeaderSize - 8
}

func (bm *blobManager) nextCap() int {
	return int(bm.s.pageSize) - pageHeaderSize
}

func (bm *blobManager) put(data []byte) (blobId uint64, err error) {
	var (
		first *page
		cur   *page
	)
	first, err = bm.s.allocPage(pageTypeBlob)
	if err != nil {
		return
	}
	binary.LittleEndian.PutUint64(first.payload(), uint64(len(data)))
	n := copy(first.payload()[8:], data)
	data = data[n:]
	cur = first
	for len(data) > 0 {
		var next *page
		next, err = bm.s.allocPage(pageTypeBlob)
		if err != nil {
			return
		}
		cur.setRightSibling(next.id)
		bm.s.markDirty(cur)
		n = copy(next.payload(), data)
		data = data[n:]
		cur = next
	}
	cur.setRightSibling(0)
	bm.s.markDirty(cur)
	return first.id, nil
}

func (bm *blobManager) get(blobId uint64) ([]byte, error) {
	p, err := bm.s.readPage(blobId)
	if err != nil {
		return nil, err
	}
	if p.typ() != pageTypeBlob {
		return nil, fmt.Errorf("%w: page %d not a blob page", errBadPageHeader, blobId)
	}
	size := binary.LittleEndian.Uint64(p.payload())
	res := make([]byte, 0, size)
	res = append(res, p.payload()[8:min(8+int(size), len(p.payload()))]...)
	for uint64(len(res)) < size {
		next := p.rightSibling()
		if next == 0 {
			return nil, fmt.Errorf("%w: blob %d truncated", ErrInternal, blobId)
		}
		p, err = bm.s.readPage(next)
		if err != nil {
			return nil, err
		}
		remain := int(size) - len(res)
		res = append(res, p.payload()[:min(remain, len(p.payload()))]...)
	}
	return res, nil
}

func (bm *blobManager) free(blobId uint64) error {
	pgId := blobId
	for pgId != 0 {
		p, err := bm.s.readPage(pgId)
		if err != nil {
			return err
		}
		next := p.rightSibling()
		if err = bm.s.freePage(p); err != nil {
			return err
		}
		pgId = next
	}
	return nil
}
