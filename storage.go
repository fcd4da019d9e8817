package upscaledb

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"github.com/cosim/upscaledb/internal/sys"
)

var metaMagic = [4]byte{'u', 'p', 's', 'c'}

const (
	metaVersion = 1

	// 初始文件大小(页数), 之后按grow策略增长
	initialPageCount = 64

	// header页payload里的固定偏移
	metaOffMagic        = 0
	metaOffVersion      = 4
	metaOffPageSize     = 8
	metaOffDbCount      = 12
	metaOffNextPageId   = 16
	metaOffNextTxnId    = 24
	metaOffFreelistHead = 32
	metaOffCatalog      = 40

	// 目录项: name u16, flags u16, keySize u16, pad u16,
	// recordSize u32, pad u32, rootPgId u64, keyCount u64, recnoSeq u64
	catalogEntrySize = 40

	dbFlagRecno uint16 = 1 << 0
)

// pageStorage 单文件的mmap页存储. 读出来的页是拷贝, 挂在cache上,
// 修改过的页经由changeset一起刷回mmap
type pageStorage struct {
	mapFile   *os.File
	path      string
	dat       []byte
	pageSize  uint32
	cache     *cache
	freelist  *freelist
	changeset *changeset
	logger    *slog.Logger
	// 页0的常驻拷贝, 不参与purge
	meta *page
}

func newPageStorage(path string, pageSize uint32, c *cache, logger *slog.Logger) *pageStorage {
	return &pageStorage{
		path:     path,
		pageSize: pageSize,
		cache:    c,
		logger:   logger,
	}
}

func (s *pageStorage) init() (err error) {
	s.mapFile, err = os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	stat, err := s.mapFile.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	fileSize := uint64(stat.Size())
	if fileSize == 0 {
		return s.initFile()
	}
	s.dat, err = sys.MMap(s.mapFile, fileSize)
	if err != nil {
		return fmt.Errorf("%w: mmap: %v", ErrIO, err)
	}
	s.meta = s.copyOut(0)
	if s.metaView().magic() != metaMagic {
		return fmt.Errorf("%w: bad magic in header page", errBadPageHeader)
	}
	if s.metaView().pageSize() != s.pageSize {
		return fmt.Errorf("%w: page size mismatch: file=%d config=%d",
			ErrInvParameter, s.metaView().pageSize(), s.pageSize)
	}
	return nil
}

func (s *pageStorage) initFile() (err error) {
	defaultSize := uint64(s.pageSize) * initialPageCount
	err = s.mapFile.Truncate(int64(defaultSize))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	s.dat, err = sys.MMap(s.mapFile, defaultSize)
	if err != nil {
		return fmt.Errorf("%w: mmap: %v", ErrIO, err)
	}
	s.meta = &page{id: 0, buf: make([]byte, s.pageSize)}
	s.meta.setTyp(pageTypeMetadata)
	mv := s.metaView()
	mv.setMagic(metaMagic)
	mv.setVersion(metaVersion)
	mv.setPageSize(s.pageSize)
	// 页0是header, 数据页从1开始
	mv.setNextPageId(1)
	mv.setNextTxnId(1)
	mv.setFreelistHead(0)
	return s.flushMeta()
}

func (s *pageStorage) close() (err error) {
	if s.dat != nil {
		err = sys.MUnmap(s.mapFile, s.dat)
		if err != nil {
			return
		}
		s.dat = nil
	}
	err = s.mapFile.Close()
	if err != nil {
		return
	}
	s.mapFile = nil
	return
}

// 大于1GB之后每次增长1GB, 小于1GB则*2
func (s *pageStorage) grow() (err error) {
	stat, err := s.mapFile.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	fileSize := stat.Size()
	newFileSize := fileSize * 2
	if fileSize > 1024*1024*1024 {
		newFileSize = fileSize + 1024*1024*1024
	}
	err = s.mapFile.Truncate(newFileSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	s.dat, err = sys.Remap(s.mapFile, uint64(newFileSize), s.dat)
	if err != nil {
		return fmt.Errorf("%w: remap: %v", ErrIO, err)
	}
	if s.logger != nil {
		s.logger.Debug("grow database file", "newSize", newFileSize)
	}
	return
}

func (s *pageStorage) pageCount() uint64 {
	return uint64(len(s.dat)) / uint64(s.pageSize)
}

func (s *pageStorage) copyOut(pgId uint64) *page {
	off := pgId * uint64(s.pageSize)
	buf := make([]byte, s.pageSize)
	copy(buf, s.dat[off:off+uint64(s.pageSize)])
	return &page{id: pgId, buf: buf}
}

// readPage 先查cache, 未命中再从mmap拷出并放进cache
func (s *pageStorage) readPage(pgId uint64) (*page, error) {
	if pgId == 0 {
		return s.meta, nil
	}
	if pgId >= s.pageCount() {
		return nil, fmt.Errorf("%w: %d", errPageIdOverflow, pgId)
	}
	if p := s.cache.lookup(pgId); p != nil {
		return p, nil
	}
	p := s.copyOut(pgId)
	s.cache.put(p)
	s.purgeCache()
	return p, nil
}

// allocPage 先从freelist取, 空了再扩展文件尾部
func (s *pageStorage) allocPage(typ uint8) (*page, error) {
	var pgId uint64
	if s.freelist != nil {
		id, found, err := s.freelist.pop()
		if err != nil {
			return nil, err
		}
		if found {
			pgId = id
		}
	}
	if pgId == 0 {
		mv := s.metaView()
		pgId = mv.nextPageId()
		for pgId >= s.pageCount() {
			if err := s.grow(); err != nil {
				return nil, err
			}
		}
		mv.setNextPageId(pgId + 1)
		s.markDirty(s.meta)
	}
	p := &page{id: pgId, buf: make([]byte, s.pageSize)}
	p.setTyp(typ)
	p.setSelfId(pgId)
	s.cache.put(p)
	s.markDirty(p)
	s.purgeCache()
	return p, nil
}

// freePage 从cache摘掉并把page id还给freelist.
// 磁盘上的旧内容不动, 等这个id被重新分配时自然覆盖
func (s *pageStorage) freePage(p *page) error {
	if p.id == 0 {
		return fmt.Errorf("%w: cannot free header page", ErrInvParameter)
	}
	s.changeset.forget(p)
	s.cache.remove(p)
	if s.freelist == nil {
		return nil
	}
	return s.freelist.push(p.id)
}

func (s *pageStorage) markDirty(p *page) {
	p.dirty = true
	if s.changeset != nil {
		s.changeset.add(p)
	}
}

// flushRaw 把页拷回mmap并刷新sum, 不经过changeset
func (s *pageStorage) flushRaw(p *page) {
	p.updateChecksum()
	off := p.id * uint64(s.pageSize)
	copy(s.dat[off:off+uint64(s.pageSize)], p.buf)
}

func (s *pageStorage) sync() error {
	if err := sys.MSync(s.dat); err != nil {
		return fmt.Errorf("%w: msync: %v", ErrIO, err)
	}
	return nil
}

// applyPage WAL恢复用, 直接把整页镜像写回mmap
func (s *pageStorage) applyPage(pgId uint64, buf []byte) error {
	off := pgId * uint64(s.pageSize)
	for off+uint64(s.pageSize) > uint64(len(s.dat)) {
		if err := s.grow(); err != nil {
			return err
		}
	}
	copy(s.dat[off:off+uint64(s.pageSize)], buf)
	if pgId == 0 {
		copy(s.meta.buf, buf)
	}
	return nil
}

func (s *pageStorage) flushMeta() error {
	s.flushRaw(s.meta)
	return nil
}

func (s *pageStorage) purgeCache() {
	if !s.cache.overCapacity() {
		return
	}
	evicted := s.cache.purge()
	if len(evicted) > 0 && s.logger != nil {
		s.logger.Debug("purge page cache", "evicted", len(evicted))
	}
}

// -------- header页视图 --------

type metaView struct {
	b []byte
}

func (s *pageStorage) metaView() metaView {
	return metaView{b: s.meta.payload()}
}

func (m metaView) magic() (v [4]byte) {
	copy(v[:], m.b[metaOffMagic:])
	return
}

func (m metaView) setMagic(v [4]byte) {
	copy(m.b[metaOffMagic:], v[:])
}

func (m metaView) version() uint32 {
	return binary.LittleEndian.Uint32(m.b[metaOffVersion:])
}

func (m metaView) setVersion(v uint32) {
	binary.LittleEndian.PutUint32(m.b[metaOffVersion:], v)
}

func (m metaView) pageSize() uint32 {
	return binary.LittleEndian.Uint32(m.b[metaOffPageSize:])
}

func (m metaView) setPageSize(v uint32) {
	binary.LittleEndian.PutUint32(m.b[metaOffPageSize:], v)
}

func (m metaView) dbCount() uint16 {
	return binary.LittleEndian.Uint16(m.b[metaOffDbCount:])
}

func (m metaView) setDbCount(v uint16) {
	binary.LittleEndian.PutUint16(m.b[metaOffDbCount:], v)
}

func (m metaView) nextPageId() uint64 {
	return binary.LittleEndian.Uint64(m.b[metaOffNextPageId:])
}

func (m metaView) setNextPageId(v uint64) {
	binary.LittleEndian.PutUint64(m.b[metaOffNextPageId:], v)
}

func (m metaView) nextTxnId() uint64 {
	return binary.LittleEndian.Uint64(m.b[metaOffNextTxnId:])
}

func (m metaView) setNextTxnId(v uint64) {
	binary.LittleEndian.PutUint64(m.b[metaOffNextTxnId:], v)
}

func (m metaView) freelistHead() uint64 {
	return binary.LittleEndian.Uint64(m.b[metaOffFreelistHead:])
}

func (m metaView) setFreelistHead(v uint64) {
	binary.LittleEndian.PutUint64(m.b[metaOffFreelistHead:], v)
}

// catalogEntry header页目录里的一个database
type catalogEntry struct {
	b []byte
}

func (m metaView) catalogAt(i int) catalogEntry {
	off := metaOffCatalog + i*catalogEntrySize
	return catalogEntry{b: m.b[off : off+catalogEntrySize]}
}

// findDb 按名字查目录项, 找不到返回-1
func (m metaView) findDb(name uint16) int {
	n := int(m.dbCount())
	for i := 0; i < n; i++ {
		if m.catalogAt(i).name() == name {
			return i
		}
	}
	return -1
}

func (m metaView) appendDb(name uint16, flags uint16, keySize uint16, recordSize uint32) catalogEntry {
	i := int(m.dbCount())
	m.setDbCount(uint16(i + 1))
	e := m.catalogAt(i)
	clear(e.b)
	e.setName(name)
	e.setFlags(flags)
	e.setKeySize(keySize)
	e.setRecordSize(recordSize)
	return e
}

func (e catalogEntry) name() uint16 {
	return binary.LittleEndian.Uint16(e.b[0:])
}

func (e catalogEntry) setName(v uint16) {
	binary.LittleEndian.PutUint16(e.b[0:], v)
}

func (e catalogEntry) flags() uint16 {
	return binary.LittleEndian.Uint16(e.b[2:])
}

func (e catalogEntry) setFlags(v uint16) {
	binary.LittleEndian.PutUint16(e.b[2:], v)
}

func (e catalogEntry) keySize() uint16 {
	return binary.LittleEndian.Uint16(e.b[4:])
}

func (e catalogEntry) setKeySize(v uint16) {
	binary.LittleEndian.PutUint16(e.b[4:], v)
}

func (e catalogEntry) recordSize() uint32 {
	return binary.LittleEndian.Uint32(e.b[8:])
}

func (e catalogEntry) setRecordSize(v uint32) {
	binary.LittleEndian.PutUint32(e.b[8:], v)
}

func (e catalogEntry) rootPgId() uint64 {
	return binary.LittleEndian.Uint64(e.b[16:])
}

func (e catalogEntry) setRootPgId(v uint64) {
	binary.LittleEndian.PutUint64(e.b[16:], v)
}

func (e catalogEntry) keyCount() uint64 {
	return binary.LittleEndian.Uint64(e.b[24:])
}

func (e catalogEntry) setKeyCount(v uint64) {
	binary.LittleEndian.PutUint64(e.b[24:], v)
}

func (e catalogEntry) recnoSeq() uint64 {
	return binary.LittleEndian.Uint64(e.b[32:])
}

func (e catalogEntry) setRecnoSeq(v uint64) {
	binary.LittleEndian.PutUint64(e.b[32:], v)
}
