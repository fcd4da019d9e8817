package upscaledb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
)

const (
	recordStart uint64 = 0xaabbccddeeff
	recordEnd   uint64 = 0xffeeddccbbaa
)

// changeset 一次逻辑操作弄脏的页集合, 作为页写入的事务单元.
// flush时先写record log并落盘, 再把页刷回mmap, 最后截断log
type changeset struct {
	list pageCollection
	log  *recordLog
	s    *pageStorage
}

func newChangeset(s *pageStorage, logPath string, logger *slog.Logger) *changeset {
	return &changeset{
		list: newPageCollection(kListChangeset),
		log:  &recordLog{path: logPath, pageSize: s.pageSize, logger: logger},
		s:    s,
	}
}

func (cs *changeset) init() error {
	return cs.log.open()
}

func (cs *changeset) close() error {
	return cs.log.close()
}

func (cs *changeset) add(p *page) {
	if cs.list.contains(p) {
		return
	}
	cs.list.pushFront(p)
}

func (cs *changeset) forget(p *page) {
	cs.list.remove(p)
	p.dirty = false
}

func (cs *changeset) empty() bool {
	return cs.list.size == 0
}

// flush 原子落盘整个changeset: 所有页镜像进log或者一个都不进
func (cs *changeset) flush() error {
	if cs.empty() {
		return nil
	}
	pages := make([]*page, 0, cs.list.size)
	cs.list.each(func(p *page) bool {
		pages = append(pages, p)
		return true
	})
	err := cs.log.writeFrame(pages)
	if err != nil {
		return err
	}
	for _, p := range pages {
		cs.s.flushRaw(p)
		p.dirty = false
	}
	cs.list.clear()
	// 页先msync落盘, log才可以截断, 否则中途断电两头都没了
	if err = cs.s.sync(); err != nil {
		return err
	}
	return cs.log.reset()
}

// recordLog 整页镜像的WAL. 帧格式: start magic, N条record, end magic.
// record: {length u32, checksum u32, pgId u64, 整页数据}
type recordLog struct {
	file     *os.File
	path     string
	pageSize uint32
	logger   *slog.Logger
}

func (l *recordLog) open() (err error) {
	l.file, err = os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (l *recordLog) close() (err error) {
	if l.file == nil {
		return nil
	}
	err = l.file.Close()
	l.file = nil
	return
}

func (l *recordLog) writeFrame(pages []*page) error {
	var buf bytes.Buffer
	buf.Grow(16 + len(pages)*(16+int(l.pageSize)))
	buf.Write(binary.BigEndian.AppendUint64(nil, recordStart))
	for _, p := range pages {
		payload := make([]byte, 8+len(p.buf))
		binary.LittleEndian.PutUint64(payload, p.id)
		copy(payload[8:], p.buf)
		buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(payload))))
		buf.Write(binary.BigEndian.AppendUint32(nil, crc32.ChecksumIEEE(payload)))
		buf.Write(payload)
	}
	buf.Write(binary.BigEndian.AppendUint64(nil, recordEnd))
	writeData := buf.Bytes()
	writeCount, err := l.file.Write(writeData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if writeCount != len(writeData) {
		return fmt.Errorf("%w: write count %d not equal %d", ErrIO, writeCount, len(writeData))
	}
	return l.file.Sync()
}

// reset 页都已安全落盘, log可以清空了.
// NOTE: 这里不调用sync来同步文件元数据, 没截断成功重新打开时走恢复流程
func (l *recordLog) reset() error {
	err := l.file.Truncate(0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	_, err = l.file.Seek(0, io.SeekStart)
	return err
}

// recover 重放完整的帧, 撕裂的帧直接丢弃
func (l *recordLog) recover(s *pageStorage) error {
	stat, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if stat.Size() == 0 {
		return nil
	}
	data := make([]byte, stat.Size())
	_, err = l.file.ReadAt(data, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	type rec struct {
		pgId uint64
		buf  []byte
	}
	var recs []rec
	ok := func() bool {
		if len(data) < 8 || binary.BigEndian.Uint64(data) != recordStart {
			return false
		}
		data = data[8:]
		for {
			if len(data) >= 8 && binary.BigEndian.Uint64(data) == recordEnd {
				return true
			}
			if len(data) < 8 {
				return false
			}
			length := binary.BigEndian.Uint32(data)
			sum := binary.BigEndian.Uint32(data[4:])
			data = data[8:]
			if uint32(len(data)) < length || length < 8 {
				return false
			}
			payload := data[:length]
			if crc32.ChecksumIEEE(payload) != sum {
				return false
			}
			recs = append(recs, rec{
				pgId: binary.LittleEndian.Uint64(payload),
				buf:  payload[8:],
			})
			data = data[length:]
		}
	}()
	if ok {
		if l.logger != nil {
			l.logger.Info("recover from record log", "pages", len(recs))
		}
		for _, r := range recs {
			if err = s.applyPage(r.pgId, r.buf); err != nil {
				return err
			}
		}
	} else if l.logger != nil {
		l.logger.Warn("discard torn record log frame")
	}
	return l.reset()
}
