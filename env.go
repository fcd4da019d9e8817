package upscaledb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Env 单文件环境: 页存储/缓存/freelist/record log/事务链,
// 以及按u16名字编目的若干database
type Env struct {
	cfg       Config
	logger    *slog.Logger
	cache     *cache
	storage   *pageStorage
	changeset *changeset
	freelist  *freelist
	stat      iStat
	// 事务按开始顺序连成链, head最老. flush从head吃已提交的
	txnHead *Txn
	txnTail *Txn
	dbs     map[uint16]*Database
	// 单写者路径的大锁
	mu sync.Mutex
}

func OpenEnv(cfg Config) (*Env, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvParameter)
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.PageSize&(cfg.PageSize-1) != 0 || cfg.PageSize < 1024 || cfg.PageSize > 65536 {
		return nil, fmt.Errorf("%w: page size %d", ErrInvParameter, cfg.PageSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.RootDir != "" {
		if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	e := &Env{
		cfg:    cfg,
		logger: cfg.Logger,
		dbs:    make(map[uint16]*Database),
	}
	dbPath := filepath.Join(cfg.RootDir, cfg.Name+".db")
	e.cache = newCache(&cfg)
	e.storage = newPageStorage(dbPath, cfg.PageSize, e.cache, e.logger)
	if err := e.storage.init(); err != nil {
		return nil, err
	}
	e.changeset = newChangeset(e.storage, dbPath+".wal", e.logger)
	e.storage.changeset = e.changeset
	if err := e.changeset.init(); err != nil {
		return nil, err
	}
	// 上次没截断的log说明有没刷完的changeset, 先重放
	if err := e.changeset.log.recover(e.storage); err != nil {
		return nil, err
	}
	e.freelist = newFreelist(e.storage)
	e.storage.freelist = e.freelist
	e.logger.Debug("env opened", "path", dbPath, "pageSize", cfg.PageSize)
	return e, nil
}

func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	// 还活着的事务一律按abort处理, 先斩断它们的游标
	for _, db := range e.dbs {
		for c := range db.cursors {
			delete(db.cursors, c)
			if c.txn != nil {
				c.txn.cursorRefcount--
			}
			c.btrc.setToNil()
			c.txnc.setToNil()
			c.valid = false
		}
	}
	for e.txnHead != nil {
		t := e.txnHead
		if t.state == txnStateCommitted {
			if err := e.flushCommittedLocked(); err != nil {
				return err
			}
			continue
		}
		e.unlinkTxn(t)
	}
	if err := e.changeset.flush(); err != nil {
		return err
	}
	if err := e.changeset.close(); err != nil {
		return err
	}
	return e.storage.close()
}

func (e *Env) maxDbCount() int {
	return (int(e.cfg.PageSize) - pageHeaderSize - metaOffCatalog) / catalogEntrySize
}

// CreateDatabase 在header页目录里登记一个新库
func (e *Env) CreateDatabase(name uint16, dcfg DatabaseConfig) (*Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mv := e.storage.metaView()
	if mv.findDb(name) >= 0 {
		return nil, fmt.Errorf("%w: database %d already exists", ErrDuplicateKey, name)
	}
	if int(mv.dbCount()) >= e.maxDbCount() {
		return nil, fmt.Errorf("%w: catalog full", ErrInvParameter)
	}
	if err := e.validateDbConfig(&dcfg); err != nil {
		return nil, err
	}
	var flags uint16
	if dcfg.Recno {
		flags |= dbFlagRecno
	}
	mv.appendDb(name, flags, dcfg.KeySize, dcfg.RecordSize)
	e.storage.markDirty(e.storage.meta)
	if err := e.changeset.flush(); err != nil {
		return nil, err
	}
	return e.attachDb(name, dcfg, mv.findDb(name)), nil
}

func (e *Env) validateDbConfig(dcfg *DatabaseConfig) error {
	if dcfg.RecordSize == 0 {
		dcfg.RecordSize = RecordSizeUnlimited
	}
	if dcfg.Recno {
		// recno的key固定是8字节序号
		if dcfg.KeySize != 0 && dcfg.KeySize != 8 {
			return fmt.Errorf("%w: recno key size must be 8", ErrInvParameter)
		}
		dcfg.KeySize = 8
	}
	usable := int(e.cfg.PageSize) - pageHeaderSize - nodeHeaderSize
	if dcfg.KeySize > 0 {
		recSize := 8
		if dcfg.RecordSize != RecordSizeUnlimited {
			recSize = int(dcfg.RecordSize)
		}
		maxCnt := usable / (int(dcfg.KeySize) + 1 + recSize)
		if maxCnt < 2*(mergeThreshold+1) {
			return fmt.Errorf("%w: key/record size too large for page", ErrInvParameter)
		}
	} else if dcfg.RecordSize != RecordSizeUnlimited {
		return fmt.Errorf("%w: fixed record size requires fixed key size", ErrInvParameter)
	}
	return nil
}

// OpenDatabase 打开已有的库. cmp为nil时用bytes序
func (e *Env) OpenDatabase(name uint16, cmp Comparator) (*Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[name]; ok {
		return db, nil
	}
	mv := e.storage.metaView()
	idx := mv.findDb(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %d", ErrDatabaseNotFound, name)
	}
	entry := mv.catalogAt(idx)
	dcfg := DatabaseConfig{
		KeySize:    entry.keySize(),
		RecordSize: entry.recordSize(),
		Recno:      entry.flags()&dbFlagRecno != 0,
		Comparator: cmp,
	}
	return e.attachDb(name, dcfg, idx), nil
}

func (e *Env) attachDb(name uint16, dcfg DatabaseConfig, idx int) *Database {
	cmp := dcfg.Comparator
	if cmp == nil {
		cmp = defaultComparator
	}
	db := &Database{
		env:        e,
		name:       name,
		cfg:        dcfg,
		catalogIdx: idx,
		comparator: cmp,
		cursors:    make(map[*Cursor]struct{}),
	}
	db.optree = newOpTree(cmp)
	db.tree = &btree{db: db}
	db.blobs = newBlobManager(e.storage)
	e.dbs[name] = db
	return db
}

// Begin 开一个事务, id单调递增并持久化在header页里
func (e *Env) Begin(flags TxnFlag) (*Txn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.beginLocked(flags)
}

func (e *Env) beginLocked(flags TxnFlag) (*Txn, error) {
	mv := e.storage.metaView()
	id := mv.nextTxnId()
	mv.setNextTxnId(id + 1)
	e.storage.markDirty(e.storage.meta)
	t := &Txn{
		id:    id,
		flags: flags,
		state: txnStateActive,
		env:   e,
	}
	if e.txnTail != nil {
		e.txnTail.next = t
		t.prev = e.txnTail
	} else {
		e.txnHead = t
	}
	e.txnTail = t
	return t, nil
}

func (e *Env) unlinkTxn(t *Txn) {
	if t.prev != nil {
		t.prev.next = t.next
	} else if e.txnHead == t {
		e.txnHead = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else if e.txnTail == t {
		e.txnTail = t.prev
	}
	t.prev = nil
	t.next = nil
}

// flushCommittedLocked 从最老的事务开始, 把连续的已提交事务灌进B树.
// 碰到第一个还活跃的就停, 保证同key冲突按提交顺序落盘
func (e *Env) flushCommittedLocked() error {
	for e.txnHead != nil && e.txnHead.state == txnStateCommitted {
		t := e.txnHead
		for op := t.opsHead; op != nil; op = op.nextInTxn {
			if err := e.flushOp(op); err != nil {
				return err
			}
		}
		t.opsHead = nil
		t.opsTail = nil
		e.unlinkTxn(t)
		e.stat.txnFlushCount.Add(1)
	}
	return e.changeset.flush()
}

func (e *Env) flushOp(op *txnOp) error {
	db := op.db
	if err := db.uncoupleBtreeCursors(); err != nil {
		return err
	}
	key := op.node.key
	switch {
	case op.flags&(txnOpInsert|txnOpInsertOw) != 0:
		flags := InsertFlag(0)
		if op.flags&txnOpInsertOw != 0 {
			flags |= Overwrite
		}
		replaced, err := db.tree.insert(key, op.record, flags)
		if err == ErrDuplicateKey {
			// 两个事务先后写了同一个key, 提交晚的覆盖
			replaced, err = db.tree.insert(key, op.record, Overwrite)
		}
		if err != nil {
			return err
		}
		if !replaced {
			db.catalog().setKeyCount(db.catalog().keyCount() + 1)
			e.storage.markDirty(e.storage.meta)
		}
	case op.flags&txnOpErase != 0:
		err := db.tree.erase(key)
		if err == ErrKeyNotFound {
			// key只存在于op链里, B树侧本来就没有
			err = nil
		} else if err == nil {
			db.catalog().setKeyCount(db.catalog().keyCount() - 1)
			e.storage.markDirty(e.storage.meta)
		}
		if err != nil {
			return err
		}
	}
	// 吸收完毕: coupled的txn游标退成uncoupled, op从node链上摘掉
	for _, tc := range append([]*txnCursor{}, op.cursors...) {
		tc.uncoupleFrom(op)
	}
	node := op.node
	node.removeOp(op)
	if node.empty() {
		db.optree.remove(node)
	}
	return nil
}

// Stats 运行期计数的快照
func (e *Env) Stats() ExportStat {
	cs := e.cache.stat()
	return ExportStat{
		CacheHit:       cs.hits,
		CacheMis:       cs.misses,
		CachedPages:    cs.entries,
		TxnCommitCount: e.stat.txnCommitCount.Load(),
		TxnAbortCount:  e.stat.txnAbortCount.Load(),
		TxnFlushCount:  e.stat.txnFlushCount.Load(),
	}
}
