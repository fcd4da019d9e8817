package upscaledb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Database 环境里的一个有序KV库. 读写都经过合并视图:
// B树基态 + 本事务未提交的op + 其它事务已提交未flush的op
type Database struct {
	env        *Env
	name       uint16
	cfg        DatabaseConfig
	catalogIdx int
	optree     *opTree
	tree       *btree
	blobs      *blobManager
	comparator Comparator
	cursors    map[*Cursor]struct{}
}

func (db *Database) cmp(a, b []byte) int {
	return db.comparator(a, b)
}

func (db *Database) catalog() catalogEntry {
	return db.env.storage.metaView().catalogAt(db.catalogIdx)
}

// layoutFor 按key/record的定长与否挑节点布局.
// 定长key走pax; internal节点的record固定是8字节child id
func (db *Database) layoutFor(n *btreeNode) nodeLayout {
	if db.cfg.KeySize > 0 {
		keySize := int(db.cfg.KeySize)
		if n.isLeaf() && db.cfg.RecordSize != RecordSizeUnlimited {
			return newPaxLayout(n, keySize, int(db.cfg.RecordSize), true)
		}
		return newPaxLayout(n, keySize, 8, false)
	}
	return newDefaultLayout(n)
}

func (db *Database) validateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvParameter)
	}
	if db.cfg.KeySize > 0 && len(key) != int(db.cfg.KeySize) {
		return fmt.Errorf("%w: key size %d, want %d", ErrInvParameter, len(key), db.cfg.KeySize)
	}
	if len(key) > maxKeySize {
		return fmt.Errorf("%w: key size %d exceeds %d", ErrInvParameter, len(key), maxKeySize)
	}
	return nil
}

func (db *Database) validateRecord(record []byte) error {
	if db.cfg.RecordSize != RecordSizeUnlimited && len(record) != int(db.cfg.RecordSize) {
		return fmt.Errorf("%w: record size %d, want %d", ErrInvParameter, len(record), db.cfg.RecordSize)
	}
	return nil
}

// 结构性修改之前把这个库上所有btree游标退到key拷贝状态
func (db *Database) uncoupleBtreeCursors() error {
	for c := range db.cursors {
		if err := c.btrc.uncouple(); err != nil {
			return err
		}
	}
	return nil
}

// mergedVisible key在合并视图里是否存在
func (db *Database) mergedVisible(txn *Txn, key []byte) (bool, error) {
	if node := db.optree.get(key); node != nil {
		op, tombstone := visibleDecisiveOp(node, txn, nil)
		if op != nil {
			return true, nil
		}
		if tombstone {
			return false, nil
		}
	}
	_, err := db.tree.lookup(key)
	if err == nil {
		return true, nil
	}
	if err == ErrKeyNotFound {
		return false, nil
	}
	return false, err
}

// Insert 写入一条(key, record). recno库里空key会被分配下一个8字节
// 大端序号并随返回值带回. 没有事务时隐式开一个并立刻提交
func (db *Database) Insert(txn *Txn, key, record []byte, flags InsertFlag) (retKey []byte, err error) {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	return db.insertLocked(txn, key, record, flags)
}

func (db *Database) insertLocked(txn *Txn, key, record []byte, flags InsertFlag) (retKey []byte, err error) {
	if db.cfg.Recno && len(key) == 0 {
		seq := db.catalog().recnoSeq() + 1
		db.catalog().setRecnoSeq(seq)
		db.env.storage.markDirty(db.env.storage.meta)
		key = binary.BigEndian.AppendUint64(nil, seq)
	}
	if err = db.validateKey(key); err != nil {
		return
	}
	if err = db.validateRecord(record); err != nil {
		return
	}
	retKey = key
	if txn == nil {
		var tmp *Txn
		tmp, err = db.env.beginLocked(0)
		if err != nil {
			return
		}
		if err = db.insertTxn(tmp, key, record, flags); err != nil {
			_ = tmp.abortLocked()
			return
		}
		err = tmp.commitLocked()
		return
	}
	err = db.insertTxn(txn, key, record, flags)
	return
}

func (db *Database) insertTxn(txn *Txn, key, record []byte, flags InsertFlag) error {
	if txn.readOnly() {
		return fmt.Errorf("%w: txn %d is read-only", ErrInvParameter, txn.id)
	}
	exists, err := db.mergedVisible(txn, key)
	if err != nil {
		return err
	}
	// duplicate的放置变体都按默认位置处理, 语义上等同单条覆盖
	dupFlags := Duplicate | DupInsertBefore | DupInsertAfter | DupInsertFirst | DupInsertLast
	if exists && flags&(Overwrite|dupFlags) == 0 {
		return ErrDuplicateKey
	}
	opf := txnOpInsert
	if flags&Overwrite != 0 {
		opf = txnOpInsertOw
	}
	node := db.optree.getOrInsert(key)
	op := &txnOp{
		db:     db,
		flags:  opf,
		record: append([]byte{}, record...),
	}
	txn.appendOp(op)
	node.appendOp(op)
	return nil
}

// Erase 删除key. 对合并视图不可见的key报ErrKeyNotFound
func (db *Database) Erase(txn *Txn, key []byte) error {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	if err := db.validateKey(key); err != nil {
		return err
	}
	if txn == nil {
		tmp, err := db.env.beginLocked(0)
		if err != nil {
			return err
		}
		if err = db.eraseTxn(tmp, key); err != nil {
			_ = tmp.abortLocked()
			return err
		}
		return tmp.commitLocked()
	}
	return db.eraseTxn(txn, key)
}

func (db *Database) eraseTxn(txn *Txn, key []byte) error {
	if txn.readOnly() {
		return fmt.Errorf("%w: txn %d is read-only", ErrInvParameter, txn.id)
	}
	exists, err := db.mergedVisible(txn, key)
	if err != nil {
		return err
	}
	if !exists {
		return ErrKeyNotFound
	}
	node := db.optree.getOrInsert(key)
	op := &txnOp{
		db:    db,
		flags: txnOpErase,
	}
	txn.appendOp(op)
	node.appendOp(op)
	return nil
}

// Find 合并视图上的查找. 近似匹配会把实际命中的key一起带回来
func (db *Database) Find(txn *Txn, key []byte, flags FindFlag) (retKey, record []byte, err error) {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	c := &Cursor{
		db:   db,
		txn:  txn,
		btrc: newBtreeCursor(db.tree),
		txnc: newTxnCursor(db, txn),
	}
	defer func() {
		c.btrc.setToNil()
		c.txnc.setToNil()
	}()
	if err = c.findLocked(key, flags); err != nil {
		return
	}
	return c.curKey, c.curRec, nil
}

// KeyCount 合并视图里的key数量: B树计数加上txn侧可见的净增减
func (db *Database) KeyCount(txn *Txn) (uint64, error) {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	count := int64(db.catalog().keyCount())
	var err error
	db.optree.t.Ascend(func(node *opNode) bool {
		op, tombstone := visibleDecisiveOp(node, txn, nil)
		if op == nil && !tombstone {
			return true
		}
		var inBtree bool
		_, lerr := db.tree.lookup(node.key)
		if lerr == nil {
			inBtree = true
		} else if lerr != ErrKeyNotFound {
			err = lerr
			return false
		}
		if op != nil && !inBtree {
			count++
		} else if op == nil && tombstone && inBtree {
			count--
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, fmt.Errorf("%w: negative key count", ErrInternal)
	}
	return uint64(count), nil
}

func defaultComparator(a, b []byte) int {
	return bytes.Compare(a, b)
}
