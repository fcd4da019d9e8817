package upscaledb

import "fmt"

// Cursor 对外的游标: 一个btree游标加一个txn游标,
// 两边各出一个候选key, 按方向取近的, 平局时txn一侧赢(它代表更新的写入)
type Cursor struct {
	db    *Database
	txn   *Txn
	btrc  *btreeCursor
	txnc  *txnCursor
	curKey []byte
	curRec []byte
	valid  bool
}

// Cursor 打开一个游标. 游标未关闭时所属事务不能提交或中止
func (db *Database) Cursor(txn *Txn) (*Cursor, error) {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	if txn != nil && txn.state != txnStateActive {
		return nil, fmt.Errorf("%w: txn %d not active", ErrInvParameter, txn.id)
	}
	c := &Cursor{
		db:   db,
		txn:  txn,
		btrc: newBtreeCursor(db.tree),
		txnc: newTxnCursor(db, txn),
	}
	if txn != nil {
		txn.cursorRefcount++
	}
	db.cursors[c] = struct{}{}
	return c, nil
}

func (c *Cursor) Close() error {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	if _, ok := c.db.cursors[c]; !ok {
		return nil
	}
	delete(c.db.cursors, c)
	if c.txn != nil {
		c.txn.cursorRefcount--
	}
	c.btrc.setToNil()
	c.txnc.setToNil()
	c.valid = false
	return nil
}

// Key 当前位置的key拷贝
func (c *Cursor) Key() ([]byte, error) {
	if !c.valid {
		return nil, ErrCursorIsNil
	}
	return append([]byte{}, c.curKey...), nil
}

// Record 当前位置的record拷贝
func (c *Cursor) Record() ([]byte, error) {
	if !c.valid {
		return nil, ErrCursorIsNil
	}
	return append([]byte{}, c.curRec...), nil
}

func (c *Cursor) Move(flags MoveFlag) error {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	switch {
	case flags&MoveFirst != 0:
		return c.seek(nil, true, false, true)
	case flags&MoveLast != 0:
		return c.seek(nil, false, false, true)
	case flags&MoveNext != 0:
		if !c.valid {
			return ErrCursorIsNil
		}
		return c.seek(c.curKey, true, false, false)
	case flags&MovePrevious != 0:
		if !c.valid {
			return ErrCursorIsNil
		}
		return c.seek(c.curKey, false, false, false)
	default:
		return ErrInvParameter
	}
}

// Find 定位到key本身或者按flags语义最近的key
func (c *Cursor) Find(key []byte, flags FindFlag) error {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	return c.findLocked(key, flags)
}

func (c *Cursor) findLocked(key []byte, flags FindFlag) error {
	if key == nil {
		return ErrInvParameter
	}
	if flags.allowExact() {
		found, rec, err := c.mergedExact(key)
		if err != nil {
			return err
		}
		if found {
			c.setCurrent(key, rec)
			return nil
		}
		if flags == MatchExact {
			c.valid = false
			return ErrKeyNotFound
		}
	}
	if !flags.approx() {
		c.valid = false
		return ErrKeyNotFound
	}
	return c.seek(key, flags.forward(), false, false)
}

// mergedExact 精确查找的合并视图: txn链先给结论, 没有结论再看B树
func (c *Cursor) mergedExact(key []byte) (found bool, record []byte, err error) {
	if node := c.db.optree.get(key); node != nil {
		op, tombstone := visibleDecisiveOp(node, c.txn, nil)
		if op != nil {
			c.txnc.couple(op)
			c.btrc.setToNil()
			return true, append([]byte{}, op.record...), nil
		}
		if tombstone {
			return false, nil, nil
		}
	}
	err = c.btrc.find(key, MatchExact)
	if err == nil {
		c.txnc.setToNil()
		record, err = c.btrc.record()
		if err != nil {
			return
		}
		return true, record, nil
	}
	if err == ErrKeyNotFound {
		return false, nil, nil
	}
	return
}

// seek 从probe出发按方向找下一个合并可见的key.
// edge=true时忽略probe, 直接从两侧的端点开始
func (c *Cursor) seek(probe []byte, forward, inclusive, edge bool) error {
	btKey, btRec, err := c.btreeCandidate(probe, forward, inclusive, edge)
	if err != nil {
		return err
	}
	node, op := c.txnCandidate(probe, forward, inclusive, edge)
	if btKey == nil && node == nil {
		c.valid = false
		return ErrKeyNotFound
	}
	useTxn := false
	switch {
	case btKey == nil:
		useTxn = true
	case node == nil:
		useTxn = false
	default:
		cmp := c.db.cmp(node.key, btKey)
		if forward {
			// key相同时txn一侧代表更新的写入
			useTxn = cmp <= 0
		} else {
			useTxn = cmp >= 0
		}
	}
	if useTxn {
		c.txnc.couple(op)
		c.btrc.setToNil()
		c.setCurrent(node.key, append([]byte{}, op.record...))
	} else {
		c.txnc.setToNil()
		c.setCurrent(btKey, btRec)
	}
	return nil
}

func (c *Cursor) setCurrent(key, record []byte) {
	c.curKey = append([]byte{}, key...)
	c.curRec = record
	c.valid = true
}

// btreeCandidate B树侧的候选: 方向上第一个没被可见erase钉掉的key
func (c *Cursor) btreeCandidate(probe []byte, forward, inclusive, edge bool) (key, record []byte, err error) {
	if edge {
		if forward {
			err = c.btrc.moveFirst()
		} else {
			err = c.btrc.moveLast()
		}
	} else {
		var flags FindFlag
		switch {
		case forward && inclusive:
			flags = GeqMatch
		case forward:
			flags = GtMatch
		case inclusive:
			flags = LeqMatch
		default:
			flags = LtMatch
		}
		err = c.btrc.find(probe, flags)
	}
	for {
		if err == ErrKeyNotFound {
			return nil, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
		key, err = c.btrc.key()
		if err != nil {
			return nil, nil, err
		}
		if !c.tombstoned(key) {
			record, err = c.btrc.record()
			if err != nil {
				return nil, nil, err
			}
			return key, record, nil
		}
		// 被erase的key对这个reader不存在, 继续往前走
		if forward {
			err = c.btrc.moveNext()
		} else {
			err = c.btrc.movePrevious()
		}
	}
}

// tombstoned key上最新的可见决定性op是erase
func (c *Cursor) tombstoned(key []byte) bool {
	node := c.db.optree.get(key)
	if node == nil {
		return false
	}
	op, tombstone := visibleDecisiveOp(node, c.txn, nil)
	return op == nil && tombstone
}

// txnCandidate op树侧的候选: 方向上第一个有可见INSERT结论的opNode
func (c *Cursor) txnCandidate(probe []byte, forward, inclusive, edge bool) (*opNode, *txnOp) {
	tree := c.db.optree
	var node *opNode
	switch {
	case edge:
		if forward {
			node = tree.first()
		} else {
			node = tree.last()
		}
	case inclusive:
		node = tree.get(probe)
		if node == nil {
			if forward {
				node = tree.next(probe)
			} else {
				node = tree.prev(probe)
			}
		}
	default:
		if forward {
			node = tree.next(probe)
		} else {
			node = tree.prev(probe)
		}
	}
	for node != nil {
		op, _ := visibleDecisiveOp(node, c.txn, nil)
		if op != nil {
			return node, op
		}
		if forward {
			node = tree.next(node.key)
		} else {
			node = tree.prev(node.key)
		}
	}
	return nil, nil
}
