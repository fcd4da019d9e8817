package upscaledb

// visibleDecisiveOp 在op链上从较新往较老走(after非nil时从它的下一个开始),
// 跳过不可见的op, 直到碰到一个能下结论的:
// INSERT/INSERT_OW返回op本身, ERASE返回tombstone, NOP继续往下
func visibleDecisiveOp(node *opNode, reader *Txn, after *txnOp) (op *txnOp, tombstone bool) {
	cur := node.newest
	if after != nil {
		cur = after.nextInNode
	}
	for cur != nil {
		if cur.visibleTo(reader) {
			if cur.flags&(txnOpInsert|txnOpInsertOw) != 0 {
				return cur, false
			}
			if cur.flags&txnOpErase != 0 {
				return nil, true
			}
			// nop: 继续看更老的
		}
		cur = cur.nextInNode
	}
	return nil, false
}

type txnCursorState uint8

const (
	tcsNil txnCursorState = iota
	tcsCoupled
	tcsUncoupled
)

// txnCursor 停在某个opNode的某条op上. op被flush进B树后游标退化成
// uncoupled(只剩key拷贝), 之后的读要回到B树里重新定位
type txnCursor struct {
	db           *Database
	txn          *Txn
	state        txnCursorState
	op           *txnOp
	uncoupledKey []byte
}

func newTxnCursor(db *Database, txn *Txn) *txnCursor {
	return &txnCursor{db: db, txn: txn}
}

func (c *txnCursor) isNil() bool {
	return c.state == tcsNil
}

func (c *txnCursor) setToNil() {
	if c.state == tcsCoupled && c.op != nil {
		c.op.removeCursor(c)
	}
	c.state = tcsNil
	c.op = nil
	c.uncoupledKey = nil
}

func (c *txnCursor) couple(op *txnOp) {
	c.setToNil()
	c.state = tcsCoupled
	c.op = op
	op.addCursor(c)
}

// uncoupleFrom op被吸收进B树时由flush调用, 留下key拷贝
func (c *txnCursor) uncoupleFrom(op *txnOp) {
	if c.op != op {
		return
	}
	key := append([]byte{}, op.node.key...)
	op.removeCursor(c)
	c.op = nil
	c.state = tcsUncoupled
	c.uncoupledKey = key
}

// moveNextInNode 在node的op链里找一条可见的决定性op.
// 没有duplicate支持时反向遍历和正向是同一回事
func (c *txnCursor) moveNextInNode(node *opNode, after *txnOp) error {
	op, _ := visibleDecisiveOp(node, c.txn, after)
	if op != nil {
		c.couple(op)
		return nil
	}
	// erase的tombstone和链上没有结论一样, 都是KEY_NOT_FOUND
	return ErrKeyNotFound
}

func (c *txnCursor) move(flags MoveFlag) error {
	tree := c.db.optree
	switch {
	case flags&MoveFirst != 0:
		c.setToNil()
		node := tree.first()
		for node != nil {
			if err := c.moveNextInNode(node, nil); err == nil {
				return nil
			}
			node = tree.next(node.key)
		}
		return ErrKeyNotFound
	case flags&MoveLast != 0:
		c.setToNil()
		node := tree.last()
		for node != nil {
			if err := c.moveNextInNode(node, nil); err == nil {
				return nil
			}
			node = tree.prev(node.key)
		}
		return ErrKeyNotFound
	case flags&MoveNext != 0:
		if c.isNil() {
			return ErrCursorIsNil
		}
		key := c.currentKey()
		node := tree.next(key)
		for node != nil {
			if err := c.moveNextInNode(node, nil); err == nil {
				return nil
			}
			node = tree.next(node.key)
		}
		return ErrKeyNotFound
	case flags&MovePrevious != 0:
		if c.isNil() {
			return ErrCursorIsNil
		}
		key := c.currentKey()
		node := tree.prev(key)
		for node != nil {
			if err := c.moveNextInNode(node, nil); err == nil {
				return nil
			}
			node = tree.prev(node.key)
		}
		return ErrKeyNotFound
	default:
		return ErrInvParameter
	}
}

func (c *txnCursor) currentKey() []byte {
	if c.state == tcsCoupled {
		return c.op.node.key
	}
	return c.uncoupledKey
}

func (c *txnCursor) find(key []byte) error {
	c.setToNil()
	node := c.db.optree.get(key)
	if node == nil {
		return ErrKeyNotFound
	}
	return c.moveNextInNode(node, nil)
}

func (c *txnCursor) getKey() ([]byte, error) {
	switch c.state {
	case tcsCoupled:
		return append([]byte{}, c.op.node.key...), nil
	case tcsUncoupled:
		// 位置已经被B树吸收, 让caller拿着key去查B树
		return nil, ErrInternal
	default:
		return nil, ErrCursorIsNil
	}
}

func (c *txnCursor) getRecord() ([]byte, error) {
	switch c.state {
	case tcsCoupled:
		return append([]byte{}, c.op.record...), nil
	case tcsUncoupled:
		return nil, ErrInternal
	default:
		return nil, ErrCursorIsNil
	}
}

// 下面这些在op链支持duplicate之前都没有实现
func (c *txnCursor) clone() (*txnCursor, error) {
	return nil, ErrNotImplemented
}

func (c *txnCursor) overwrite(record []byte) error {
	return ErrNotImplemented
}

func (c *txnCursor) eraseCurrent() error {
	return ErrNotImplemented
}

func (c *txnCursor) duplicateCount() (int, error) {
	return 0, ErrNotImplemented
}
