package upscaledb

import (
	"fmt"

	gbtree "github.com/google/btree"
)

type opFlags uint32

const (
	txnOpNop      opFlags = 0
	txnOpInsert   opFlags = 1 << 0
	txnOpInsertOw opFlags = 1 << 1
	txnOpErase    opFlags = 1 << 2
)

// txnOp 一条挂在opNode上的变更, 按插入顺序连成双向链.
// nextInNode指向更老的op, prevInNode指向更新的op
type txnOp struct {
	txn        *Txn
	db         *Database
	node       *opNode
	flags      opFlags
	record     []byte
	nextInNode *txnOp
	prevInNode *txnOp
	nextInTxn  *txnOp
	// 当前coupled在这个op上的txn游标, flush时要挨个uncouple
	cursors []*txnCursor
}

func (op *txnOp) addCursor(tc *txnCursor) {
	op.cursors = append(op.cursors, tc)
}

func (op *txnOp) removeCursor(tc *txnCursor) {
	for i, v := range op.cursors {
		if v == tc {
			op.cursors = append(op.cursors[:i], op.cursors[i+1:]...)
			return
		}
	}
}

// visibleTo 本op对reader可见: 同一个事务, 或者owner已提交.
// aborted和其它活跃事务的op都不可见
func (op *txnOp) visibleTo(reader *Txn) bool {
	if op.txn == reader {
		return true
	}
	return op.txn.state == txnStateCommitted
}

// opNode 每个key一个, 挂着这个key上按时间排好的op链
type opNode struct {
	key    []byte
	oldest *txnOp
	newest *txnOp
}

func (n *opNode) appendOp(op *txnOp) {
	op.node = n
	op.nextInNode = n.newest
	if n.newest != nil {
		n.newest.prevInNode = op
	}
	n.newest = op
	if n.oldest == nil {
		n.oldest = op
	}
}

func (n *opNode) removeOp(op *txnOp) {
	if op.prevInNode != nil {
		op.prevInNode.nextInNode = op.nextInNode
	} else {
		n.newest = op.nextInNode
	}
	if op.nextInNode != nil {
		op.nextInNode.prevInNode = op.prevInNode
	} else {
		n.oldest = op.prevInNode
	}
	op.nextInNode = nil
	op.prevInNode = nil
}

func (n *opNode) empty() bool {
	return n.newest == nil
}

// opTree 每个database一棵, 按库的comparator给opNode排序
type opTree struct {
	t   *gbtree.BTreeG[*opNode]
	cmp Comparator
}

func newOpTree(cmp Comparator) *opTree {
	return &opTree{
		t: gbtree.NewG[*opNode](32, func(a, b *opNode) bool {
			return cmp(a.key, b.key) < 0
		}),
		cmp: cmp,
	}
}

func (t *opTree) get(key []byte) *opNode {
	n, ok := t.t.Get(&opNode{key: key})
	if !ok {
		return nil
	}
	return n
}

func (t *opTree) getOrInsert(key []byte) *opNode {
	if n := t.get(key); n != nil {
		return n
	}
	n := &opNode{key: append([]byte{}, key...)}
	t.t.ReplaceOrInsert(n)
	return n
}

func (t *opTree) remove(n *opNode) {
	t.t.Delete(n)
}

func (t *opTree) first() *opNode {
	n, ok := t.t.Min()
	if !ok {
		return nil
	}
	return n
}

func (t *opTree) last() *opNode {
	n, ok := t.t.Max()
	if !ok {
		return nil
	}
	return n
}

// next 严格大于key的第一个node
func (t *opTree) next(key []byte) *opNode {
	var res *opNode
	t.t.AscendGreaterOrEqual(&opNode{key: key}, func(n *opNode) bool {
		if t.cmp(n.key, key) == 0 {
			return true
		}
		res = n
		return false
	})
	return res
}

// prev 严格小于key的第一个node
func (t *opTree) prev(key []byte) *opNode {
	var res *opNode
	t.t.DescendLessOrEqual(&opNode{key: key}, func(n *opNode) bool {
		if t.cmp(n.key, key) == 0 {
			return true
		}
		res = n
		return false
	})
	return res
}

type TxnState uint8

const (
	txnStateActive TxnState = iota
	txnStateCommitted
	txnStateAborted
)

type TxnFlag uint32

const (
	TxnReadOnly TxnFlag = 1 << 0
)

// Txn 一次事务. 提交后op还留在op树里, 等flush把它们吞进B树
type Txn struct {
	id             uint64
	flags          TxnFlag
	state          TxnState
	cursorRefcount int
	env            *Env
	opsHead        *txnOp
	opsTail        *txnOp
	next           *Txn
	prev           *Txn
}

func (t *Txn) ID() uint64 {
	return t.id
}

func (t *Txn) readOnly() bool {
	return t.flags&TxnReadOnly != 0
}

func (t *Txn) appendOp(op *txnOp) {
	op.txn = t
	if t.opsTail != nil {
		t.opsTail.nextInTxn = op
	} else {
		t.opsHead = op
	}
	t.opsTail = op
}

// Commit 之后op对所有reader可见, 稍后的flush会把它们灌进B树
func (t *Txn) Commit() error {
	t.env.mu.Lock()
	defer t.env.mu.Unlock()
	return t.commitLocked()
}

func (t *Txn) commitLocked() error {
	if t.state != txnStateActive {
		return fmt.Errorf("%w: txn %d not active", ErrInvParameter, t.id)
	}
	if t.cursorRefcount > 0 {
		return ErrCursorStillOpen
	}
	t.state = txnStateCommitted
	t.env.stat.txnCommitCount.Add(1)
	return t.env.flushCommittedLocked()
}

// Abort 丢掉op链, 这个事务从没发生过
func (t *Txn) Abort() error {
	t.env.mu.Lock()
	defer t.env.mu.Unlock()
	return t.abortLocked()
}

func (t *Txn) abortLocked() error {
	if t.state != txnStateActive {
		return fmt.Errorf("%w: txn %d not active", ErrInvParameter, t.id)
	}
	if t.cursorRefcount > 0 {
		return ErrCursorStillOpen
	}
	t.state = txnStateAborted
	for op := t.opsHead; op != nil; op = op.nextInTxn {
		for _, tc := range append([]*txnCursor{}, op.cursors...) {
			tc.uncoupleFrom(op)
		}
		node := op.node
		node.removeOp(op)
		if node.empty() {
			op.db.optree.remove(node)
		}
	}
	t.opsHead = nil
	t.opsTail = nil
	t.env.unlinkTxn(t)
	t.env.stat.txnAbortCount.Add(1)
	return nil
}

func (t *Txn) State() TxnState {
	return t.state
}
