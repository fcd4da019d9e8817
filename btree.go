package upscaledb

import (
	"fmt"
)

// btree 从catalog记录的root页往下走internal节点到leaf.
// 结构性修改(split/borrow/merge)在单写者路径里自底向上传播
type btree struct {
	db *Database
}

type splitResult struct {
	split bool
	// 上推进parent的分隔key(已拷贝)
	pivot   []byte
	rightId uint64
}

func (bt *btree) loadNode(pgId uint64) (*btreeNode, error) {
	p, err := bt.db.env.storage.readPage(pgId)
	if err != nil {
		return nil, err
	}
	if p.typ() != pageTypeBtree {
		return nil, fmt.Errorf("%w: page %d not a btree page", errBadPageHeader, pgId)
	}
	return wrapNode(bt.db, p), nil
}

func (bt *btree) allocNode(leaf bool) (*btreeNode, error) {
	p, err := bt.db.env.storage.allocPage(pageTypeBtree)
	if err != nil {
		return nil, err
	}
	return initNode(bt.db, p, leaf), nil
}

// root 第一次使用时才分配root leaf
func (bt *btree) root() (*btreeNode, error) {
	rootId := bt.db.catalog().rootPgId()
	if rootId == 0 {
		n, err := bt.allocNode(true)
		if err != nil {
			return nil, err
		}
		bt.db.catalog().setRootPgId(n.page.id)
		bt.db.env.storage.markDirty(bt.db.env.storage.meta)
		return n, nil
	}
	return bt.loadNode(rootId)
}

func (bt *btree) markDirty(n *btreeNode) {
	bt.db.env.storage.markDirty(n.page)
}

// descendToLeaf 下降到key所属的leaf, s非nil时记录路径
func (bt *btree) descendToLeaf(key []byte, s *stack) (*btreeNode, error) {
	n, err := bt.root()
	if err != nil {
		return nil, err
	}
	for !n.isLeaf() {
		slot, childId, err := n.findChild(key)
		if err != nil {
			return nil, err
		}
		if s != nil {
			s.push(stackElement{node: n, slot: slot})
		}
		n, err = bt.loadNode(childId)
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (bt *btree) lookup(key []byte) (record []byte, err error) {
	var (
		leaf *btreeNode
		slot int
	)
	leaf, err = bt.descendToLeaf(key, nil)
	if err != nil {
		return
	}
	slot, err = leaf.findExact(key)
	if err != nil {
		return
	}
	if slot == -1 {
		err = ErrKeyNotFound
		return
	}
	return leaf.layout.recordAt(slot)
}

func (bt *btree) insert(key, record []byte, flags InsertFlag) (replaced bool, err error) {
	root, err := bt.root()
	if err != nil {
		return
	}
	res, replaced, err := bt.insertInto(root, key, record, flags)
	if err != nil {
		return
	}
	if res.split {
		// root分裂, 架一层新root
		var newRoot *btreeNode
		newRoot, err = bt.allocNode(false)
		if err != nil {
			return
		}
		newRoot.setPtrDown(root.page.id)
		if err = newRoot.layout.insertSlot(0, 0, res.pivot); err != nil {
			return
		}
		newRoot.layout.setRecordIdAt(0, res.rightId)
		newRoot.setCount(1)
		bt.markDirty(newRoot)
		bt.db.catalog().setRootPgId(newRoot.page.id)
		bt.db.env.storage.markDirty(bt.db.env.storage.meta)
	}
	return
}

func (bt *btree) insertInto(n *btreeNode, key, record []byte, flags InsertFlag) (res splitResult, replaced bool, err error) {
	if n.isLeaf() {
		return bt.insertIntoLeaf(n, key, record, flags)
	}
	slot, childId, err := n.findChild(key)
	if err != nil {
		return
	}
	child, err := bt.loadNode(childId)
	if err != nil {
		return
	}
	childRes, replaced, err := bt.insertInto(child, key, record, flags)
	if err != nil {
		return
	}
	if !childRes.split {
		return
	}
	// child分裂了, 把pivot插进本节点slot+1的位置
	at := slot + 1
	if n.layout.hasRoomFor(n.count(), childRes.pivot, nil) {
		err = bt.insertSeparator(n, at, childRes.pivot, childRes.rightId)
		return
	}
	// 本节点也满了, 先分裂自己再挑正确的一半放pivot
	pivot, right, err := bt.splitNode(n)
	if err != nil {
		return
	}
	target := n
	targetAt := at
	if c := bt.db.cmp(childRes.pivot, pivot); c >= 0 {
		target = right
		targetAt, _, err = target.find(childRes.pivot)
		if err != nil {
			return
		}
		targetAt++
	}
	if err = bt.insertSeparator(target, targetAt, childRes.pivot, childRes.rightId); err != nil {
		return
	}
	return splitResult{split: true, pivot: pivot, rightId: right.page.id}, replaced, nil
}

func (bt *btree) insertIntoLeaf(n *btreeNode, key, record []byte, flags InsertFlag) (res splitResult, replaced bool, err error) {
	slot, cmp, err := n.find(key)
	if err != nil {
		return
	}
	if cmp == 0 {
		if flags&(Overwrite|Duplicate) == 0 {
			err = ErrDuplicateKey
			return
		}
		// overwrite: 旧record的blob先释放
		if err = n.layout.freeRecordAt(slot); err != nil {
			return
		}
		if err = n.layout.setRecordAt(slot, record); err != nil {
			return
		}
		bt.markDirty(n)
		replaced = true
		return
	}
	at := slot + 1
	if n.layout.hasRoomFor(n.count(), key, record) {
		err = bt.insertEntry(n, at, key, record)
		return
	}
	pivot, right, err := bt.splitNode(n)
	if err != nil {
		return
	}
	target := n
	if bt.db.cmp(key, pivot) >= 0 {
		target = right
		var c int
		at, c, err = target.find(key)
		if err != nil {
			return
		}
		if c == 0 {
			err = fmt.Errorf("%w: key reappeared after split", ErrInternal)
			return
		}
		at++
	}
	if err = bt.insertEntry(target, at, key, record); err != nil {
		return
	}
	return splitResult{split: true, pivot: pivot, rightId: right.page.id}, false, nil
}

func (bt *btree) insertEntry(n *btreeNode, at int, key, record []byte) error {
	count := n.count()
	if err := n.layout.insertSlot(count, at, key); err != nil {
		return err
	}
	if err := n.layout.setRecordAt(at, record); err != nil {
		return err
	}
	n.setCount(count + 1)
	bt.markDirty(n)
	return nil
}

func (bt *btree) insertSeparator(n *btreeNode, at int, key []byte, childId uint64) error {
	count := n.count()
	if err := n.layout.insertSlot(count, at, key); err != nil {
		return err
	}
	n.layout.setRecordIdAt(at, childId)
	n.setCount(count + 1)
	bt.markDirty(n)
	return nil
}

// splitNode 选中间slot做pivot, 分一个右兄弟出来.
// leaf的pivot两边都留(caller再插进parent); internal的pivot只上推
func (bt *btree) splitNode(n *btreeNode) (pivot []byte, right *btreeNode, err error) {
	count := n.count()
	pivotSlot := count / 2
	pk, err := n.layout.keyAt(pivotSlot)
	if err != nil {
		return nil, nil, err
	}
	pivot = append([]byte{}, pk...)
	right, err = bt.allocNode(n.isLeaf())
	if err != nil {
		return nil, nil, err
	}
	moved, err := n.layout.splitTo(right.layout, count, pivotSlot, n.isLeaf())
	if err != nil {
		return nil, nil, err
	}
	right.setCount(moved)
	if !n.isLeaf() {
		// pivot的右child变成right的ptrDown, pivot slot本体丢弃
		right.setPtrDown(n.layout.recordIdAt(pivotSlot))
		if err = n.layout.eraseSlot(pivotSlot+1, pivotSlot); err != nil {
			return nil, nil, err
		}
	}
	n.setCount(pivotSlot)
	// 同层的兄弟链
	right.page.setRightSibling(n.page.rightSibling())
	right.page.setLeftSibling(n.page.id)
	if oldRight := n.page.rightSibling(); oldRight != 0 {
		orp, err := bt.db.env.storage.readPage(oldRight)
		if err != nil {
			return nil, nil, err
		}
		orp.setLeftSibling(right.page.id)
		bt.db.env.storage.markDirty(orp)
	}
	n.page.setRightSibling(right.page.id)
	bt.markDirty(n)
	bt.markDirty(right)
	return pivot, right, nil
}

func (bt *btree) erase(key []byte) error {
	root, err := bt.root()
	if err != nil {
		return err
	}
	if err = bt.eraseFrom(root, key); err != nil {
		return err
	}
	// 合并可能把root掏空, 只剩一个child时塌掉一层
	if !root.isLeaf() && root.count() == 0 {
		childId := root.ptrDown()
		bt.db.catalog().setRootPgId(childId)
		bt.db.env.storage.markDirty(bt.db.env.storage.meta)
		if err = bt.db.env.storage.freePage(root.page); err != nil {
			return err
		}
	}
	return nil
}

func (bt *btree) eraseFrom(n *btreeNode, key []byte) error {
	if n.isLeaf() {
		slot, err := n.findExact(key)
		if err != nil {
			return err
		}
		if slot == -1 {
			return ErrKeyNotFound
		}
		count := n.count()
		if err = n.layout.freeRecordAt(slot); err != nil {
			return err
		}
		if err = n.layout.eraseSlot(count, slot); err != nil {
			return err
		}
		n.setCount(count - 1)
		bt.markDirty(n)
		return nil
	}
	slot, childId, err := n.findChild(key)
	if err != nil {
		return err
	}
	child, err := bt.loadNode(childId)
	if err != nil {
		return err
	}
	if err = bt.eraseFrom(child, key); err != nil {
		return err
	}
	if child.requiresMerge() {
		return bt.rebalance(n, slot, child)
	}
	return nil
}

func (bt *btree) childAt(n *btreeNode, i int) (*btreeNode, error) {
	if i == -1 {
		return bt.loadNode(n.ptrDown())
	}
	return bt.loadNode(n.layout.recordIdAt(i))
}

// rebalance child(parent的第slot个child, -1是ptrDown)的slot数不超过阈值了.
// leaf先向兄弟borrow, 借不到就merge; internal只做merge
func (bt *btree) rebalance(parent *btreeNode, slot int, child *btreeNode) error {
	// parent只剩ptrDown一个child时没有兄弟可借, 等root塌层处理
	if parent.count() == 0 {
		return nil
	}
	// 最右的child没有右兄弟, 换成左兄弟视角处理
	if slot == parent.count()-1 {
		left, err := bt.childAt(parent, slot-1)
		if err != nil {
			return err
		}
		return bt.rebalanceWithRight(parent, slot-1, left, child)
	}
	right, err := bt.childAt(parent, slot+1)
	if err != nil {
		return err
	}
	return bt.rebalanceWithRight(parent, slot, child, right)
}

// rebalanceWithRight 处理(node, 它的右兄弟)这一对.
// sepSlot = slot+1 是parent里分隔两者的slot
func (bt *btree) rebalanceWithRight(parent *btreeNode, slot int, node, right *btreeNode) error {
	sepSlot := slot + 1
	if node.isLeaf() {
		// 哪边富余就从哪边借; parent装不下新分隔key时退回merge
		if right.count() > mergeThreshold+1 && node.count() <= mergeThreshold {
			done, err := bt.borrowFromRight(parent, sepSlot, node, right)
			if err != nil || done {
				return err
			}
		} else if node.count() > mergeThreshold+1 && right.count() <= mergeThreshold {
			done, err := bt.borrowFromLeft(parent, sepSlot, node, right)
			if err != nil || done {
				return err
			}
		}
	}
	extraSlots, extraBytes := 0, 0
	if !node.isLeaf() {
		// internal merge会把分隔key拉下来占一个slot
		sepKey, err := parent.layout.keyAt(sepSlot)
		if err != nil {
			return err
		}
		extraSlots = 1
		extraBytes = len(sepKey)
		if extraBytes > extKeyThreshold {
			extraBytes = 8
		}
	}
	if !node.layout.canMergeWith(right.layout, node.count(), right.count(), extraSlots, extraBytes) {
		// 合不下就先不动, underfull的节点不影响正确性
		return nil
	}
	return bt.mergeRight(parent, sepSlot, node, right)
}

func (bt *btree) borrowFromRight(parent *btreeNode, sepSlot int, node, right *btreeNode) (bool, error) {
	n := (right.count() - node.count()) / 2
	if n < 1 {
		n = 1
	}
	// 借完之后right的首key就是新的分隔key, 先确认parent放得下
	newSep, err := right.layout.keyAt(n)
	if err != nil {
		return false, err
	}
	newSep = append([]byte{}, newSep...)
	if !parent.layout.hasRoomFor(parent.count(), newSep, nil) {
		return false, nil
	}
	if err = node.layout.shiftFromRight(right.layout, node.count(), right.count(), n); err != nil {
		return false, err
	}
	node.setCount(node.count() + n)
	right.setCount(right.count() - n)
	if err = bt.replaceSeparator(parent, sepSlot, newSep); err != nil {
		return false, err
	}
	bt.markDirty(node)
	bt.markDirty(right)
	return true, nil
}

func (bt *btree) borrowFromLeft(parent *btreeNode, sepSlot int, node, right *btreeNode) (bool, error) {
	n := (node.count() - right.count()) / 2
	if n < 1 {
		n = 1
	}
	newSep, err := node.layout.keyAt(node.count() - n)
	if err != nil {
		return false, err
	}
	newSep = append([]byte{}, newSep...)
	if !parent.layout.hasRoomFor(parent.count(), newSep, nil) {
		return false, nil
	}
	if err = node.layout.shiftToRight(right.layout, node.count(), right.count(), n); err != nil {
		return false, err
	}
	node.setCount(node.count() - n)
	right.setCount(right.count() + n)
	if err = bt.replaceSeparator(parent, sepSlot, newSep); err != nil {
		return false, err
	}
	bt.markDirty(node)
	bt.markDirty(right)
	return true, nil
}

// replaceSeparator 换掉分隔key但保留child指针
func (bt *btree) replaceSeparator(parent *btreeNode, sepSlot int, newKey []byte) error {
	count := parent.count()
	recId := parent.layout.recordIdAt(sepSlot)
	if err := parent.layout.eraseSlot(count, sepSlot); err != nil {
		return err
	}
	if err := parent.layout.insertSlot(count-1, sepSlot, newKey); err != nil {
		return err
	}
	parent.layout.setRecordIdAt(sepSlot, recId)
	bt.markDirty(parent)
	return nil
}

// mergeRight 把right整个并进node, parent里的分隔slot一起删掉
func (bt *btree) mergeRight(parent *btreeNode, sepSlot int, node, right *btreeNode) error {
	count := node.count()
	if !node.isLeaf() {
		// internal的merge要把分隔key拉下来接住right的ptrDown
		sepKey, err := parent.layout.keyAt(sepSlot)
		if err != nil {
			return err
		}
		sepKey = append([]byte{}, sepKey...)
		if err = node.layout.insertSlot(count, count, sepKey); err != nil {
			return err
		}
		node.layout.setRecordIdAt(count, right.ptrDown())
		count++
		node.setCount(count)
	}
	if err := node.layout.mergeFrom(right.layout, count, right.count()); err != nil {
		return err
	}
	node.setCount(count + right.count())
	// 兄弟链跳过right
	node.page.setRightSibling(right.page.rightSibling())
	if rr := right.page.rightSibling(); rr != 0 {
		rrp, err := bt.db.env.storage.readPage(rr)
		if err != nil {
			return err
		}
		rrp.setLeftSibling(node.page.id)
		bt.db.env.storage.markDirty(rrp)
	}
	pcount := parent.count()
	if err := parent.layout.eraseSlot(pcount, sepSlot); err != nil {
		return err
	}
	parent.setCount(pcount - 1)
	bt.markDirty(node)
	bt.markDirty(parent)
	return bt.db.env.storage.freePage(right.page)
}
