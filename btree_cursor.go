package upscaledb

// btreeCursor 停在(leaf页, slot)上. coupled时钉住所在页不被purge;
// 结构性修改前统一uncouple, 只留一份key拷贝用来重新定位
type btreeCursorState uint8

const (
	btcNil btreeCursorState = iota
	btcCoupled
	btcUncoupled
)

type btreeCursor struct {
	bt    *btree
	state btreeCursorState
	leaf  *btreeNode
	slot  int
	// uncoupled之后靠这份拷贝回到B树里
	uncoupledKey []byte
}

func newBtreeCursor(bt *btree) *btreeCursor {
	return &btreeCursor{bt: bt}
}

func (c *btreeCursor) isNil() bool {
	return c.state == btcNil
}

func (c *btreeCursor) setToNil() {
	if c.state == btcCoupled {
		c.leaf.page.cursorRefs--
	}
	c.state = btcNil
	c.leaf = nil
	c.uncoupledKey = nil
}

func (c *btreeCursor) couple(leaf *btreeNode, slot int) {
	c.setToNil()
	c.state = btcCoupled
	c.leaf = leaf
	c.slot = slot
	leaf.page.cursorRefs++
}

// uncouple 页内容要变了, 先退到key拷贝的状态
func (c *btreeCursor) uncouple() error {
	if c.state != btcCoupled {
		return nil
	}
	key, err := c.leaf.layout.keyAt(c.slot)
	if err != nil {
		return err
	}
	keyCopy := append([]byte{}, key...)
	c.setToNil()
	c.state = btcUncoupled
	c.uncoupledKey = keyCopy
	return nil
}

// recouple uncoupled的游标按key拷贝重新定位
func (c *btreeCursor) recouple() error {
	if c.state != btcUncoupled {
		return nil
	}
	key := c.uncoupledKey
	return c.find(key, GeqMatch)
}

func (c *btreeCursor) key() ([]byte, error) {
	switch c.state {
	case btcCoupled:
		key, err := c.leaf.layout.keyAt(c.slot)
		if err != nil {
			return nil, err
		}
		return append([]byte{}, key...), nil
	case btcUncoupled:
		return append([]byte{}, c.uncoupledKey...), nil
	default:
		return nil, ErrCursorIsNil
	}
}

func (c *btreeCursor) record() ([]byte, error) {
	if c.state != btcCoupled {
		return nil, ErrCursorIsNil
	}
	return c.leaf.layout.recordAt(c.slot)
}

func (c *btreeCursor) moveFirst() error {
	n, err := c.bt.root()
	if err != nil {
		return err
	}
	for !n.isLeaf() {
		n, err = c.bt.loadNode(n.ptrDown())
		if err != nil {
			return err
		}
	}
	if n.count() == 0 {
		c.setToNil()
		return ErrKeyNotFound
	}
	c.couple(n, 0)
	return nil
}

func (c *btreeCursor) moveLast() error {
	n, err := c.bt.root()
	if err != nil {
		return err
	}
	for !n.isLeaf() {
		n, err = c.bt.loadNode(n.layout.recordIdAt(n.count() - 1))
		if err != nil {
			return err
		}
	}
	if n.count() == 0 {
		c.setToNil()
		return ErrKeyNotFound
	}
	c.couple(n, n.count()-1)
	return nil
}

func (c *btreeCursor) moveNext() error {
	if c.state == btcUncoupled {
		// 原位置已被flush吞掉, 按key拷贝向后找
		key := c.uncoupledKey
		return c.find(key, GtMatch)
	}
	if c.state != btcCoupled {
		return ErrCursorIsNil
	}
	if c.slot+1 < c.leaf.count() {
		c.slot++
		return nil
	}
	leaf := c.leaf
	for {
		rightId := leaf.page.rightSibling()
		if rightId == 0 {
			return ErrKeyNotFound
		}
		var err error
		leaf, err = c.bt.loadNode(rightId)
		if err != nil {
			return err
		}
		if leaf.count() > 0 {
			c.couple(leaf, 0)
			return nil
		}
	}
}

func (c *btreeCursor) movePrevious() error {
	if c.state == btcUncoupled {
		key := c.uncoupledKey
		return c.find(key, LtMatch)
	}
	if c.state != btcCoupled {
		return ErrCursorIsNil
	}
	if c.slot > 0 {
		c.slot--
		return nil
	}
	leaf := c.leaf
	for {
		leftId := leaf.page.leftSibling()
		if leftId == 0 {
			return ErrKeyNotFound
		}
		var err error
		leaf, err = c.bt.loadNode(leftId)
		if err != nil {
			return err
		}
		if leaf.count() > 0 {
			c.couple(leaf, leaf.count()-1)
			return nil
		}
	}
}

// find 定位到key或者按flags取近似匹配
func (c *btreeCursor) find(key []byte, flags FindFlag) error {
	leaf, err := c.bt.descendToLeaf(key, nil)
	if err != nil {
		return err
	}
	slot, cmp, err := leaf.find(key)
	if err != nil {
		return err
	}
	if cmp == 0 {
		if flags == MatchExact || flags.allowExact() {
			c.couple(leaf, slot)
			return nil
		}
		// LT/GT: 精确命中要跳过自身
		c.couple(leaf, slot)
		if flags&GtMatch != 0 {
			return c.moveNext()
		}
		return c.movePrevious()
	}
	if flags == MatchExact {
		c.setToNil()
		return ErrKeyNotFound
	}
	// 非精确: slot是最后一个小于key的位置
	if flags&(LtMatch|LeqMatch) != 0 {
		if slot == -1 {
			// 本leaf没有更小的了, 往左兄弟走
			c.couple(leaf, 0)
			if err = c.movePrevious(); err != nil {
				c.setToNil()
				return err
			}
			return nil
		}
		c.couple(leaf, slot)
		return nil
	}
	// GT/GEQ: 第一个大于key的位置是slot+1
	if slot+1 < leaf.count() {
		c.couple(leaf, slot+1)
		return nil
	}
	if leaf.count() == 0 {
		c.setToNil()
		return ErrKeyNotFound
	}
	c.couple(leaf, leaf.count()-1)
	return c.moveNext()
}
