package upscaledb

// pageCollection 一条侵入式双向链表, 角色决定使用页里的哪个链槽.
// 同一个页可以同时出现在cache总表/hash桶/changeset/freelist上
type pageCollection struct {
	role int
	head *page
	tail *page
	size int
}

func newPageCollection(role int) pageCollection {
	return pageCollection{role: role}
}

func (c *pageCollection) contains(p *page) bool {
	return p.links[c.role].linked
}

// 头插, cache的bucket和MRU端都用这个
func (c *pageCollection) pushFront(p *page) {
	link := &p.links[c.role]
	if link.linked {
		panic("page already on this collection")
	}
	link.linked = true
	link.prev = nil
	link.next = c.head
	if c.head != nil {
		c.head.links[c.role].prev = p
	}
	c.head = p
	if c.tail == nil {
		c.tail = p
	}
	c.size++
}

func (c *pageCollection) remove(p *page) {
	link := &p.links[c.role]
	if !link.linked {
		return
	}
	if link.prev != nil {
		link.prev.links[c.role].next = link.next
	} else {
		c.head = link.next
	}
	if link.next != nil {
		link.next.links[c.role].prev = link.prev
	} else {
		c.tail = link.prev
	}
	link.prev = nil
	link.next = nil
	link.linked = false
	c.size--
}

func (c *pageCollection) next(p *page) *page {
	return p.links[c.role].next
}

func (c *pageCollection) prev(p *page) *page {
	return p.links[c.role].prev
}

// 从head向tail遍历, fn返回false则停止
func (c *pageCollection) each(fn func(p *page) bool) {
	for p := c.head; p != nil; {
		next := p.links[c.role].next
		if !fn(p) {
			return
		}
		p = next
	}
}

func (c *pageCollection) clear() {
	for p := c.head; p != nil; {
		next := p.links[c.role].next
		link := &p.links[c.role]
		link.prev = nil
		link.next = nil
		link.linked = false
		p = next
	}
	c.head = nil
	c.tail = nil
	c.size = 0
}
