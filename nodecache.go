package iavl

import (
	"container/list"
	"sync"
)

// nodeCache is a bounded LRU cache of materialized Nodes, keyed by content
// hash, sitting in front of the nodes table. It is an in-memory
// acceleration layer only: eviction never deletes anything from the store,
// it only means the next GetNode for that hash falls through to disk.
//
// Adapted from the second node-database variant's cache, which split the
// single read/write lock into a separate cache lock so that concurrent
// readers don't contend with the writer's batch; a single Store has one
// writer by contract (§5), so here the lock exists purely to let callers
// share a Store/cache across goroutines for read-only lookups.
type nodeCache struct {
	mtx   sync.Mutex
	size  int
	table map[string]*list.Element
	queue *list.List
}

func newNodeCache(size int) *nodeCache {
	if size <= 0 {
		size = 1
	}
	return &nodeCache{
		size:  size,
		table: make(map[string]*list.Element),
		queue: list.New(),
	}
}

func (c *nodeCache) get(hash []byte) *Node {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	elem, ok := c.table[string(hash)]
	if !ok {
		return nil
	}
	c.queue.MoveToBack(elem)
	return elem.Value.(*Node)
}

func (c *nodeCache) put(n *Node) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	key := string(n.hash)
	if elem, ok := c.table[key]; ok {
		c.queue.MoveToBack(elem)
		elem.Value = n
		return
	}

	elem := c.queue.PushBack(n)
	c.table[key] = elem

	if c.queue.Len() > c.size {
		oldest := c.queue.Front()
		c.queue.Remove(oldest)
		delete(c.table, string(oldest.Value.(*Node).hash))
	}
}

func (c *nodeCache) remove(hash []byte) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if elem, ok := c.table[string(hash)]; ok {
		c.queue.Remove(elem)
		delete(c.table, string(hash))
	}
}
