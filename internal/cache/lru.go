package cache

import (
	"container/list"
	"sync"

	"github.com/hupe1980/him/resource"
)

// Stats is a point-in-time view of an LRU.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Bytes     int64
}

// LRU caches immutable payloads by blob name, bounded by total bytes.
// Returned slices are shared and must not be modified.
type LRU struct {
	mu       sync.Mutex
	capacity int64
	rc       *resource.Controller

	order *list.List // front is most recently used
	items map[string]*list.Element
	stats Stats
}

type entry struct {
	name string
	data []byte
}

// NewLRU returns a cache holding at most capacity bytes. When rc is non-nil
// every cached byte is also reserved from its memory budget, and a payload
// the budget cannot take is simply not cached.
func NewLRU(capacity int64, rc *resource.Controller) *LRU {
	return &LRU{
		capacity: capacity,
		rc:       rc,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *LRU) Get(name string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[name]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	c.order.MoveToFront(el)
	return el.Value.(*entry).data, true
}

// Add caches data under name, replacing any previous payload, and reports
// whether it was kept.
func (c *LRU) Add(name string, data []byte) bool {
	size := int64(len(data))
	if size > c.capacity {
		c.Remove(name)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[name]; ok {
		c.drop(el)
	}
	for c.stats.Bytes+size > c.capacity && c.order.Len() > 0 {
		c.drop(c.order.Back())
		c.stats.Evictions++
	}
	if !c.rc.TryAcquireMemory(size) {
		return false
	}
	c.items[name] = c.order.PushFront(&entry{name: name, data: data})
	c.stats.Bytes += size
	c.stats.Entries++
	return true
}

// Remove drops name if cached.
func (c *LRU) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[name]; ok {
		c.drop(el)
	}
}

// Close empties the cache and returns its memory to the controller.
func (c *LRU) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.order.Len() > 0 {
		c.drop(c.order.Back())
	}
	return nil
}

func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *LRU) drop(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.items, e.name)
	size := int64(len(e.data))
	c.stats.Bytes -= size
	c.stats.Entries--
	c.rc.ReleaseMemory(size)
}
