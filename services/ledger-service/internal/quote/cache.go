package quote

import (
	"container/list"
	"sync"
	"time"

	"github.com/Rohianon/equishare-portfolio-ledger/pkg/marketdata"
)

// Entry is a cached quote and the time it was fetched from a provider
type Entry struct {
	Quote     marketdata.Quote `json:"quote"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// Cache is a bounded LRU of quotes keyed by symbol. Entries older than
// maxAge are dropped when touched. Safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	maxAge     time.Duration
	now        func() time.Time
	ll         *list.List
	items      map[string]*list.Element
}

type cacheItem struct {
	symbol string
	entry  Entry
}

func NewCache(maxEntries int, maxAge time.Duration, now func() time.Time) *Cache {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		maxEntries: maxEntries,
		maxAge:     maxAge,
		now:        now,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

func (c *Cache) Get(symbol string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[symbol]
	if !ok {
		return Entry{}, false
	}
	item := el.Value.(*cacheItem)
	if c.maxAge > 0 && c.now().Sub(item.entry.FetchedAt) >= c.maxAge {
		c.removeElement(el)
		return Entry{}, false
	}
	c.ll.MoveToFront(el)
	return item.entry, true
}

func (c *Cache) Set(symbol string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[symbol]; ok {
		el.Value.(*cacheItem).entry = entry
		c.ll.MoveToFront(el)
		return
	}

	c.items[symbol] = c.ll.PushFront(&cacheItem{symbol: symbol, entry: entry})
	for c.ll.Len() > c.maxEntries {
		c.removeElement(c.ll.Back())
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheItem).symbol)
}
