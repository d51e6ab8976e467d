// Package dnscache implements the size-bounded, per-entry-TTL answer cache
// (component B): a fixed-capacity LRU keyed by DNS question, with lazy
// expiry on read and no background sweeper.
package dnscache

import (
	"container/list"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Key is the question-key a cache entry is stored under.
type Key struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

// KeyFor builds a Key from a parsed DNS question, normalizing the name the
// way package rules does.
func KeyFor(q dns.Question) Key {
	return Key{
		Name:   normalize(q.Name),
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
	}
}

func normalize(name string) string {
	if len(name) == 0 {
		return name
	}

	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
	}

	if len(b) > 0 && b[len(b)-1] == '.' {
		b = b[:len(b)-1]
	}

	return string(b)
}

// Value is what a cache entry stores: the answer records and the extra/ns
// sections needed to reconstruct a full reply.
type Value struct {
	Answer []dns.RR
	Ns     []dns.RR
	Extra  []dns.RR
	Rcode  int
}

type entry struct {
	key     Key
	value   Value
	expires time.Time
}

// Cache is a fixed-capacity, internally-synchronized LRU with lazy TTL
// expiry. There is deliberately no ecosystem library backing this: neither
// patrickmn/go-cache (no capacity bound, global sweep goroutine) nor
// bluele/gcache (capacity-bounded, but no get-time miss-on-expired return
// distinguishing a lazily-evicted entry from a present one without also
// mutating internal counters in ways the §8 invariants don't want to rely
// on) match the exact LRU-with-lazy-expiry-on-read contract the invariants
// in §8 pin down, so this is the one component built directly on
// container/list — see DESIGN.md.
type Cache struct {
	mu       sync.Mutex
	size     int
	ll       *list.List
	elements map[Key]*list.Element
}

// New builds a Cache bounded to size entries. size must be positive.
func New(size int) *Cache {
	if size <= 0 {
		size = 1
	}

	return &Cache{
		size:     size,
		ll:       list.New(),
		elements: make(map[Key]*list.Element, size),
	}
}

// Get returns the cached value for k and true if present and not expired.
// An expired entry is evicted on this call (lazy expiry) and reported as a
// miss.
func (c *Cache) Get(k Key) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.elements[k]
	if !ok {
		return Value{}, false
	}

	e := el.Value.(*entry)
	if !time.Now().Before(e.expires) {
		c.removeElement(el)
		return Value{}, false
	}

	c.ll.MoveToFront(el)

	return e.value, true
}

// Put inserts or overwrites k with v, expiring at now+ttl. If the cache is
// at capacity, the least-recently-used entry is evicted.
func (c *Cache) Put(k Key, v Value, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expires := time.Now().Add(ttl)

	if el, ok := c.elements[k]; ok {
		e := el.Value.(*entry)
		e.value = v
		e.expires = expires
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{key: k, value: v, expires: expires})
	c.elements[k] = el

	if c.ll.Len() > c.size {
		c.removeOldest()
	}
}

// Len reports the current number of entries, including any not yet lazily
// expired.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ll.Len()
}

func (c *Cache) removeOldest() {
	el := c.ll.Back()
	if el != nil {
		c.removeElement(el)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	e := el.Value.(*entry)
	delete(c.elements, e.key)
}
