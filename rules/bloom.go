package rules

import (
	"hash/fnv"
	"time"

	"github.com/bluele/gcache"
)

// bloomSet pre-filters suffix candidates with a probabilistic bit-array
// before falling back to the exact suffixSet, trading a small false-positive
// rate (which the exact structure always resolves) for a cache-friendlier
// rejection path on the hot "definitely not present" case. Recent verdicts
// are memoized in a small LRU (gcache), the same library
// rafalfr-dnsproxy uses for other hot-path lookup caches.
type bloomSet struct {
	exact  *suffixSet
	filter *bloomFilter
	memo   gcache.Cache
}

func newBloomSet(exact *suffixSet) *bloomSet {
	bf := newBloomFilter(bloomBitsFor(exact.Len()), 4)
	for suf := range exact.iterSuffixes() {
		bf.add(suf)
	}
	for ex := range exact.exact {
		bf.add(ex)
	}

	return &bloomSet{
		exact:  exact,
		filter: bf,
		memo:   gcache.New(4096).LRU().Expiration(time.Minute).Build(),
	}
}

// Contains implements Set.
func (b *bloomSet) Contains(name string) bool {
	if v, err := b.memo.Get(name); err == nil {
		return v.(bool)
	}

	result := b.containsUncached(name)
	_ = b.memo.Set(name, result)

	return result
}

func (b *bloomSet) containsUncached(name string) bool {
	if _, ok := b.exact.exact[name]; ok {
		return true
	}

	// The bloom filter only ever says "maybe present" or "definitely
	// absent"; a positive still has to be confirmed against the exact
	// suffix index to rule out a false positive (§4.A).
	if b.filter.mayContainAnySuffix(name) && b.exact.matchSuffix(name) {
		return true
	}

	for _, kw := range b.exact.keywords {
		if containsSubstring(name, kw) {
			return true
		}
	}

	return false
}

func (b *bloomSet) Len() int {
	return b.exact.Len()
}

// iterSuffixes yields every compiled domain-suffix rule value, for seeding
// the bloom filter at construction time.
func (s *suffixSet) iterSuffixes() func(func(string) bool) {
	return func(yield func(string) bool) {
		for _, bucket := range s.byTLD {
			for _, v := range bucket.List() {
				if !yield(v.(string)) {
					return
				}
			}
		}
	}
}

func containsSubstring(s, substr string) bool {
	return len(substr) == 0 || indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	if m > n {
		return -1
	}

	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}

	return -1
}

// bloomFilter is a small fixed-size bit array with k FNV-derived hash
// probes. No bloom filter implementation appears anywhere in the retrieved
// corpus, so this is hand-rolled stdlib; see DESIGN.md for the
// justification.
type bloomFilter struct {
	bits []uint64
	k    int
}

func newBloomFilter(nbits uint, k int) *bloomFilter {
	if nbits == 0 {
		nbits = 1024
	}

	return &bloomFilter{
		bits: make([]uint64, (nbits+63)/64),
		k:    k,
	}
}

func bloomBitsFor(n int) uint {
	// ~10 bits per element keeps the false-positive rate low for the
	// ~4-probe configuration used here.
	bits := uint(n*10 + 1024)
	return bits
}

func (f *bloomFilter) add(s string) {
	for _, h := range f.hashes(s) {
		f.bits[h/64] |= 1 << (h % 64)
	}
}

func (f *bloomFilter) mayContain(s string) bool {
	for _, h := range f.hashes(s) {
		if f.bits[h/64]&(1<<(h%64)) == 0 {
			return false
		}
	}

	return true
}

// mayContainAnySuffix checks every label-boundary suffix of name, since a
// domain-suffix rule may match at any such boundary.
func (f *bloomFilter) mayContainAnySuffix(name string) bool {
	rest := name
	for {
		if f.mayContain(rest) {
			return true
		}

		i := indexOf(rest, ".")
		if i < 0 {
			return false
		}

		rest = rest[i+1:]
	}
}

func (f *bloomFilter) hashes(s string) []uint64 {
	h1 := fnv.New64a()
	_, _ = h1.Write([]byte(s))
	base := h1.Sum64()

	h2 := fnv.New64()
	_, _ = h2.Write([]byte(s))
	mix := h2.Sum64()

	nbits := uint64(len(f.bits) * 64)
	out := make([]uint64, f.k)
	for i := 0; i < f.k; i++ {
		out[i] = (base + uint64(i)*mix) % nbits
	}

	return out
}
