package rules

import (
	"strings"

	. "github.com/golang-collections/collections/set"
)

// suffixSet is the plain, deterministic rule Set. It follows the same
// reversed-TLD bucketing BlockedDomainsManager uses: domains are indexed by
// their last label so a lookup only has to scan the candidates sharing a
// query's TLD instead of the whole rule list. A suffixSet is immutable once
// built, so it needs no lock to be read concurrently (§4.A, §5).
type suffixSet struct {
	exact    map[string]struct{}
	byTLD    map[string]*Set
	keywords []string
	count    int
}

func newSuffixSet(rs []Rule) *suffixSet {
	s := &suffixSet{
		exact: make(map[string]struct{}),
		byTLD: make(map[string]*Set),
	}

	for _, r := range rs {
		switch r.Kind {
		case ExactDomain:
			s.exact[r.Value] = struct{}{}
		case DomainSuffix:
			tld := lastLabel(r.Value)
			bucket, ok := s.byTLD[tld]
			if !ok {
				bucket = New()
				s.byTLD[tld] = bucket
			}
			bucket.Insert(r.Value)
		case Keyword:
			s.keywords = append(s.keywords, r.Value)
		}
		s.count++
	}

	return s
}

// Contains implements Set. Precedence is exact, then longest matching
// suffix at label boundaries, then keyword substring (§4.A).
func (s *suffixSet) Contains(name string) bool {
	if _, ok := s.exact[name]; ok {
		return true
	}

	if s.matchSuffix(name) {
		return true
	}

	for _, kw := range s.keywords {
		if strings.Contains(name, kw) {
			return true
		}
	}

	return false
}

func (s *suffixSet) matchSuffix(name string) bool {
	tld := lastLabel(name)
	bucket, ok := s.byTLD[tld]
	if !ok {
		return false
	}

	// Walk candidates from the full name down to the bare TLD so the first
	// hit is the longest match.
	rest := name
	for {
		if bucket.Has(rest) {
			return true
		}

		i := strings.IndexByte(rest, '.')
		if i < 0 {
			return false
		}

		rest = rest[i+1:]
	}
}

func (s *suffixSet) Len() int {
	return s.count
}

func lastLabel(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name
	}

	return name[i+1:]
}
