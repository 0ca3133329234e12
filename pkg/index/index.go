// Package index implements the tag index and query cache: an
// in-memory inverted index (tag -> keys, and the reverse key -> tags), an
// LRU query-result cache with TTL, and the AND/OR/NOT/complex query
// operators the Store Facade routes tag queries through.
//
// A single Index instance is scoped to one (database, namespace) pair,
// mirroring its configuration fields (db, namespace are singular,
// not lists) — the Store Facade owns one Index per store instance.
package index

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/kvstore/pkg/kvmetrics"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Operator selects how a tag list combines into a result set.
type Operator string

const (
	AND Operator = "and"
	OR  Operator = "or"
	NOT Operator = "not"
)

// Condition is one step of a complex_query fold.
type Condition struct {
	Operator Operator
	Tags     []string
}

// PagedResult is the shape every paginated query operation returns.
type PagedResult struct {
	Keys        []string
	Total       int
	HasMore     bool
	ExecutionMS float64
	CacheHit    bool
}

const defaultCacheTTL = 5 * time.Minute

// Index is the in-memory tag inverted index plus its query cache.
type Index struct {
	mu        sync.RWMutex
	tagToKeys map[string]map[string]struct{}
	keyToTags map[string]map[string]struct{}

	// statsMu guards queryCount separately from mu: popularity counters
	// are written on the read path, which only holds mu for reading.
	statsMu    sync.Mutex
	queryCount map[string]int64

	cache          *lru.LRU[string, PagedResult]
	cacheMu        sync.Mutex
	tagToCacheKeys map[string]map[string]struct{} // which cache entries reference which tags

	hits, misses int64
	// evictions is atomic: the expirable LRU invokes onEvict from its own
	// TTL reaper goroutine as well as from Add/Remove under cacheMu.
	evictions atomic.Int64
}

// New constructs an empty Index with the given cache capacity; cacheTTL
// defaults to 5 minutes when zero.
func New(cacheCapacity int, cacheTTL time.Duration) *Index {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	if cacheCapacity <= 0 {
		cacheCapacity = 1000
	}
	idx := &Index{
		tagToKeys:      make(map[string]map[string]struct{}),
		keyToTags:      make(map[string]map[string]struct{}),
		queryCount:     make(map[string]int64),
		tagToCacheKeys: make(map[string]map[string]struct{}),
	}
	idx.cache = lru.NewLRU[string, PagedResult](cacheCapacity, idx.onEvict, cacheTTL)
	return idx
}

func (idx *Index) onEvict(key string, _ PagedResult) {
	idx.evictions.Add(1)
	kvmetrics.CacheEvictionsTotal.Inc()
}

// Put (re)associates key with exactly the given tags, replacing whatever
// tags it carried before, and invalidates any cache entry referencing a
// tag the key gained or lost.
func (idx *Index) Put(key string, tags []string) {
	idx.mu.Lock()
	old := idx.keyToTags[key]
	newSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		newSet[t] = struct{}{}
	}

	for t := range old {
		if _, still := newSet[t]; !still {
			idx.removeFromTag(t, key)
		}
	}
	for t := range newSet {
		if idx.tagToKeys[t] == nil {
			idx.tagToKeys[t] = make(map[string]struct{})
		}
		idx.tagToKeys[t][key] = struct{}{}
	}
	idx.keyToTags[key] = newSet
	idx.mu.Unlock()

	touched := make(map[string]struct{}, len(old)+len(newSet))
	for t := range old {
		touched[t] = struct{}{}
	}
	for t := range newSet {
		touched[t] = struct{}{}
	}
	idx.invalidateTags(touched)
}

func (idx *Index) removeFromTag(tag, key string) {
	set := idx.tagToKeys[tag]
	if set == nil {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(idx.tagToKeys, tag)
	}
}

// Remove drops key from the index entirely (on delete or expiration).
func (idx *Index) Remove(key string) {
	idx.mu.Lock()
	tags := idx.keyToTags[key]
	for t := range tags {
		idx.removeFromTag(t, key)
	}
	delete(idx.keyToTags, key)
	idx.mu.Unlock()

	idx.invalidateTags(tags)
}

// invalidateTags evicts every cached query result that referenced any of
// the given tags, since a write touching a key bearing any of them
// invalidates whatever the cache had computed about them.
func (idx *Index) invalidateTags(tags map[string]struct{}) {
	if len(tags) == 0 {
		return
	}
	idx.cacheMu.Lock()
	defer idx.cacheMu.Unlock()
	seen := map[string]struct{}{}
	for t := range tags {
		for ck := range idx.tagToCacheKeys[t] {
			seen[ck] = struct{}{}
		}
		delete(idx.tagToCacheKeys, t)
	}
	for ck := range seen {
		idx.cache.Remove(ck)
	}
}

// Rebuild replaces the in-memory index wholesale from an external source
// (the Metadata Catalog, or a native-metadata backend) in a single scan.
func (idx *Index) Rebuild(records map[string][]string) {
	idx.mu.Lock()
	idx.tagToKeys = make(map[string]map[string]struct{})
	idx.keyToTags = make(map[string]map[string]struct{})
	for key, tags := range records {
		set := make(map[string]struct{}, len(tags))
		for _, t := range tags {
			set[t] = struct{}{}
			if idx.tagToKeys[t] == nil {
				idx.tagToKeys[t] = make(map[string]struct{})
			}
			idx.tagToKeys[t][key] = struct{}{}
		}
		idx.keyToTags[key] = set
	}
	idx.mu.Unlock()

	idx.cacheMu.Lock()
	idx.cache.Purge()
	idx.tagToCacheKeys = make(map[string]map[string]struct{})
	idx.cacheMu.Unlock()
}

// universe returns every currently-indexed key, used by NOT.
func (idx *Index) universe() map[string]struct{} {
	out := make(map[string]struct{}, len(idx.keyToTags))
	for k := range idx.keyToTags {
		out[k] = struct{}{}
	}
	return out
}

func (idx *Index) recordQueries(tags []string) {
	idx.statsMu.Lock()
	for _, t := range tags {
		idx.queryCount[t]++
	}
	idx.statsMu.Unlock()
}

// evalSet computes the raw (unpaginated, unsorted) key set for one
// operator over a tag list. Callers hold idx.mu for reading.
func (idx *Index) evalSet(operator Operator, tags []string) map[string]struct{} {
	idx.recordQueries(tags)

	switch operator {
	case OR:
		out := map[string]struct{}{}
		for _, t := range tags {
			for k := range idx.tagToKeys[t] {
				out[k] = struct{}{}
			}
		}
		return out
	case NOT:
		excluded := map[string]struct{}{}
		for _, t := range tags {
			for k := range idx.tagToKeys[t] {
				excluded[k] = struct{}{}
			}
		}
		universe := idx.universe()
		for k := range excluded {
			delete(universe, k)
		}
		return universe
	default: // AND
		if len(tags) == 0 {
			return map[string]struct{}{}
		}
		// Evaluate smallest sets first: cheapest intersection order.
		ordered := append([]string(nil), tags...)
		sort.Slice(ordered, func(i, j int) bool {
			return len(idx.tagToKeys[ordered[i]]) < len(idx.tagToKeys[ordered[j]])
		})
		result := idx.tagToKeys[ordered[0]]
		merged := map[string]struct{}{}
		for k := range result {
			merged[k] = struct{}{}
		}
		for _, t := range ordered[1:] {
			next := map[string]struct{}{}
			set := idx.tagToKeys[t]
			for k := range merged {
				if _, ok := set[k]; ok {
					next[k] = struct{}{}
				}
			}
			merged = next
		}
		return merged
	}
}

// QueryTags returns the sorted key list for a single tag-list/operator
// query with AND/OR/NOT semantics, uncached and unpaginated
// — the Store Facade's query_by_tags convenience method uses this.
func (idx *Index) QueryTags(tags []string, operator Operator) []string {
	idx.mu.RLock()
	set := idx.evalSet(operator, tags)
	idx.mu.RUnlock()
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// cacheKeyFor normalizes a query's identifying fields into one cache key,
// normalizing the tag list (sorted), the operator (lowercased), and the
// db, namespace, page, and page_size fields.
func cacheKeyFor(db, ns string, tags []string, operator Operator, page, pageSize int) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	var b strings.Builder
	b.WriteString(db)
	b.WriteByte('\x00')
	b.WriteString(ns)
	b.WriteByte('\x00')
	b.WriteString(strings.ToLower(string(operator)))
	b.WriteByte('\x00')
	b.WriteString(strings.Join(sorted, ","))
	b.WriteByte('\x00')
	b.WriteString(itoa(page))
	b.WriteByte('\x00')
	b.WriteString(itoa(pageSize))
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// QueryPaged evaluates a tag-list/operator query with pagination and
// caching.
func (idx *Index) QueryPaged(db, ns string, tags []string, operator Operator, page, pageSize int) PagedResult {
	start := time.Now()
	ck := cacheKeyFor(db, ns, tags, operator, page, pageSize)

	idx.cacheMu.Lock()
	if cached, ok := idx.cache.Get(ck); ok {
		idx.hits++
		kvmetrics.CacheHitsTotal.Inc()
		idx.cacheMu.Unlock()
		cached.CacheHit = true
		cached.ExecutionMS = time.Since(start).Seconds() * 1000
		return cached
	}
	idx.misses++
	kvmetrics.CacheMissesTotal.Inc()
	idx.cacheMu.Unlock()

	idx.mu.RLock()
	set := idx.evalSet(operator, tags)
	idx.mu.RUnlock()

	result := paginate(set, page, pageSize)
	result.ExecutionMS = time.Since(start).Seconds() * 1000
	result.CacheHit = false

	idx.cacheMu.Lock()
	idx.cache.Add(ck, result)
	for _, t := range tags {
		if idx.tagToCacheKeys[t] == nil {
			idx.tagToCacheKeys[t] = make(map[string]struct{})
		}
		idx.tagToCacheKeys[t][ck] = struct{}{}
	}
	kvmetrics.CacheSize.Set(float64(idx.cache.Len()))
	idx.cacheMu.Unlock()

	return result
}

func paginate(set map[string]struct{}, page, pageSize int) PagedResult {
	keys := sortedKeys(set)
	total := len(keys)
	if pageSize <= 0 {
		pageSize = total
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return PagedResult{
		Keys:    append([]string(nil), keys[start:end]...),
		Total:   total,
		HasMore: end < total,
	}
}

// ComplexQuery folds a list of conditions left-to-right:
// "result := result OP condition_i", starting from the first condition's
// own set.
func (idx *Index) ComplexQuery(db, ns string, conditions []Condition, page, pageSize int) PagedResult {
	start := time.Now()
	if len(conditions) == 0 {
		return PagedResult{ExecutionMS: time.Since(start).Seconds() * 1000}
	}

	idx.mu.RLock()
	result := idx.evalSet(conditions[0].Operator, conditions[0].Tags)
	for _, cond := range conditions[1:] {
		next := idx.evalSet(cond.Operator, cond.Tags)
		switch cond.Operator {
		case OR:
			for k := range next {
				result[k] = struct{}{}
			}
		case NOT:
			// next is already "universe minus condition tags"; intersect
			// with the running result to apply it as an exclusion step.
			merged := map[string]struct{}{}
			for k := range result {
				if _, ok := next[k]; ok {
					merged[k] = struct{}{}
				}
			}
			result = merged
		default: // AND
			merged := map[string]struct{}{}
			for k := range result {
				if _, ok := next[k]; ok {
					merged[k] = struct{}{}
				}
			}
			result = merged
		}
	}
	idx.mu.RUnlock()

	out := paginate(result, page, pageSize)
	out.ExecutionMS = time.Since(start).Seconds() * 1000
	return out
}

// AllTags returns every currently-indexed tag and its member count, for
// the Store Facade's list_all_tags.
func (idx *Index) AllTags() map[string]int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]int, len(idx.tagToKeys))
	for t, members := range idx.tagToKeys {
		out[t] = len(members)
	}
	return out
}

// Stats reports the query cache's hit/miss/size/eviction counters plus
// per-tag popularity.
type Stats struct {
	Hits       int64
	Misses     int64
	Size       int
	Evictions  int64
	QueryCount map[string]int64
}

func (idx *Index) Stats() Stats {
	idx.cacheMu.Lock()
	size := idx.cache.Len()
	hits, misses := idx.hits, idx.misses
	idx.cacheMu.Unlock()

	idx.statsMu.Lock()
	qc := make(map[string]int64, len(idx.queryCount))
	for t, c := range idx.queryCount {
		qc[t] = c
	}
	idx.statsMu.Unlock()

	return Stats{Hits: hits, Misses: misses, Size: size, Evictions: idx.evictions.Load(), QueryCount: qc}
}

// Optimize recomputes which tags are "hot" (most frequently queried) so
// callers can make placement decisions (e.g. pinning hot tags' member
// sets in a faster structure upstream); the AND evaluator above always
// orders by current set size already, so this call's effect is limited to
// the returned ranking rather than changing query correctness.
func (idx *Index) Optimize() []string {
	idx.statsMu.Lock()
	defer idx.statsMu.Unlock()
	type tc struct {
		tag   string
		count int64
	}
	all := make([]tc, 0, len(idx.queryCount))
	for t, c := range idx.queryCount {
		all = append(all, tc{t, c})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].count > all[j].count })
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.tag
	}
	return out
}
