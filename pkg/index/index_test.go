package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueryTagsAndOrNot(t *testing.T) {
	idx := New(100, time.Minute)
	idx.Put("p1", []string{"a", "b"})
	idx.Put("p2", []string{"a"})
	idx.Put("p3", []string{"b", "c"})

	assert.ElementsMatch(t, []string{"p1"}, idx.QueryTags([]string{"a", "b"}, AND))
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, idx.QueryTags([]string{"a", "c"}, OR))
	assert.ElementsMatch(t, []string{}, idx.QueryTags([]string{"a", "b", "c"}, NOT))
}

func TestScenarioS3FromSpec(t *testing.T) {
	idx := New(100, time.Minute)
	idx.Put("p1", []string{"a", "b"})
	idx.Put("p2", []string{"a"})
	idx.Put("p3", []string{"b", "c"})

	assert.ElementsMatch(t, []string{"p1"}, idx.QueryTags([]string{"a", "b"}, AND))

	adv := idx.QueryPaged("db1", "ns1", []string{"a", "c"}, OR, 1, 10)
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, adv.Keys)

	complex := idx.ComplexQuery("db1", "ns1", []Condition{
		{Operator: OR, Tags: []string{"a", "c"}},
		{Operator: AND, Tags: []string{"b"}},
	}, 1, 10)
	assert.ElementsMatch(t, []string{"p1", "p3"}, complex.Keys)
}

func TestANDCommutativeAndAssociative(t *testing.T) {
	idx := New(100, time.Minute)
	idx.Put("p1", []string{"a", "b", "c"})
	idx.Put("p2", []string{"a", "b"})
	idx.Put("p3", []string{"b", "c"})

	r1 := idx.QueryTags([]string{"a", "b", "c"}, AND)
	r2 := idx.QueryTags([]string{"c", "a", "b"}, AND)
	assert.Equal(t, r1, r2)
}

func TestNotEqualsUniverseMinusTag(t *testing.T) {
	idx := New(100, time.Minute)
	idx.Put("p1", []string{"a"})
	idx.Put("p2", []string{"b"})
	idx.Put("p3", []string{})

	universe := []string{"p1", "p2", "p3"}
	notA := idx.QueryTags([]string{"a"}, NOT)
	assert.ElementsMatch(t, []string{"p2", "p3"}, notA)
	assert.Subset(t, universe, notA)
}

func TestCacheInvalidatedByTouchingTag(t *testing.T) {
	idx := New(100, time.Minute)
	idx.Put("p1", []string{"a"})

	first := idx.QueryPaged("db", "ns", []string{"a"}, AND, 1, 10)
	assert.False(t, first.CacheHit)

	second := idx.QueryPaged("db", "ns", []string{"a"}, AND, 1, 10)
	assert.True(t, second.CacheHit)

	idx.Put("p1", []string{"a", "b"}) // touches tag "a" again

	third := idx.QueryPaged("db", "ns", []string{"a"}, AND, 1, 10)
	assert.False(t, third.CacheHit, "write touching an indexed tag must invalidate cached results")
}

func TestRemoveDropsFromUniverse(t *testing.T) {
	idx := New(100, time.Minute)
	idx.Put("p1", []string{"a"})
	idx.Remove("p1")
	assert.Empty(t, idx.QueryTags([]string{"a"}, AND))
	assert.Empty(t, idx.AllTags())
}
