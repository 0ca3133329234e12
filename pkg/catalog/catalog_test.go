package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/kvstore/pkg/model"
	"github.com/cuemby/kvstore/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "test_meta.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func rec(ns, key string, tags ...string) *model.Metadata {
	tagSet := map[string]struct{}{}
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}
	now := time.Now()
	return &model.Metadata{
		DB: "db1", Namespace: ns, Key: key,
		CreatedAt: now, UpdatedAt: now, AccessedAt: now,
		Tags: tagSet,
	}
}

func TestSetGetDeleteMetadata(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	require.NoError(t, c.SetMetadata(ctx, rec("ns", "k1", "a", "b")))

	got, err := c.GetMetadata(ctx, model.Key{DB: "db1", Namespace: "ns", Key: "k1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Tags, 2)

	require.NoError(t, c.DeleteMetadata(ctx, model.Key{DB: "db1", Namespace: "ns", Key: "k1"}))
	got2, err := c.GetMetadata(ctx, model.Key{DB: "db1", Namespace: "ns", Key: "k1"})
	require.NoError(t, err)
	assert.Nil(t, got2)
}

func TestUpsertReplacesTagLinks(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	require.NoError(t, c.SetMetadata(ctx, rec("ns", "k1", "old")))
	require.NoError(t, c.SetMetadata(ctx, rec("ns", "k1", "new")))

	results, err := c.QueryMetadata(ctx, storage.MetadataQuery{Namespace: "ns", Tags: []string{"old"}})
	require.NoError(t, err)
	assert.Empty(t, results)

	results2, err := c.QueryMetadata(ctx, storage.MetadataQuery{Namespace: "ns", Tags: []string{"new"}})
	require.NoError(t, err)
	assert.Len(t, results2, 1)
}

func TestQueryMetadataTagIntersection(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	require.NoError(t, c.SetMetadata(ctx, rec("ns", "p1", "a", "b")))
	require.NoError(t, c.SetMetadata(ctx, rec("ns", "p2", "a")))
	require.NoError(t, c.SetMetadata(ctx, rec("ns", "p3", "b", "c")))

	results, err := c.QueryMetadata(ctx, storage.MetadataQuery{Namespace: "ns", Tags: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p1", results[0].Key)
}

func TestLikePatternEscaping(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	require.NoError(t, c.SetMetadata(ctx, rec("ns", "a_b%c")))
	require.NoError(t, c.SetMetadata(ctx, rec("ns", "aXbYc")))

	escaped := EscapeLikeLiteral("a_b%c")
	results, err := c.QueryMetadata(ctx, storage.MetadataQuery{Namespace: "ns", KeyPattern: escaped})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a_b%c", results[0].Key)

	wildcard, err := c.QueryMetadata(ctx, storage.MetadataQuery{Namespace: "ns", KeyPattern: "a_b%"})
	require.NoError(t, err)
	assert.Len(t, wildcard, 2, "unescaped pattern should match both via wildcards")
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	expired := rec("ns", "expired")
	expired.TTLSeconds = 1
	expired.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, c.SetMetadata(ctx, expired))

	fresh := rec("ns", "fresh")
	fresh.TTLSeconds = 3600
	require.NoError(t, c.SetMetadata(ctx, fresh))

	removed, err := c.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "expired", removed[0].Key)

	got, err := c.GetMetadata(ctx, model.Key{DB: "db1", Namespace: "ns", Key: "fresh"})
	require.NoError(t, err)
	assert.NotNil(t, got)
}
