package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositePanicOnEmpty(t *testing.T) {
	assert.Panics(t, func() {
		NewComposite()
	})
}

func TestCompositeGetOrder(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory(ctx)
	l2 := NewInMemory(ctx)
	c := NewComposite(l1, l2)
	defer c.Close()

	// Set different values in each layer directly.
	require.NoError(t, l1.Save(ctx, "key", "from-l1", time.Minute))
	require.NoError(t, l2.Save(ctx, "key", "from-l2", time.Minute))

	// Composite should return from the first cache (l1).
	found, val, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "from-l1", val)

	// Fall through to l2 on an l1 miss.
	_, err = l1.Delete(ctx, "key")
	require.NoError(t, err)
	_, val, err = c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.Equal(t, "from-l2", val)
}

func TestCompositeSaveAll(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory(ctx)
	l2 := NewInMemory(ctx)
	c := NewComposite(l1, l2)
	defer c.Close()

	assert.NoError(t, c.Save(ctx, "key", "shared", time.Minute))
	for _, l := range []Store{l1, l2} {
		found, val, err := l.Get(ctx, "key")
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "shared", val)
	}

	status, err := c.Delete(ctx, "key")
	assert.NoError(t, err)
	assert.Equal(t, StatusDeleted, status)
	for _, l := range []Store{l1, l2} {
		found, _, err := l.Get(ctx, "key")
		assert.NoError(t, err)
		assert.False(t, found)
	}
}

func TestCompositeLastTierDecides(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory(ctx)
	l2 := NewInMemory(ctx)
	c := NewComposite(l1, l2)
	defer c.Close()

	// A lock held in the shared tier wins even though l1 has never seen it.
	ok, err := l2.SaveIfAbsent(ctx, "lock", "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.SaveIfAbsent(ctx, "lock", "me", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.SaveIfAbsent(ctx, "fresh", "me", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	found, _, err := l1.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, found)

	// Increment goes to l2 and evicts any stale copy in l1.
	require.NoError(t, c.Save(ctx, "n", 5, 0))
	n, err := c.Increment(ctx, "n", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	found, _, err = l1.Get(ctx, "n")
	require.NoError(t, err)
	assert.False(t, found)
	_, val, err := c.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, int64(7), val)
}

func TestCompositeDefaultTTL(t *testing.T) {
	ctx := context.Background()
	c := NewComposite(NewInMemory(ctx), NewInMemory(ctx, WithExpires(time.Hour)))
	defer c.Close()
	assert.Equal(t, time.Hour, DefaultTTL(c))
	assert.Equal(t, DefaultExpires, DefaultTTL(NewDummy()))
}
