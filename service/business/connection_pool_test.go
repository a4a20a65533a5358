package business //nolint:testpackage // Tests need access to the unexported pool

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poolConn(id string) Connection {
	meta := &Metadata{ConnectionID: id, ProjectID: "proj1", ProfileID: "p-" + id}
	return NewConnection(nil, meta, testClaims("p-"+id), testLimits())
}

func TestConnectionPool_AddAndGet(t *testing.T) {
	pool := newConnectionPool(100)

	conn := poolConn("c1")
	require.NoError(t, pool.add(conn))

	got, ok := pool.get("c1")
	require.True(t, ok)
	assert.Equal(t, conn, got)
	assert.Equal(t, int32(1), pool.size())
}

func TestConnectionPool_GetMissing(t *testing.T) {
	pool := newConnectionPool(100)

	got, ok := pool.get("nope")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestConnectionPool_AddDuplicateKeepsFirst(t *testing.T) {
	pool := newConnectionPool(100)

	first := poolConn("c1")
	second := poolConn("c1")

	require.NoError(t, pool.add(first))
	require.NoError(t, pool.add(second))

	got, ok := pool.get("c1")
	require.True(t, ok)
	assert.Equal(t, first, got)
	assert.Equal(t, int32(1), pool.size())
}

func TestConnectionPool_Remove(t *testing.T) {
	pool := newConnectionPool(100)

	conn := poolConn("c1")
	require.NoError(t, pool.add(conn))

	removed := pool.remove("c1")
	assert.Equal(t, conn, removed)
	assert.Equal(t, int32(0), pool.size())

	_, ok := pool.get("c1")
	assert.False(t, ok)
}

func TestConnectionPool_RemoveMissing(t *testing.T) {
	pool := newConnectionPool(100)
	assert.Nil(t, pool.remove("nope"))
	assert.Equal(t, int32(0), pool.size())
}

func TestConnectionPool_FullRejectsAdd(t *testing.T) {
	pool := newConnectionPool(2)

	require.NoError(t, pool.add(poolConn("c1")))
	require.NoError(t, pool.add(poolConn("c2")))

	err := pool.add(poolConn("c3"))
	require.ErrorIs(t, err, ErrConnectionPoolFull)
	assert.Equal(t, int32(2), pool.size())
}

func TestConnectionPool_ForEach(t *testing.T) {
	pool := newConnectionPool(100)

	for i := range 10 {
		require.NoError(t, pool.add(poolConn(fmt.Sprintf("c%d", i))))
	}

	seen := make(map[string]bool)
	pool.forEach(func(conn Connection) {
		seen[conn.Metadata().Key()] = true
	})

	assert.Len(t, seen, 10)
}

func TestConnectionPool_ConcurrentAddRemove(t *testing.T) {
	pool := newConnectionPool(10000)

	var wg sync.WaitGroup
	wg.Add(20)
	for g := range 20 {
		go func(id int) {
			defer wg.Done()
			for i := range 50 {
				key := fmt.Sprintf("c-%d-%d", id, i)
				_ = pool.add(poolConn(key))
				_, _ = pool.get(key)
				pool.remove(key)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int32(0), pool.size())
}
