package catalog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetMiss(t *testing.T) {
	c := New(10, 1000)
	_, ok := c.Get("nope")
	require.False(t, ok)
}

func TestPutGet(t *testing.T) {
	c := New(10, 1000)
	c.Put("a", []byte("thumb-a"))

	data, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("thumb-a"), data)
	require.Equal(t, 1, c.Len())
	require.Equal(t, len("thumb-a"), c.Bytes())
}

func TestEntryCeilingEvictsLRU(t *testing.T) {
	c := New(3, 1<<20)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("id-%d", i), []byte{byte(i)})
	}
	c.Get("id-0") // id-0 is now most recent; id-1 is oldest

	c.Put("id-3", []byte{3})
	require.Equal(t, 3, c.Len())

	_, ok := c.Get("id-1")
	require.False(t, ok, "least recently used entry must go first")
	_, ok = c.Get("id-0")
	require.True(t, ok)
}

func TestByteCeilingEvictsBeforeEntryCeiling(t *testing.T) {
	c := New(100, 30)
	c.Put("a", make([]byte, 10))
	c.Put("b", make([]byte, 10))
	c.Put("c", make([]byte, 10))

	// 10 more bytes exceed the byte ceiling long before the entry count.
	c.Put("d", make([]byte, 10))
	require.Equal(t, 3, c.Len())
	require.LessOrEqual(t, c.Bytes(), 30)

	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestOversizedEntryNotCached(t *testing.T) {
	c := New(10, 100)
	c.Put("huge", make([]byte, 101))
	require.Equal(t, 0, c.Len())
	require.Equal(t, 0, c.Bytes())
}

func TestOversizedReplaceDropsOldEntry(t *testing.T) {
	c := New(10, 100)
	c.Put("a", make([]byte, 40))
	c.Put("a", make([]byte, 101))

	_, ok := c.Get("a")
	require.False(t, ok, "stale entry must not survive an oversized replace")
	require.Equal(t, 0, c.Len())
	require.Equal(t, 0, c.Bytes())
}

func TestReplaceAdjustsBytes(t *testing.T) {
	c := New(10, 1000)
	c.Put("a", make([]byte, 40))
	c.Put("a", make([]byte, 10))
	require.Equal(t, 1, c.Len())
	require.Equal(t, 10, c.Bytes())
}

func TestInvalidate(t *testing.T) {
	c := New(10, 1000)
	c.Put("a", []byte("x"))
	c.Invalidate("a")
	c.Invalidate("a") // second time is a no-op

	_, ok := c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Bytes())
}

func TestClear(t *testing.T) {
	c := New(10, 1000)
	c.Put("a", []byte("x"))
	c.Put("b", []byte("y"))
	c.Clear()

	require.Equal(t, 0, c.Len())
	require.Equal(t, 0, c.Bytes())
	c.Put("a", []byte("z"))
	data, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("z"), data)
}

func TestDefaults(t *testing.T) {
	c := New(0, 0)
	require.Equal(t, DefaultMaxEntries, c.maxEntries)
	require.Equal(t, DefaultMaxBytes, c.maxBytes)
}
