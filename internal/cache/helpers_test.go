package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock 为索引提供可推进的时间源。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestIndex returns an Index rooted in a fresh temporary directory.
func newTestIndex(t *testing.T, opts Options) *Index {
	t.Helper()
	ix, err := NewIndex(t.TempDir(), opts)
	require.NoError(t, err)
	return ix
}

// store writes payload through a transaction and commits it.
func store(t *testing.T, ix *Index, key string, payload []byte) error {
	t.Helper()
	tx, err := ix.Begin(key, nil, int64(len(payload)))
	if err != nil {
		return err
	}
	_, err = Stream(t.Context(), &bytes.Buffer{}, bytes.NewReader(payload), tx)
	require.NoError(t, err)
	return nil
}

// mustStore is store for callers that expect admission to succeed.
func mustStore(t *testing.T, ix *Index, key string, size int) {
	t.Helper()
	tx, err := ix.Begin(key, nil, int64(size))
	require.NoError(t, err)
	_, err = tx.Write(bytes.Repeat([]byte("x"), size))
	require.NoError(t, err)
	_, err = tx.Commit()
	require.NoError(t, err)
}

// dirFiles lists every file left in the cache directory.
func dirFiles(t *testing.T, ix *Index) []string {
	t.Helper()
	items, err := os.ReadDir(ix.Dir())
	require.NoError(t, err)
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names
}

// requireConsistent checks totalBytes against the files on disk and the configured bounds.
func requireConsistent(t *testing.T, ix *Index) {
	t.Helper()
	keys := ix.Keys()
	var sum int64
	expected := make([]string, 0, len(keys))
	for _, key := range keys {
		info, err := os.Stat(filepath.Join(ix.Dir(), EntryFileName(key)))
		require.NoError(t, err, "live entry %q must have a backing file", key)
		sum += info.Size()
		expected = append(expected, EntryFileName(key))
	}
	sort.Strings(expected)

	require.Equal(t, sum, ix.TotalBytes())
	require.Equal(t, expected, dirFiles(t, ix), "cache directory must hold exactly the live entries")
	if ix.MaxEntries() > 0 {
		require.LessOrEqual(t, ix.Len(), ix.MaxEntries())
	}
	if ix.MaxSize() > 0 {
		require.LessOrEqual(t, ix.TotalBytes(), ix.MaxSize())
	}
}
