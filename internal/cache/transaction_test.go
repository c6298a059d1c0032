package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// flakyReader 在交付 limit 字节后返回错误，模拟上游连接中断。
type flakyReader struct {
	data  []byte
	limit int
	read  int
}

func (f *flakyReader) Read(p []byte) (int, error) {
	if f.read >= f.limit {
		return 0, io.ErrUnexpectedEOF
	}
	n := min(len(p), f.limit-f.read)
	copy(p, f.data[f.read:f.read+n])
	f.read += n
	return n, nil
}

// failingWriter 在接收 limit 字节后拒绝写入，模拟下游断开。
type failingWriter struct {
	buf   bytes.Buffer
	limit int
}

var errConsumerGone = errors.New("consumer went away")

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.buf.Len()+len(p) > w.limit {
		return 0, errConsumerGone
	}
	return w.buf.Write(p)
}

func TestStreamCommitsAfterCleanEOF(t *testing.T) {
	ix := newTestIndex(t, Options{})
	payload := bytes.Repeat([]byte("0123456789"), 10000)

	tx, err := ix.Begin("http://example.com/file", "meta", int64(len(payload)))
	require.NoError(t, err)

	var dst bytes.Buffer
	result, err := Stream(t.Context(), &dst, bytes.NewReader(payload), tx)
	require.NoError(t, err)
	require.NoError(t, result.CacheErr)
	require.NotNil(t, result.Entry)

	assert.Equal(t, payload, dst.Bytes())
	assert.EqualValues(t, len(payload), result.Written)
	assert.Equal(t, "meta", result.Entry.Metadata())

	entry, err := ix.Lookup("http://example.com/file")
	require.NoError(t, err)
	size, err := entry.Size()
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), size)
	requireConsistent(t, ix)
}

func TestStreamWithoutTransaction(t *testing.T) {
	var dst bytes.Buffer
	result, err := Stream(t.Context(), &dst, bytes.NewReader([]byte("passthrough")), nil)
	require.NoError(t, err)
	assert.Equal(t, "passthrough", dst.String())
	assert.Nil(t, result.Entry)
	assert.NoError(t, result.CacheErr)
}

func TestStreamAbortsOnUpstreamFailure(t *testing.T) {
	ix := newTestIndex(t, Options{})
	payload := bytes.Repeat([]byte("z"), 3*chunkSize)

	tx, err := ix.Begin("interrupted", nil, int64(len(payload)))
	require.NoError(t, err)

	var dst bytes.Buffer
	result, err := Stream(t.Context(), &dst, &flakyReader{data: payload, limit: chunkSize + 100}, tx)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Error(t, result.CacheErr)
	assert.Nil(t, result.Entry)
	assert.EqualValues(t, chunkSize+100, result.Written)

	_, err = ix.Lookup("interrupted")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, dirFiles(t, ix), "partial data must not survive an interrupted stream")
}

func TestStreamAbortsWhenConsumerFails(t *testing.T) {
	ix := newTestIndex(t, Options{})
	payload := bytes.Repeat([]byte("c"), 4*chunkSize)

	tx, err := ix.Begin("dropped", nil, -1)
	require.NoError(t, err)

	dst := &failingWriter{limit: 2 * chunkSize}
	result, err := Stream(t.Context(), dst, bytes.NewReader(payload), tx)
	require.ErrorIs(t, err, errConsumerGone)
	require.ErrorIs(t, result.CacheErr, errConsumerGone)

	assert.False(t, ix.Contains("dropped"))
	assert.Empty(t, dirFiles(t, ix))
}

func TestStreamStopsOnCancel(t *testing.T) {
	ix := newTestIndex(t, Options{})
	tx, err := ix.Begin("cancelled", nil, -1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = Stream(ctx, io.Discard, bytes.NewReader([]byte("never")), tx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, dirFiles(t, ix))
}

func TestStreamServesConsumerWhenCacheOverflows(t *testing.T) {
	ix := newTestIndex(t, Options{MaxSize: 100})
	payload := bytes.Repeat([]byte("o"), 250)

	tx, err := ix.Begin("undeclared", nil, -1)
	require.NoError(t, err)

	var dst bytes.Buffer
	result, err := Stream(t.Context(), &dst, bytes.NewReader(payload), tx)
	require.NoError(t, err, "cache-side failures never reach the consumer")
	require.ErrorIs(t, result.CacheErr, ErrCacheSizeExceeded)
	assert.Equal(t, payload, dst.Bytes())
	assert.Nil(t, result.Entry)

	assert.Zero(t, ix.Len())
	assert.Empty(t, dirFiles(t, ix))
}

func TestTransactionInvisibleUntilCommit(t *testing.T) {
	ix := newTestIndex(t, Options{})
	tx, err := ix.Begin("pending", nil, 5)
	require.NoError(t, err)
	_, err = tx.Write([]byte("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, tx.Written())

	_, err = ix.Lookup("pending")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, tx.Entry().FilePath())

	entry, err := tx.Commit()
	require.NoError(t, err)
	assert.FileExists(t, entry.FilePath())
	assert.True(t, ix.Contains("pending"))
}

func TestTransactionLifecycle(t *testing.T) {
	ix := newTestIndex(t, Options{})

	tx, err := ix.Begin("aborted", nil, -1)
	require.NoError(t, err)
	_, err = tx.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, tx.Abort())
	require.NoError(t, tx.Abort())

	_, err = tx.Write([]byte("more"))
	require.ErrorIs(t, err, ErrTransactionClosed)
	_, err = tx.Commit()
	require.ErrorIs(t, err, ErrTransactionClosed)
	assert.Empty(t, dirFiles(t, ix))

	tx, err = ix.Begin("committed", nil, -1)
	require.NoError(t, err)
	_, err = tx.Commit()
	require.NoError(t, err)
	_, err = tx.Commit()
	require.ErrorIs(t, err, ErrTransactionClosed)
	require.NoError(t, tx.Abort())
	assert.True(t, ix.Contains("committed"), "abort after commit must not touch the admitted entry")
}

func TestTransactionStickyError(t *testing.T) {
	ix := newTestIndex(t, Options{MaxSize: 8})
	tx, err := ix.Begin("sticky", nil, -1)
	require.NoError(t, err)

	_, err = tx.Write([]byte("0123456789"))
	require.ErrorIs(t, err, ErrCacheSizeExceeded)
	_, err = tx.Write([]byte("1"))
	require.ErrorIs(t, err, ErrCacheSizeExceeded)

	_, err = tx.Commit()
	require.ErrorIs(t, err, ErrCacheSizeExceeded)
	assert.Empty(t, dirFiles(t, ix))
}

func TestConcurrentStreamsKeepIndexConsistent(t *testing.T) {
	ix := newTestIndex(t, Options{MaxSize: 16 * 1024, MaxEntries: 6})
	const keys = 10

	var g errgroup.Group
	for worker := range 8 {
		g.Go(func() error {
			for i := range 60 {
				n := (worker*7 + i) % keys
				key := fmt.Sprintf("http://example.com/%d", n)
				if i%3 == 0 {
					result, err := ix.Get(key)
					if errors.Is(err, ErrNotFound) {
						continue
					}
					if err != nil {
						return err
					}
					body, err := io.ReadAll(result.Reader)
					result.Reader.Close()
					if err != nil {
						return err
					}
					for _, b := range body {
						if b != byte('a'+n) {
							return fmt.Errorf("key %s served foreign byte %q", key, b)
						}
					}
					continue
				}
				payload := bytes.Repeat([]byte{byte('a' + n)}, 512+(i*97)%3000)
				tx, err := ix.Begin(key, nil, int64(len(payload)))
				if err != nil {
					return err
				}
				result, err := Stream(context.Background(), io.Discard, bytes.NewReader(payload), tx)
				if err != nil {
					return err
				}
				if result.CacheErr != nil {
					return result.CacheErr
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	requireConsistent(t, ix)

	stats := ix.Stats()
	assert.Equal(t, ix.Len(), stats.Entries)
	assert.Equal(t, ix.TotalBytes(), stats.TotalBytes)
}
