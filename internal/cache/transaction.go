package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// chunkSize 是流式转发时每次读取的块大小。
const chunkSize = 32 * 1024

// Transaction 表示一次“边服务边写入”：字节先追加到缓存目录下的临时文件，
// 只有 Commit 成功后条目才会被 Index 准入。Transaction 不是并发安全的。
type Transaction struct {
	index   *Index
	entry   *Entry
	file    *os.File
	written int64
	err     error
	closed  bool
}

// Begin 为 key 打开一个写事务。sizeHint 超过 MaxSize 时在创建任何文件之前返回 ErrCacheSizeExceeded。
func (ix *Index) Begin(key string, metadata any, sizeHint int64) (*Transaction, error) {
	entry, err := ix.NewEntry(key, metadata, sizeHint)
	if err != nil {
		return nil, err
	}
	file, err := os.CreateTemp(ix.dir, stagingPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	entry.staged = file.Name()
	return &Transaction{index: ix, entry: entry, file: file}, nil
}

// Entry 返回事务对应的条目句柄。
func (tx *Transaction) Entry() *Entry {
	return tx.entry
}

// Written 返回已写入临时文件的字节数。
func (tx *Transaction) Written() int64 {
	return tx.written
}

// Write 追加一个块。写入失败或累计字节超过 MaxSize 后事务进入失败状态，后续写入直接返回同一错误。
func (tx *Transaction) Write(p []byte) (int, error) {
	if tx.closed {
		return 0, ErrTransactionClosed
	}
	if tx.err != nil {
		return 0, tx.err
	}
	if limit := tx.index.maxSize; limit > 0 && tx.written+int64(len(p)) > limit {
		tx.err = fmt.Errorf("%w: %d bytes streamed, cache holds %d", ErrCacheSizeExceeded, tx.written+int64(len(p)), limit)
		tx.index.stats.rejections.Inc()
		return 0, tx.err
	}
	n, err := tx.file.Write(p)
	tx.written += int64(n)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		tx.err = err
	}
	return n, err
}

// Commit 关闭临时文件并交给 Index 准入，这是条目变为可见的唯一入口。
// 任何失败都会保证临时文件被删除。
func (tx *Transaction) Commit() (*Entry, error) {
	if tx.closed {
		return nil, ErrTransactionClosed
	}
	if tx.err != nil {
		err := tx.err
		if abortErr := tx.Abort(); abortErr != nil {
			return nil, errors.Join(err, abortErr)
		}
		return nil, err
	}
	tx.closed = true

	staged := tx.entry.staged
	if err := tx.file.Close(); err != nil {
		os.Remove(staged)
		tx.entry.staged = ""
		return nil, fmt.Errorf("close staging file: %w", err)
	}
	if err := tx.index.Insert(tx.entry); err != nil {
		if tx.entry.staged != "" {
			os.Remove(tx.entry.staged)
			tx.entry.staged = ""
		}
		return nil, err
	}
	return tx.entry, nil
}

// Abort 放弃事务并删除临时文件，重复调用是安全的。
func (tx *Transaction) Abort() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	closeErr := tx.file.Close()
	removeErr := os.Remove(tx.entry.staged)
	tx.entry.staged = ""
	if errors.Is(removeErr, fs.ErrNotExist) {
		removeErr = nil
	}
	if errors.Is(closeErr, os.ErrClosed) {
		closeErr = nil
	}
	return errors.Join(closeErr, removeErr)
}

// StreamResult 汇总一次转发：Written 为已交付给消费者的字节数，
// Entry 为成功准入的条目，CacheErr 记录缓存侧未能落盘的原因，与消费者侧错误相互独立。
type StreamResult struct {
	Written  int64
	Entry    *Entry
	CacheErr error
}

// Stream 按块从 src 读取，先写给消费者 dst，再追加到 tx（为 nil 时不缓存），两者逐块同步推进。
// src 读尽后提交事务；网络错误、消费者错误或 ctx 取消都会放弃事务并删除临时文件。
// 缓存写入失败只放弃缓存，消费者仍会收到完整正文。
func Stream(ctx context.Context, dst io.Writer, src io.Reader, tx *Transaction) (StreamResult, error) {
	var result StreamResult
	caching := tx != nil

	fail := func(err error) (StreamResult, error) {
		if caching {
			result.CacheErr = fmt.Errorf("cache write aborted: %w", err)
			if abortErr := tx.Abort(); abortErr != nil {
				result.CacheErr = errors.Join(result.CacheErr, abortErr)
			}
		}
		return result, err
	}

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			written, writeErr := dst.Write(buf[:n])
			result.Written += int64(written)
			if writeErr == nil && written < n {
				writeErr = io.ErrShortWrite
			}
			if writeErr != nil {
				return fail(writeErr)
			}
			if caching {
				if _, err := tx.Write(buf[:n]); err != nil {
					result.CacheErr = err
					if abortErr := tx.Abort(); abortErr != nil {
						result.CacheErr = errors.Join(err, abortErr)
					}
					caching = false
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fail(readErr)
		}
	}

	if caching {
		entry, err := tx.Commit()
		result.Entry = entry
		result.CacheErr = err
	}
	return result, nil
}
