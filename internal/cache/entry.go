package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry 表示一个缓存对象：内存中的句柄加上以 key 哈希命名的磁盘文件。
// size/atime/mtime 在首次访问时通过 stat 懒加载，Invalidate 后重新读取。
type Entry struct {
	key      string
	filePath string
	metadata any

	// staged 指向仍在写入的临时文件，Index.Insert 时 rename 到 filePath。
	staged string

	mu    sync.Mutex
	attrs entryAttrs
}

// entryAttrs 保存最近一次 stat 的结果，fresh 为 false 时下次访问需要重新 stat。
type entryAttrs struct {
	fresh bool
	size  int64
	atime time.Time
	mtime time.Time
}

// EntryFileName 将任意 key 映射为固定长度的十六进制文件名，杜绝路径穿越。
func EntryFileName(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func newEntry(dir, key string, metadata any) *Entry {
	return &Entry{
		key:      key,
		filePath: filepath.Join(dir, EntryFileName(key)),
		metadata: metadata,
	}
}

// Key 返回条目的逻辑 key（通常为请求 URL）。
func (e *Entry) Key() string {
	return e.key
}

// FilePath 返回条目最终的磁盘路径。
func (e *Entry) FilePath() string {
	return e.filePath
}

// Metadata 返回创建条目时调用方附带的数据，仅在进程内有效。
func (e *Entry) Metadata() any {
	return e.metadata
}

// Size 返回文件大小。文件不存在时返回 *fs.PathError：只能对已完整写入的条目调用。
func (e *Entry) Size() (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.refreshLocked(); err != nil {
		return 0, err
	}
	return e.attrs.size, nil
}

// ModTime 返回文件修改时间，Index 用它作为 TTL 的起点。
func (e *Entry) ModTime() (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.refreshLocked(); err != nil {
		return time.Time{}, err
	}
	return e.attrs.mtime, nil
}

// Touch 将磁盘与内存中的修改时间更新为 t，访问时间保持不变。
func (e *Entry) Touch(t time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.refreshLocked(); err != nil {
		return err
	}
	if err := os.Chtimes(e.filePath, e.attrs.atime, t); err != nil {
		e.attrs.fresh = false
		return err
	}
	e.attrs.mtime = t
	return nil
}

// Invalidate 丢弃缓存的 stat 结果。
func (e *Entry) Invalidate() {
	e.mu.Lock()
	e.attrs = entryAttrs{}
	e.mu.Unlock()
}

// Delete 删除磁盘文件。文件已不存在时同样返回错误，例行淘汰的调用方需自行容忍 fs.ErrNotExist。
func (e *Entry) Delete() error {
	e.Invalidate()
	return os.Remove(e.filePath)
}

func (e *Entry) expired(now time.Time, maxAge time.Duration) (bool, error) {
	mtime, err := e.ModTime()
	if err != nil {
		return false, err
	}
	return now.After(mtime.Add(maxAge)), nil
}

func (e *Entry) refreshLocked() error {
	if e.attrs.fresh {
		return nil
	}
	info, err := os.Stat(e.filePath)
	if err != nil {
		return err
	}
	e.attrs = entryAttrs{
		fresh: true,
		size:  info.Size(),
		atime: accessTime(info),
		mtime: info.ModTime(),
	}
	return nil
}
