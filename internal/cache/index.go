package cache

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// stagingPrefix 是写入中临时文件的前缀，与条目文件（40 位十六进制）互不冲突。
const stagingPrefix = ".cache-"

// Options 描述 Index 的容量上限，<= 0 的字段表示不限制。
type Options struct {
	MaxSize    int64
	MaxEntries int
	MaxAge     time.Duration

	// PurgeOnStart 为 true 时，构造阶段删除上一个进程遗留的条目与临时文件。
	PurgeOnStart bool

	Logger logrus.FieldLogger
	// Now 用于计算条目年龄，测试中可注入假时钟。
	Now func() time.Time
}

// ReadResult 组合命中的 Entry 与已打开的正文文件，调用方负责关闭 Reader。
// Size 与 ModTime 取自已打开的文件，Get 返回后条目被替换或淘汰也不会改变它们。
type ReadResult struct {
	Entry   *Entry
	Reader  io.ReadSeekCloser
	Size    int64
	ModTime time.Time
}

// Index 维护 key → Entry 的 LRU 顺序，并以字节数、条目数、年龄三种上限驱动淘汰。
// 所有变更（含 Lookup 的访问顺序调整）都在同一把锁内完成；正文的读写不持锁。
type Index struct {
	dir        string
	maxSize    int64
	maxEntries int
	maxAge     time.Duration
	logger     logrus.FieldLogger
	now        func() time.Time

	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // Front 为最久未使用，Back 为最近使用
	totalBytes int64

	stats counters
}

// slot 记录准入时的文件大小，删除时即使文件已丢失也能正确回退 totalBytes。
type slot struct {
	entry *Entry
	size  int64
}

// NewIndex 以已存在且可读写的 dir 构建索引，目录不合法时返回 ErrInvalidDirectory。
func NewIndex(dir string, opts Options) (*Index, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: path required", ErrInvalidDirectory)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDirectory, err)
	}
	if err := checkDirectory(abs); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ix := &Index{
		dir:        abs,
		maxSize:    max(opts.MaxSize, 0),
		maxEntries: max(opts.MaxEntries, 0),
		maxAge:     max(opts.MaxAge, 0),
		logger:     logger.WithField("component", "cache"),
		now:        now,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}

	ix.logger.WithFields(logrus.Fields{
		"action":      "cache_init",
		"path":        abs,
		"max_size":    ix.maxSize,
		"max_entries": ix.maxEntries,
		"max_age":     ix.maxAge.String(),
	}).Debug("cache index created")

	if opts.PurgeOnStart {
		if err := ix.purgeDirectory(); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

func checkDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDirectory, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidDirectory, dir)
	}
	if _, err := os.ReadDir(dir); err != nil {
		return fmt.Errorf("%w: %s is not listable: %v", ErrInvalidDirectory, dir, err)
	}
	probe, err := os.CreateTemp(dir, stagingPrefix+"probe-*")
	if err != nil {
		return fmt.Errorf("%w: %s is not writable: %v", ErrInvalidDirectory, dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// purgeDirectory 删除上个进程留下的条目文件与临时文件，其它文件保持不动。
func (ix *Index) purgeDirectory() error {
	items, err := os.ReadDir(ix.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDirectory, err)
	}
	removed := 0
	for _, item := range items {
		if !item.Type().IsRegular() || !isCacheFileName(item.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(ix.dir, item.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
	}
	if removed > 0 {
		ix.logger.WithFields(logrus.Fields{"action": "cache_purge", "removed": removed}).Info("stale cache files removed")
	}
	return nil
}

func isCacheFileName(name string) bool {
	if strings.HasPrefix(name, stagingPrefix) {
		return true
	}
	if len(name) != 40 {
		return false
	}
	for _, r := range name {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// Dir 返回缓存目录的绝对路径。
func (ix *Index) Dir() string {
	return ix.dir
}

// MaxSize/MaxEntries/MaxAge 返回构造时确定的上限，0 表示不限制。
func (ix *Index) MaxSize() int64 { return ix.maxSize }

func (ix *Index) MaxEntries() int { return ix.maxEntries }

func (ix *Index) MaxAge() time.Duration { return ix.maxAge }

// NewEntry 为 key 分配句柄。sizeHint 为声明的对象大小（未知时传负数），
// 超过 MaxSize 时在任何 I/O 之前返回 ErrCacheSizeExceeded。
func (ix *Index) NewEntry(key string, metadata any, sizeHint int64) (*Entry, error) {
	if ix.maxSize > 0 && sizeHint > ix.maxSize {
		ix.stats.rejections.Inc()
		return nil, fmt.Errorf("%w: requested %d bytes, cache holds %d", ErrCacheSizeExceeded, sizeHint, ix.maxSize)
	}
	return newEntry(ix.dir, key, metadata), nil
}

// Lookup 返回 key 对应的存活条目并将其标记为最近使用；过期条目会被删除并视为未命中。
func (ix *Index) Lookup(key string) (*Entry, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	elem, err := ix.lookupLocked(key)
	if err != nil {
		return nil, err
	}
	return elem.Value.(*slot).entry, nil
}

// Get 在 Lookup 的基础上打开正文文件，命中时的访问顺序在开始读取之前就已更新。
func (ix *Index) Get(key string) (*ReadResult, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	elem, err := ix.lookupLocked(key)
	if err != nil {
		return nil, err
	}
	entry := elem.Value.(*slot).entry
	f, err := os.Open(entry.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// 文件被外部删除，条目不能继续留在索引中。
			ix.unlinkLocked(elem)
			ix.logger.WithFields(logrus.Fields{"action": "cache_get", "key": key}).Warn("cache file vanished")
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat opened cache file: %w", err)
	}
	return &ReadResult{Entry: entry, Reader: f, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (ix *Index) lookupLocked(key string) (*list.Element, error) {
	elem, ok := ix.entries[key]
	if !ok {
		ix.stats.misses.Inc()
		return nil, ErrNotFound
	}
	entry := elem.Value.(*slot).entry
	if ix.maxAge > 0 {
		expired, err := entry.expired(ix.now(), ix.maxAge)
		if err != nil {
			ix.unlinkLocked(elem)
			ix.stats.misses.Inc()
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		if expired {
			err := ix.removeLocked(elem, true)
			ix.stats.expirations.Inc()
			ix.stats.misses.Inc()
			ix.logger.WithFields(logrus.Fields{"action": "cache_expire", "key": key}).Debug("cache entry expired on lookup")
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
			}
			return nil, ErrNotFound
		}
	}
	ix.order.MoveToBack(elem)
	ix.stats.hits.Inc()
	return elem, nil
}

// Contains 报告 key 是否在索引中，不检查年龄也不调整访问顺序。
func (ix *Index) Contains(key string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, ok := ix.entries[key]
	return ok
}

// Insert 准入一个磁盘文件已完整写入的条目：替换同名旧条目、拒绝超限对象、
// 先过期再按 LRU 淘汰，最后将条目放到最近使用的位置。
func (ix *Index) Insert(entry *Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.insertLocked(entry)
}

func (ix *Index) insertLocked(entry *Entry) error {
	log := ix.logger.WithField("key", entry.key)

	if elem, ok := ix.entries[entry.key]; ok {
		// 未暂存的条目直接写在同名文件上，旧条目只撤销记账。
		deleteFile := entry.staged != "" && elem.Value.(*slot).entry != entry
		if err := ix.removeLocked(elem, deleteFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.WithError(err).WithField("action", "cache_replace").Warn("remove replaced cache file failed")
		}
	}

	if entry.staged != "" {
		if err := os.Rename(entry.staged, entry.filePath); err != nil {
			os.Remove(entry.staged)
			entry.staged = ""
			return fmt.Errorf("promote cache file: %w", err)
		}
		entry.staged = ""
	}
	entry.Invalidate()

	size, err := entry.Size()
	if err != nil {
		return err
	}
	if ix.maxSize > 0 && size > ix.maxSize {
		ix.stats.rejections.Inc()
		ix.discardFile(entry)
		return fmt.Errorf("%w: entry holds %d bytes, cache holds %d", ErrCacheSizeExceeded, size, ix.maxSize)
	}

	if ix.overLimitLocked(size) {
		if _, err := ix.expireLocked(); err != nil {
			log.WithError(err).WithField("action", "cache_expire").Warn("expired cache file could not be removed")
		}
	}
	for ix.overLimitLocked(size) {
		if _, err := ix.discardOneLocked(); err != nil {
			if errors.Is(err, ErrEmptyIndex) {
				ix.discardFile(entry)
				return fmt.Errorf("admit %s: %w", entry.key, err)
			}
			log.WithError(err).WithField("action", "cache_evict").Warn("evicted cache file could not be removed")
		}
	}

	if err := entry.Touch(ix.now()); err != nil {
		ix.discardFile(entry)
		return err
	}
	ix.entries[entry.key] = ix.order.PushBack(&slot{entry: entry, size: size})
	ix.totalBytes += size
	ix.stats.admissions.Inc()
	log.WithFields(logrus.Fields{"action": "cache_admit", "size": size}).Debug("cache entry admitted")
	return nil
}

func (ix *Index) overLimitLocked(size int64) bool {
	if ix.maxEntries > 0 && len(ix.entries)+1 > ix.maxEntries {
		return true
	}
	return ix.maxSize > 0 && ix.totalBytes+size > ix.maxSize
}

// discardFile 删除未能准入的条目文件，失败只记录日志。
func (ix *Index) discardFile(entry *Entry) {
	if err := entry.Delete(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		ix.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_discard", "key": entry.key}).Warn("remove rejected cache file failed")
	}
}

// Remove 删除 key 对应的条目与文件。key 不存在时什么也不做，但文件删除失败会原样返回。
func (ix *Index) Remove(key string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	elem, ok := ix.entries[key]
	if !ok {
		return nil
	}
	return ix.removeLocked(elem, true)
}

// removeLocked 将条目移出索引并回退 totalBytes，deleteFile 为 true 时同时删除文件。
func (ix *Index) removeLocked(elem *list.Element, deleteFile bool) error {
	entry := ix.unlinkLocked(elem)
	if !deleteFile {
		return nil
	}
	return entry.Delete()
}

func (ix *Index) unlinkLocked(elem *list.Element) *Entry {
	s := elem.Value.(*slot)
	ix.order.Remove(elem)
	delete(ix.entries, s.entry.key)
	ix.totalBytes -= s.size
	return s.entry
}

// ExpireAll 删除所有超过 MaxAge 的条目并返回它们；未配置 MaxAge 时为空操作。
// 已不存在的文件不视为错误，其它删除失败会合并返回。
func (ix *Index) ExpireAll() ([]*Entry, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.expireLocked()
}

func (ix *Index) expireLocked() ([]*Entry, error) {
	if ix.maxAge <= 0 {
		return nil, nil
	}
	now := ix.now()
	var (
		expired []*Entry
		errs    []error
	)
	for elem := ix.order.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*slot).entry
		stale, err := entry.expired(now, ix.maxAge)
		if err != nil {
			// 无法 stat 的条目已经失去了磁盘文件，直接移出索引。
			stale = true
		}
		if stale {
			if err := ix.removeLocked(elem, true); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			ix.stats.expirations.Inc()
			expired = append(expired, entry)
		}
		elem = next
	}
	if len(expired) > 0 {
		ix.logger.WithFields(logrus.Fields{"action": "cache_expire", "expired": len(expired)}).Debug("expired cache entries removed")
	}
	return expired, errors.Join(errs...)
}

// DiscardOne 淘汰并删除最久未使用的条目；索引为空时返回 ErrEmptyIndex。
func (ix *Index) DiscardOne() (*Entry, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.discardOneLocked()
}

func (ix *Index) discardOneLocked() (*Entry, error) {
	elem := ix.order.Front()
	if elem == nil {
		return nil, ErrEmptyIndex
	}
	entry := elem.Value.(*slot).entry
	err := ix.removeLocked(elem, true)
	ix.stats.evictions.Inc()
	ix.logger.WithFields(logrus.Fields{"action": "cache_evict", "key": entry.key}).Debug("least recently used entry evicted")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return entry, err
	}
	return entry, nil
}

// Clear 删除所有条目文件并清空索引，用于启动/关闭或显式重置。
func (ix *Index) Clear() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var errs []error
	for elem := ix.order.Front(); elem != nil; elem = elem.Next() {
		if err := elem.Value.(*slot).entry.Delete(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	ix.entries = make(map[string]*list.Element)
	ix.order.Init()
	ix.totalBytes = 0
	return errors.Join(errs...)
}

// Len 返回存活条目数。
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// TotalBytes 返回所有存活条目的字节数之和。
func (ix *Index) TotalBytes() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.totalBytes
}

// Keys 按访问顺序返回所有 key，第一个为最久未使用。
func (ix *Index) Keys() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	keys := make([]string, 0, len(ix.entries))
	for elem := ix.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*slot).entry.key)
	}
	return keys
}
