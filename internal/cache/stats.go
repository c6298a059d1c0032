package cache

import "go.uber.org/atomic"

// counters 记录索引生命周期内的累计事件，读取时无需持有索引锁。
type counters struct {
	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
	admissions  atomic.Int64
	rejections  atomic.Int64
}

// Stats 是索引状态的快照，供诊断接口与指标采集使用。
type Stats struct {
	Entries     int   `json:"entries"`
	TotalBytes  int64 `json:"total_bytes"`
	MaxBytes    int64 `json:"max_bytes"`
	MaxEntries  int   `json:"max_entries"`
	MaxAgeSecs  int64 `json:"max_age_seconds"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Admissions  int64 `json:"admissions"`
	Rejections  int64 `json:"rejections"`
}

// Stats 返回当前快照；条目数与字节数在锁内读取，保证二者一致。
func (ix *Index) Stats() Stats {
	ix.mu.Lock()
	entries, total := len(ix.entries), ix.totalBytes
	ix.mu.Unlock()

	return Stats{
		Entries:     entries,
		TotalBytes:  total,
		MaxBytes:    ix.maxSize,
		MaxEntries:  ix.maxEntries,
		MaxAgeSecs:  int64(ix.maxAge.Seconds()),
		Hits:        ix.stats.hits.Load(),
		Misses:      ix.stats.misses.Load(),
		Evictions:   ix.stats.evictions.Load(),
		Expirations: ix.stats.expirations.Load(),
		Admissions:  ix.stats.admissions.Load(),
		Rejections:  ix.stats.rejections.Load(),
	}
}
