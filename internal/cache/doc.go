// Package cache implements the bounded disk cache behind the proxy. Every
// cached object is one file in the cache directory, named by the SHA-1 of its
// key, and tracked by an in-memory Index that enforces byte, entry-count and
// age ceilings with least-recently-used eviction. Objects are written through
// a Transaction that stages bytes in a temporary file while they are streamed
// to the consumer; the file only becomes visible to lookups once the
// transaction commits and the Index admits it.
package cache
