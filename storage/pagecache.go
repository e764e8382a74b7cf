package storage

import (
	"container/list"
	"errors"
	"math"
	"os"
	"path/filepath"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CacheCapacity computes the resident-set cap from a byte budget and the
// configured max page size (§4.5): each resident page
// is assumed to cost up to 3.5x its logical byte estimate once its sorted
// index, Bloom filter and map overhead are accounted for.
func CacheCapacity(cacheSizeBytes, maxPageBytes int64) int {
	if maxPageBytes <= 0 {
		maxPageBytes = 1
	}
	n := int(math.Floor(float64(cacheSizeBytes) / (float64(maxPageBytes) * 3.5)))
	if n < 1 {
		n = 1
	}
	return n
}

func fileNameForPrefix(prefix string) string {
	if prefix == "" {
		return "_root.dat"
	}
	return prefix + ".dat"
}

type cacheEntry struct {
	prefix string
	page   *Page
	log    *LogFile
	pinned int
	elem   *list.Element
}

// PageCache is the bounded resident set of Pages (and their backing
// LogFiles) the engine keeps in memory (§4.5). Eviction is plain LRU over
// unpinned entries; a page currently Acquire'd by an in-flight operation is
// pinned and cannot be evicted out from under it.
type PageCache struct {
	dir         string
	capacity    int
	bloomFPRate float64

	ll      *list.List // front = most recently used
	entries map[string]*cacheEntry
}

// NewPageCache creates a cache rooted at dir with room for capacity pages.
// bloomFPRate is passed through to every Page it loads from disk (§4.3,
// §6 "bloom_false_positive_rate"); a non-positive value falls back to
// DefaultBloomFalsePositiveRate.
func NewPageCache(dir string, capacity int, bloomFPRate float64) *PageCache {
	if capacity < 1 {
		capacity = 1
	}
	return &PageCache{
		dir:         dir,
		capacity:    capacity,
		bloomFPRate: bloomFPRate,
		ll:          list.New(),
		entries:     make(map[string]*cacheEntry),
	}
}

// Resident reports whether prefix is currently cached, without affecting
// LRU order or pin state.
func (c *PageCache) Resident(prefix string) bool {
	_, ok := c.entries[prefix]
	return ok
}

// Len returns the number of resident entries.
func (c *PageCache) Len() int { return len(c.entries) }

// Acquire returns the Page and LogFile for prefix, pinning the entry so it
// cannot be evicted until a matching Release. If the page is not resident
// it is loaded from disk — opening (and, if absent, creating) its log file
// and replaying it — per §4.8's "warm a page on first touch" behavior.
func (c *PageCache) Acquire(prefix string) (*Page, *LogFile, error) {
	if e, ok := c.entries[prefix]; ok {
		c.ll.MoveToFront(e.elem)
		e.pinned++
		return e.page, e.log, nil
	}

	page, lf, err := c.loadFromDisk(prefix)
	if err != nil {
		return nil, nil, err
	}
	if err := c.admit(prefix, page, lf, 1); err != nil {
		lf.Close()
		return nil, nil, err
	}
	return page, lf, nil
}

// Release unpins prefix, making it eligible for eviction again once its
// pin count reaches zero. Releasing a non-resident or already-unpinned
// prefix is a no-op.
func (c *PageCache) Release(prefix string) {
	e, ok := c.entries[prefix]
	if !ok || e.pinned == 0 {
		return
	}
	e.pinned--
}

// Adopt inserts an already-constructed Page/LogFile pair — used right
// after a split materializes new child pages and writes their log files —
// without going through a disk load. The entry starts unpinned.
func (c *PageCache) Adopt(prefix string, page *Page, lf *LogFile) error {
	if e, ok := c.entries[prefix]; ok {
		c.ll.MoveToFront(e.elem)
		e.page, e.log = page, lf
		return nil
	}
	return c.admit(prefix, page, lf, 0)
}

func (c *PageCache) admit(prefix string, page *Page, lf *LogFile, pinned int) error {
	for len(c.entries) >= c.capacity {
		if !c.evictOne() {
			return errOverloaded(prefix)
		}
	}

	e := &cacheEntry{prefix: prefix, page: page, log: lf, pinned: pinned}
	e.elem = c.ll.PushFront(e)
	c.entries[prefix] = e
	return nil
}

// evictOne drops the least-recently-used unpinned entry, closing its log
// file. Returns false if every resident entry is pinned.
func (c *PageCache) evictOne() bool {
	for elem := c.ll.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*cacheEntry)
		if e.pinned > 0 {
			continue
		}
		c.ll.Remove(elem)
		delete(c.entries, e.prefix)
		e.log.Close()
		return true
	}
	return false
}

// loadFromDisk opens and replays the log file for prefix. If the live
// "<prefix>.dat" file is absent but a retired "<prefix>.dat.old" is present
// (the node was split and its parent log renamed away, §4.2 Retire), the
// retired file is reopened instead so the sentinel entry it may still hold
// survives an evict-then-reacquire cycle (§4.8). A retired file still
// carries every record it ever held pre-split, but post-split it is only
// ever valid as a sentinel holder of at most one entry — the key equal to
// prefix itself (§4.3, §4.8) — so only that record is replayed; everything
// else now belongs to a child leaf and must not resurface here. A live
// "<prefix>.dat" is read the same way when a child's log file
// ("<prefix><c>.dat" or its ".old") exists beside it, since the parent of
// a split is the only way such a pair arises (§4.8).
func (c *PageCache) loadFromDisk(prefix string) (*Page, *LogFile, error) {
	path := filepath.Join(c.dir, fileNameForPrefix(prefix))
	retired := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if old := path + ".old"; fileExists(old) {
			path = old
			retired = true
		}
	} else {
		for ix := 0; ix < alphabetSize && !retired; ix++ {
			child := filepath.Join(c.dir, fileNameForPrefix(prefix+string(indexChar(ix))))
			retired = fileExists(child) || fileExists(child+".old")
		}
	}

	lf, err := OpenLogFile(path)
	if err != nil {
		return nil, nil, err
	}

	result, err := lf.Replay()
	if err != nil {
		lf.Close()
		return nil, nil, err
	}

	page := NewPage(prefix, c.bloomFPRate)
	for _, rec := range result.Records {
		if retired && len(rec.Key) != len(prefix) {
			continue
		}
		page.ApplyRecord(rec)
	}
	return page, lf, nil
}

// PeekLogFile returns the resident LogFile for prefix without affecting
// pin or LRU state. Used after a split to retire the parent's log without
// holding an extra pin across the rename.
func (c *PageCache) PeekLogFile(prefix string) (*LogFile, bool) {
	e, ok := c.entries[prefix]
	if !ok {
		return nil, false
	}
	return e.log, true
}

// CloseAll closes every resident log file, used on clean shutdown.
func (c *PageCache) CloseAll() {
	for _, e := range c.entries {
		e.log.Close()
	}
	c.entries = make(map[string]*cacheEntry)
	c.ll = list.New()
}
