package storage

import (
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/btree"
)

// KV is one key/value pair returned from Range.
type KV struct {
	Key   string
	Value []byte
}

// bloomRebuildThreshold is the number of deletions a page tolerates before
// its (delete-incapable) Bloom filter is considered stale and rebuilt from
// the live key set on the next Get (§4.3).
const bloomRebuildThreshold = 64

// DefaultBloomFalsePositiveRate is used when a page is constructed without
// an explicit rate (e.g. directly by tests), mirroring config.Default()'s
// bloom_false_positive_rate (§6).
const DefaultBloomFalsePositiveRate = 0.01

// Page is the sorted in-memory index of every live key whose normalized
// form has this page's prefix (§3, §4.3). The ordering structure is a
// google/btree order-statistics tree over the keys; values live in a plain
// map for O(1) point access, mirroring the tree+hashmap pairing the corpus
// uses for its sorted in-memory tables.
type Page struct {
	prefix        string
	tree          *btree.BTreeG[string]
	values        map[string][]byte
	bytesEstimate int64

	bloomFPRate float64
	bloom       *bloom.BloomFilter
	deletesSeen int
	bloomStale  bool
}

func lessString(a, b string) bool { return a < b }

// NewPage creates an empty page for the given prefix. fpRate configures the
// Bloom filter's target false-positive rate (§4.3, §6
// "bloom_false_positive_rate"); a non-positive value falls back to
// DefaultBloomFalsePositiveRate.
func NewPage(prefix string, fpRate float64) *Page {
	if fpRate <= 0 {
		fpRate = DefaultBloomFalsePositiveRate
	}
	return &Page{
		prefix:      prefix,
		tree:        btree.NewG(32, lessString),
		values:      make(map[string][]byte),
		bloomFPRate: fpRate,
		bloom:       newPageBloom(fpRate),
	}
}

func newPageBloom(fpRate float64) *bloom.BloomFilter {
	// Sized for 4096 keys. Rebuilds use the same estimate; the filter is
	// not resized to the page's actual cardinality.
	return bloom.NewWithEstimates(4096, fpRate)
}

// Prefix returns the page's trie-path prefix.
func (p *Page) Prefix() string { return p.prefix }

// Len returns the number of live entries.
func (p *Page) Len() int { return len(p.values) }

// BytesEstimate is the page's logical footprint estimate (§3).
func (p *Page) BytesEstimate() int64 { return p.bytesEstimate }

// ShouldSplit reports whether the page has crossed maxPageBytes (§4.3).
func (p *Page) ShouldSplit(maxPageBytes int64) bool {
	return p.bytesEstimate > maxPageBytes
}

// Get looks up a single key. The Bloom filter is consulted first as a
// negative-lookup fast path; a filter miss short-circuits without touching
// the map or tree.
func (p *Page) Get(key string) ([]byte, bool) {
	if p.bloomStale {
		p.rebuildBloom()
	}
	if !p.bloom.TestString(key) {
		return nil, false
	}
	v, ok := p.values[key]
	return v, ok
}

// Put inserts or overwrites key, adjusting bytesEstimate by the delta
// described in §3's byte-accounting decision.
func (p *Page) Put(key string, value []byte) {
	if old, exists := p.values[key]; exists {
		p.bytesEstimate += int64(len(value)) - int64(len(old))
		p.values[key] = value
		return
	}

	p.tree.ReplaceOrInsert(key)
	p.values[key] = value
	p.bytesEstimate += int64(RecordOverhead) + int64(len(key)) + int64(len(value))
	p.bloom.AddString(key)
}

// Delete removes key if present, returning whether it was. Bloom filters
// cannot remove a member, so repeated deletes mark the filter stale; it is
// rebuilt lazily from the live key set at the start of the next Get.
func (p *Page) Delete(key string) bool {
	old, exists := p.values[key]
	if !exists {
		return false
	}

	p.tree.Delete(key)
	delete(p.values, key)
	p.bytesEstimate -= int64(RecordOverhead) + int64(len(key)) + int64(len(old))

	p.deletesSeen++
	if p.deletesSeen >= bloomRebuildThreshold {
		p.bloomStale = true
	}

	return true
}

func (p *Page) rebuildBloom() {
	fresh := newPageBloom(p.bloomFPRate)
	p.tree.Ascend(func(key string) bool {
		fresh.AddString(key)
		return true
	})
	p.bloom = fresh
	p.deletesSeen = 0
	p.bloomStale = false
}

// Range returns the live entries in [lo, hi] (both inclusive), ascending,
// truncated to limit (§4.3, §4.6).
func (p *Page) Range(lo, hi string, limit int) []KV {
	if limit <= 0 || lo > hi {
		return nil
	}

	var out []KV
	p.tree.AscendGreaterOrEqual(lo, func(key string) bool {
		if key > hi {
			return false
		}
		out = append(out, KV{Key: key, Value: p.values[key]})
		return len(out) < limit
	})
	return out
}

// All returns every live entry in ascending key order. Used when writing a
// freshly split child's entries out as PUT records (§4.6 step 8) and when
// forwarding those same records to replicas.
func (p *Page) All() []KV {
	out := make([]KV, 0, p.Len())
	p.tree.Ascend(func(key string) bool {
		out = append(out, KV{Key: key, Value: p.values[key]})
		return true
	})
	return out
}

// ApplyRecord replays one log record against the page's in-memory state,
// used by recovery and by Page Cache loads (§4.8).
func (p *Page) ApplyRecord(r Record) {
	switch r.Op {
	case OpPut:
		p.Put(r.Key, r.Value)
	case OpDelete:
		p.Delete(r.Key)
	}
}

// Split partitions the page's entries by the character at position
// len(prefix) of each key. Each next character that occurs gets its own
// child page; a key whose normalized length equals len(prefix) exactly
// — i.e. it equals the prefix itself — has no next character and stays in
// this page, which becomes the sentinel holder for an internal trie node
// (§4.3, §4.4, §9 "Split policy for a key that terminates exactly...").
//
// After Split returns, p holds at most one entry (its sentinel) and its
// bytesEstimate/Bloom filter reflect that reduced state; the returned map
// is keyed by next-character byte (0-9, a-z) and only contains buckets that
// received at least one entry.
func (p *Page) Split() map[byte]*Page {
	children := make(map[byte]*Page)

	var sentinelKey string
	var sentinelValue []byte
	hasSentinel := false

	p.tree.Ascend(func(key string) bool {
		if len(key) == len(p.prefix) {
			sentinelKey, sentinelValue = key, p.values[key]
			hasSentinel = true
			return true
		}

		c := key[len(p.prefix)]
		child, ok := children[c]
		if !ok {
			child = NewPage(p.prefix+string(c), p.bloomFPRate)
			children[c] = child
		}
		child.Put(key, p.values[key])
		return true
	})

	fresh := NewPage(p.prefix, p.bloomFPRate)
	if hasSentinel {
		fresh.Put(sentinelKey, sentinelValue)
	}
	p.tree = fresh.tree
	p.values = fresh.values
	p.bytesEstimate = fresh.bytesEstimate
	p.bloom = fresh.bloom
	p.deletesSeen = 0
	p.bloomStale = false

	return children
}
