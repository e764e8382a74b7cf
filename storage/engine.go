package storage

import (
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Durability selects when a log append is forced to stable storage (§4.5,
// §9 "Durability").
type Durability int

const (
	// DurabilityDefault considers an append flushed as soon as Write
	// returns; Sync is not called per mutation (split redistribution
	// still syncs the new child logs).
	DurabilityDefault Durability = iota
	// DurabilityStrict calls Sync synchronously after every mutation,
	// before the caller is acknowledged.
	DurabilityStrict
)

// EngineConfig bundles the tunables an Engine needs at construction time.
// config.Config supplies defaults upstream. A nil Logger falls back to a
// no-op logger, and BloomFalsePositiveRate falls back to
// DefaultBloomFalsePositiveRate when non-positive, so both may be left
// zero in tests that don't care about them.
type EngineConfig struct {
	Dir                    string
	MaxPageBytes           int64
	CacheSizeBytes         int64
	MaxRangeResponse       int
	Durability             Durability
	IsReplica              bool
	BloomFalsePositiveRate float64
	Logger                 *zap.Logger
}

// Engine is the public read/write/delete/bulk/range entry point described
// in §4.6. It owns the Trie, the PageCache and (on a primary) the
// ReplicaLink, and enforces the single-mutator-at-a-time model of §5
// through mu.
type Engine struct {
	cfg EngineConfig
	log *zap.Logger

	// mu serializes every Engine operation end to end, realizing the
	// single-mutator-at-a-time scheduling model of §5 on top of Go's
	// goroutine-per-request HTTP server.
	mu    sync.Mutex
	trie  *Trie
	cache *PageCache

	replica *ReplicaLink
}

// NewEngine constructs an Engine over dir, running Recovery (§4.8) to
// rebuild the trie from whatever *.dat files already exist there. replica
// may be nil (no fan-out, e.g. on a replica node).
func NewEngine(cfg EngineConfig, replica *ReplicaLink) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if cfg.BloomFalsePositiveRate <= 0 {
		cfg.BloomFalsePositiveRate = DefaultBloomFalsePositiveRate
	}

	capacity := CacheCapacity(cfg.CacheSizeBytes, cfg.MaxPageBytes)
	e := &Engine{
		cfg:     cfg,
		log:     cfg.Logger,
		cache:   NewPageCache(cfg.Dir, capacity, cfg.BloomFalsePositiveRate),
		replica: replica,
	}

	trie, err := Recover(cfg.Dir, e.cache, capacity, e.log)
	if err != nil {
		return nil, err
	}
	e.trie = trie

	return e, nil
}

// Close releases every resident log file handle.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.CloseAll()
	if e.replica != nil {
		e.replica.Close()
	}
}

// Get looks up a single key (§4.6 read protocol).
func (e *Engine) Get(rawKey string) ([]byte, error) {
	key, err := ValidateKey(rawKey)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	path, err := e.locateExisting(key)
	if err != nil {
		return nil, err
	}

	page, _, err := e.cache.Acquire(path)
	if err != nil {
		return nil, err
	}
	defer e.cache.Release(path)

	v, ok := page.Get(key)
	if !ok {
		return nil, errNotFound(path, key)
	}
	// Return a copy: callers (the HTTP layer) must not be able to mutate
	// the page's resident value bytes through the returned slice.
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put inserts or overwrites key (§4.6 write protocol, conflict-free
// overwrite).
func (e *Engine) Put(rawKey string, value []byte) error {
	key, err := ValidateKey(rawKey)
	if err != nil {
		return err
	}
	if err := ValidateValue(key, value); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.applyPut(key, value, true)
}

// Delete removes key, reporting whether it was present (§4.6).
func (e *Engine) Delete(rawKey string) (bool, error) {
	key, err := ValidateKey(rawKey)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.applyDelete(key, true)
}

// BulkPut applies every pair through the normal write path, one pair at a
// time in map iteration order; the order in which pairs are applied is not
// defined. It is not atomic: a failure on one pair leaves the pairs applied
// before it in place and returns that pair's error along with how many
// pairs succeeded (§4.6 "not atomic across pairs").
func (e *Engine) BulkPut(pairs map[string][]byte) (applied int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for rawKey, value := range pairs {
		key, verr := ValidateKey(rawKey)
		if verr != nil {
			return applied, verr
		}
		if verr := ValidateValue(key, value); verr != nil {
			return applied, verr
		}
		if verr := e.applyPut(key, value, true); verr != nil {
			return applied, verr
		}
		applied++
	}
	return applied, nil
}

// Range returns entries in [start,end] (both inclusive, after
// normalization), ascending, truncated to min(limit, MaxRangeResponse)
// (§4.6). An empty result (not an error) is returned when start > end.
func (e *Engine) Range(rawStart, rawEnd string, limit int) ([]KV, error) {
	start, err := ValidateKey(rawStart)
	if err != nil {
		return nil, err
	}
	end, err := ValidateKey(rawEnd)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > e.cfg.MaxRangeResponse {
		limit = e.cfg.MaxRangeResponse
	}
	if start > end {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []KV
	var walkErr error
	e.trie.Walk(func(prefix string, id NodeID, isLeaf bool) {
		if walkErr != nil || len(out) >= limit {
			return
		}
		if !overlapsRange(prefix, isLeaf, start, end) {
			return
		}

		page, _, err := e.cache.Acquire(prefix)
		if err != nil {
			walkErr = err
			return
		}
		rows := page.Range(start, end, limit-len(out))
		e.cache.Release(prefix)
		out = append(out, rows...)
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return out, nil
}

// overlapsRange reports whether a node's page could contain entries in
// [start,end]. A leaf's page may hold any key with that prefix — the set
// of such keys is exactly the lexicographic half-open interval
// [prefix, nextPrefix(prefix)), a standard prefix-range argument (any
// string starting with "ab" sorts in ["ab","ac") since the first
// differing byte already decides the comparison). An internal node's page
// holds at most its own sentinel entry, so it only matters when the
// sentinel's key — which equals prefix exactly — itself falls in range.
func overlapsRange(prefix string, isLeaf bool, start, end string) bool {
	if !isLeaf {
		return prefix >= start && prefix <= end
	}
	if prefix > end {
		return false
	}
	if prefix == "" {
		return true
	}
	upper, bounded := nextPrefix(prefix)
	return !bounded || start < upper
}

// nextPrefix returns the exclusive upper bound of the set of strings that
// start with prefix, by incrementing its last alphabet character. Returns
// ok=false when prefix's last character is already the top of the
// alphabet ('z'); no bound is computed then, and overlapsRange treats the
// set as unbounded above (Page.Range still filters by the real bounds).
func nextPrefix(prefix string) (string, bool) {
	idx := charIndex(prefix[len(prefix)-1])
	if idx+1 >= alphabetSize {
		return "", false
	}
	return prefix[:len(prefix)-1] + string(indexChar(idx+1)), true
}

// applyPut runs the full write protocol for one key/value pair, including
// the post-mutation split check. forward controls whether a successful
// mutation is handed to the ReplicaLink. Split redistribution records do
// not pass through applyPut; performSplit writes and forwards them itself.
func (e *Engine) applyPut(key string, value []byte, forward bool) error {
	nodeID, path, err := e.locateOrCreate(key)
	if err != nil {
		return err
	}

	page, lf, err := e.cache.Acquire(path)
	if err != nil {
		return err
	}

	page.Put(key, value)
	_, appendErr := lf.Append(Record{Op: OpPut, Key: key, Value: value})
	if appendErr != nil {
		e.cache.Release(path)
		e.log.Error("append failed", zap.String("prefix", path), zap.String("key", key), zap.Error(appendErr))
		return appendErr
	}
	if e.cfg.Durability == DurabilityStrict {
		if err := lf.Sync(); err != nil {
			e.cache.Release(path)
			e.log.Error("sync failed", zap.String("prefix", path), zap.Error(err))
			return err
		}
	}

	if forward && e.replica != nil {
		e.replica.Forward(WriteIntent{Op: OpPut, Key: key, Value: value})
	}

	// A sentinel page (an already-internal node's own retained page, §3)
	// holds at most one entry — the key equal to its prefix — which has no
	// further character to split on; Page.Split is a no-op for it. Only a
	// genuine leaf can still grow into something worth splitting.
	needsSplit := e.trie.IsLeaf(nodeID) && page.ShouldSplit(e.cfg.MaxPageBytes)
	e.cache.Release(path)

	if needsSplit {
		if err := e.performSplit(nodeID, path); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyDelete(key string, forward bool) (bool, error) {
	path, err := e.locateExisting(key)
	if err != nil {
		if se, ok := asStorageError(err); ok && se.Kind == KindNotFound {
			return false, nil
		}
		return false, err
	}

	page, lf, err := e.cache.Acquire(path)
	if err != nil {
		return false, err
	}
	defer e.cache.Release(path)

	existed := page.Delete(key)
	if !existed {
		return false, nil
	}

	if _, err := lf.Append(Record{Op: OpDelete, Key: key}); err != nil {
		e.log.Error("append failed", zap.String("prefix", path), zap.String("key", key), zap.Error(err))
		return false, err
	}
	if e.cfg.Durability == DurabilityStrict {
		if err := lf.Sync(); err != nil {
			e.log.Error("sync failed", zap.String("prefix", path), zap.Error(err))
			return false, err
		}
	}

	if forward && e.replica != nil {
		e.replica.Forward(WriteIntent{Op: OpDelete, Key: key})
	}
	return true, nil
}

// locateExisting resolves key to a resident-or-loadable page path without
// creating new trie structure; used by reads and deletes, which must not
// materialize a page that was never written.
func (e *Engine) locateExisting(key string) (string, error) {
	loc := e.trie.Locate(key)
	if !loc.Exists {
		return "", errNotFound(loc.Path, key)
	}
	return loc.Path, nil
}

// locateOrCreate resolves key to a page path, attaching a fresh leaf under
// the trie (§3 "pages are created lazily on first write to a new prefix
// path") if none exists yet.
func (e *Engine) locateOrCreate(key string) (NodeID, string, error) {
	loc := e.trie.Locate(key)
	if loc.Exists {
		return loc.NodeID, loc.Path, nil
	}
	id := e.trie.CreateLeaf(loc.ParentID, loc.Char)
	return id, e.trie.Prefix(id), nil
}

// performSplit carries out §4.6 step 8: redistribute a page's entries into
// fresh children, sync them regardless of durability mode, install the
// split on the trie, and retire the parent's log file.
func (e *Engine) performSplit(nodeID NodeID, path string) error {
	page, _, err := e.cache.Acquire(path)
	if err != nil {
		return err
	}

	children := page.Split()
	e.cache.Release(path)

	// Map iteration order is randomized; children are created, logged and
	// forwarded to replicas in alphabet order (§4.3 "Ordering across
	// children is deterministic"), which for the '0'-'9','a'-'z' byte
	// values used here is exactly ascending byte order.
	chars := make([]byte, 0, len(children))
	for c := range children {
		chars = append(chars, c)
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i] < chars[j] })

	for _, c := range chars {
		childPage := children[c]
		childPath := childPage.Prefix()
		childLF, err := OpenLogFile(joinDataPath(e.cfg.Dir, childPath))
		if err != nil {
			return err
		}

		var putErr error
		for _, kv := range childPage.All() {
			if _, err := childLF.Append(Record{Op: OpPut, Key: kv.Key, Value: kv.Value}); err != nil {
				putErr = err
				break
			}
		}
		if putErr == nil {
			putErr = childLF.Sync()
		}
		if putErr != nil {
			childLF.Close()
			e.log.Error("split child write failed", zap.String("prefix", childPath), zap.Error(putErr))
			return putErr
		}

		if err := e.cache.Adopt(childPath, childPage, childLF); err != nil {
			childLF.Close()
			return err
		}
	}

	e.trie.InstallSplit(nodeID, chars)

	parentLF, ok := e.cache.PeekLogFile(path)
	if !ok {
		// Admitting the children can evict the parent entry; its live log
		// file is then retired straight from disk.
		if livePath := joinDataPath(e.cfg.Dir, path); fileExists(livePath) {
			if parentLF, err = OpenLogFile(livePath); err == nil {
				defer parentLF.Close()
			} else {
				e.log.Warn("retire parent log failed", zap.String("prefix", path), zap.Error(err))
			}
		}
	}
	if parentLF != nil {
		if err := parentLF.Retire(); err != nil {
			e.log.Warn("retire parent log failed", zap.String("prefix", path), zap.Error(err))
		}
	}

	e.log.Info("page split", zap.String("prefix", path), zap.Int("children", len(chars)))

	if e.replica != nil {
		for _, c := range chars {
			for _, kv := range children[c].All() {
				e.replica.Forward(WriteIntent{Op: OpPut, Key: kv.Key, Value: kv.Value})
			}
		}
	}

	return nil
}

func joinDataPath(dir, prefix string) string {
	return filepath.Join(dir, fileNameForPrefix(prefix))
}

func asStorageError(err error) (*Error, bool) {
	se, ok := err.(*Error)
	return se, ok
}
