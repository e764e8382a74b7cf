package storage

import (
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Recover implements §4.8: enumerate every *.dat (and retired *.dat.old)
// file in dir, rebuild a provisional trie purely from the filenames, warm
// up to capacity leaves eagerly (alphabetical order), and run the startup
// sanity pass that opens every remaining discoverable page so a corrupt or
// unreadable page is surfaced before the first client request.
func Recover(dir string, cache *PageCache, capacity int, log *zap.Logger) (*Trie, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errIO(dir, err)
	}

	prefixes, err := discoverPrefixes(dir)
	if err != nil {
		return nil, err
	}

	trie := NewTrie()
	for _, p := range prefixes {
		trie.EnsureStructural(p)
	}

	leaves := collectLeaves(trie)
	sort.Strings(leaves)

	warm := leaves
	if len(warm) > capacity {
		warm = warm[:capacity]
	}
	for _, prefix := range warm {
		if _, _, err := cache.Acquire(prefix); err != nil {
			return nil, err
		}
		cache.Release(prefix)
		log.Info("recovered page", zap.String("prefix", prefix))
	}

	// _root.dat is created empty if it never existed, and the trie root
	// must always exist as a page even before any write (§3, §4.8).
	if _, _, err := cache.Acquire(""); err != nil {
		return nil, err
	}
	cache.Release("")

	if err := sanityCheck(trie, cache, log); err != nil {
		return nil, err
	}

	return trie, nil
}

// discoverPrefixes lists every distinct trie-path prefix implied by the
// *.dat / *.dat.old files in dir. "_root.dat" maps to the empty prefix.
func discoverPrefixes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errIO(dir, err)
	}

	seen := make(map[string]bool)
	var prefixes []string
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		prefix, ok := prefixFromFileName(name)
		if !ok {
			continue
		}
		if !seen[prefix] {
			seen[prefix] = true
			prefixes = append(prefixes, prefix)
		}
	}
	return prefixes, nil
}

func prefixFromFileName(name string) (string, bool) {
	base := name
	base = strings.TrimSuffix(base, ".old")
	if !strings.HasSuffix(base, ".dat") {
		return "", false
	}
	base = strings.TrimSuffix(base, ".dat")
	if base == "_root" {
		return "", true
	}
	return base, true
}

func collectLeaves(trie *Trie) []string {
	var out []string
	trie.Walk(func(prefix string, id NodeID, isLeaf bool) {
		if isLeaf {
			out = append(out, prefix)
		}
	})
	return out
}

// sanityCheck walks every node (leaf or sentinel-bearing internal node)
// depth-first and opens its page, surfacing a corrupt or unreadable log
// file at startup rather than on first client access (§9 "Startup sanity
// check", grounded in the original `NodeReader::sanity_check`).
func sanityCheck(trie *Trie, cache *PageCache, log *zap.Logger) error {
	var checkErr error
	trie.Walk(func(prefix string, id NodeID, isLeaf bool) {
		if checkErr != nil {
			return
		}
		if _, _, err := cache.Acquire(prefix); err != nil {
			checkErr = err
			return
		}
		cache.Release(prefix)
	})
	if checkErr != nil {
		log.Error("sanity check failed", zap.Error(checkErr))
		return checkErr
	}
	return nil
}
