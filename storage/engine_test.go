package storage

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, dir string, maxPageBytes int64) *Engine {
	t.Helper()
	cfg := EngineConfig{
		Dir:              dir,
		MaxPageBytes:     maxPageBytes,
		CacheSizeBytes:   10 * 1024 * 1024,
		MaxRangeResponse: 1000,
		Durability:       DurabilityDefault,
		Logger:           zap.NewNop(),
	}
	e, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %s", err)
	}
	t.Cleanup(e.Close)
	return e
}

func tempEngineDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "engine")
	if err != nil {
		t.Fatalf("mkdtemp: %s", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestEnginePutGetDelete(t *testing.T) {
	e := newTestEngine(t, tempEngineDir(t), 8*1024*1024)

	if err := e.Put("Hello", []byte("world")); err != nil {
		t.Fatalf("put: %s", err)
	}

	// Keys case-fold, so a different-case lookup must hit the same entry.
	v, err := e.Get("hello")
	if err != nil {
		t.Fatalf("get: %s", err)
	}
	if string(v) != "world" {
		t.Fatalf("expected world, got %q", v)
	}

	existed, err := e.Delete("HELLO")
	if err != nil {
		t.Fatalf("delete: %s", err)
	}
	if !existed {
		t.Fatal("expected delete to report the key was present")
	}

	if _, err := e.Get("hello"); err == nil {
		t.Fatal("expected get to miss after delete")
	} else {
		var se *Error
		if !errors.As(err, &se) || se.Kind != KindNotFound {
			t.Fatalf("expected KindNotFound, got %v", err)
		}
	}
}

func TestEngineIdempotentPut(t *testing.T) {
	e := newTestEngine(t, tempEngineDir(t), 8*1024*1024)

	if err := e.Put("k", []byte("v1")); err != nil {
		t.Fatalf("put: %s", err)
	}
	if err := e.Put("k", []byte("v2")); err != nil {
		t.Fatalf("put: %s", err)
	}

	v, err := e.Get("k")
	if err != nil {
		t.Fatalf("get: %s", err)
	}
	if string(v) != "v2" {
		t.Fatalf("expected the latest write to win, got %q", v)
	}
}

func TestEngineInvalidKeyRejected(t *testing.T) {
	e := newTestEngine(t, tempEngineDir(t), 8*1024*1024)

	if err := e.Put("", []byte("v")); err == nil {
		t.Fatal("expected empty key to be rejected")
	}
	if err := e.Put("has space", []byte("v")); err == nil {
		t.Fatal("expected non-alphanumeric key to be rejected")
	}
}

func TestEngineValueTooLargeRejected(t *testing.T) {
	e := newTestEngine(t, tempEngineDir(t), 8*1024*1024)

	big := make([]byte, MaxValueBytes+1)
	err := e.Put("k", big)
	if err == nil {
		t.Fatal("expected oversized value to be rejected")
	}
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindValueTooLarge {
		t.Fatalf("expected KindValueTooLarge, got %v", err)
	}
}

func TestEngineBulkPutStopsAtFirstFailure(t *testing.T) {
	e := newTestEngine(t, tempEngineDir(t), 8*1024*1024)

	pairs := map[string][]byte{
		"a": []byte("1"),
	}
	applied, err := e.BulkPut(pairs)
	if err != nil {
		t.Fatalf("bulk put: %s", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied, got %d", applied)
	}

	badPairs := map[string][]byte{
		"ok!": []byte("1"), // invalid key
	}
	applied, err = e.BulkPut(badPairs)
	if err == nil {
		t.Fatal("expected an error for the invalid key")
	}
	if applied != 0 {
		t.Fatalf("expected 0 applied, got %d", applied)
	}
}

func TestEngineRange(t *testing.T) {
	e := newTestEngine(t, tempEngineDir(t), 8*1024*1024)

	for _, k := range []string{"a1", "a2", "a3", "b1", "c1"} {
		if err := e.Put(k, []byte(k)); err != nil {
			t.Fatalf("put %s: %s", k, err)
		}
	}

	t.Run("ascending inclusive bounds", func(t *testing.T) {
		rows, err := e.Range("a2", "b1", 10)
		if err != nil {
			t.Fatalf("range: %s", err)
		}
		want := []string{"a2", "a3", "b1"}
		if len(rows) != len(want) {
			t.Fatalf("expected %d rows, got %d (%v)", len(want), len(rows), rows)
		}
		for i, kv := range rows {
			if kv.Key != want[i] {
				t.Fatalf("index %d: expected %q, got %q", i, want[i], kv.Key)
			}
		}
	})

	t.Run("truncates to limit", func(t *testing.T) {
		rows, err := e.Range("a1", "c1", 2)
		if err != nil {
			t.Fatalf("range: %s", err)
		}
		if len(rows) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(rows))
		}
	})

	t.Run("empty, not an error, when start > end", func(t *testing.T) {
		rows, err := e.Range("c", "a", 10)
		if err != nil {
			t.Fatalf("range: %s", err)
		}
		if len(rows) != 0 {
			t.Fatalf("expected no rows, got %v", rows)
		}
	})
}

func TestEngineSplitOnSize(t *testing.T) {
	dir := tempEngineDir(t)
	e := newTestEngine(t, dir, 200) // tiny threshold forces a split quickly

	const n = 60
	keyAt := func(i int) string { return fmt.Sprintf("aa%04d", i) }

	for i := 0; i < n; i++ {
		k := keyAt(i)
		if err := e.Put(k, []byte("some reasonably sized value to grow bytes_estimate")); err != nil {
			t.Fatalf("put %s: %s", k, err)
		}
	}

	if e.trie.IsLeaf(RootID) {
		t.Fatal("expected the root to have split into an internal node")
	}

	// Every key must still be reachable after the split.
	for i := 0; i < n; i++ {
		k := keyAt(i)
		if _, err := e.Get(k); err != nil {
			t.Fatalf("expected %s to survive the split, got %s", k, err)
		}
	}
}

func TestEngineRecoversAfterRestart(t *testing.T) {
	dir := tempEngineDir(t)

	cfg := EngineConfig{
		Dir:              dir,
		MaxPageBytes:     8 * 1024 * 1024,
		CacheSizeBytes:   10 * 1024 * 1024,
		MaxRangeResponse: 1000,
		Durability:       DurabilityStrict,
		Logger:           zap.NewNop(),
	}

	e1, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %s", err)
	}
	if err := e1.Put("persisted", []byte("value")); err != nil {
		t.Fatalf("put: %s", err)
	}
	if _, err := e1.Delete("gone"); err != nil {
		t.Fatalf("delete of absent key should not error: %s", err)
	}
	e1.Close()

	e2, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("reopen engine: %s", err)
	}
	defer e2.Close()

	v, err := e2.Get("persisted")
	if err != nil {
		t.Fatalf("get after reopen: %s", err)
	}
	if string(v) != "value" {
		t.Fatalf("expected value to survive restart, got %q", v)
	}
}

func TestEngineSplitThenRestartDoesNotPolluteRange(t *testing.T) {
	dir := tempEngineDir(t)
	cfg := EngineConfig{
		Dir:              dir,
		MaxPageBytes:     200, // tiny threshold forces a split quickly
		CacheSizeBytes:   10 * 1024 * 1024,
		MaxRangeResponse: 1000,
		Durability:       DurabilityStrict,
		Logger:           zap.NewNop(),
	}

	e1, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %s", err)
	}

	// "aa" itself, plus enough "aa*" keys to force "aa" to split. After the
	// split, "aa" becomes an internal sentinel node holding only the exact
	// key "aa"; everything else moves to child leaves.
	if err := e1.Put("aa", []byte("sentinel value")); err != nil {
		t.Fatalf("put: %s", err)
	}
	for i := 0; i < 40; i++ {
		k := fmt.Sprintf("aab%03d", i)
		if err := e1.Put(k, []byte("some reasonably sized value to grow bytes_estimate")); err != nil {
			t.Fatalf("put %s: %s", k, err)
		}
	}
	if err := e1.Put("aab001", []byte("updated after the split")); err != nil {
		t.Fatalf("put: %s", err)
	}
	if _, err := e1.Delete("aab002"); err != nil {
		t.Fatalf("delete: %s", err)
	}
	e1.Close()

	// Restarting runs recovery's sanity check, which acquires every trie
	// node including the now-retired "aa" sentinel. That acquire must only
	// replay "aa"'s own sentinel record, not every pre-split "aab*" record
	// the retired log file still physically contains.
	e2, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("reopen engine: %s", err)
	}
	defer e2.Close()

	rows, err := e2.Range("aa", "aac", 1000)
	if err != nil {
		t.Fatalf("range: %s", err)
	}

	seen := make(map[string]int)
	for _, kv := range rows {
		seen[kv.Key]++
	}
	if seen["aa"] != 1 {
		t.Fatalf("expected exactly one 'aa' sentinel row, got %d", seen["aa"])
	}
	if n := seen["aab001"]; n != 1 {
		t.Fatalf("expected exactly one up-to-date 'aab001' row, got %d", n)
	}
	if string(rows[indexOf(rows, "aab001")].Value) != "updated after the split" {
		t.Fatalf("expected the post-split update to win, got %q", rows[indexOf(rows, "aab001")].Value)
	}
	if n := seen["aab002"]; n != 0 {
		t.Fatalf("expected the deleted 'aab002' to stay absent, got %d rows", n)
	}
	for key, count := range seen {
		if count > 1 {
			t.Fatalf("expected no duplicate rows, got %d for %q", count, key)
		}
	}
}

func indexOf(rows []KV, key string) int {
	for i, kv := range rows {
		if kv.Key == key {
			return i
		}
	}
	return -1
}

func TestEngineBloomFalsePositiveRateIsConfigurable(t *testing.T) {
	dir := tempEngineDir(t)
	cfg := EngineConfig{
		Dir:                    dir,
		MaxPageBytes:           8 * 1024 * 1024,
		CacheSizeBytes:         10 * 1024 * 1024,
		MaxRangeResponse:       1000,
		Durability:             DurabilityDefault,
		BloomFalsePositiveRate: 0.25,
		Logger:                 zap.NewNop(),
	}
	e, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %s", err)
	}
	defer e.Close()

	if err := e.Put("k", []byte("v")); err != nil {
		t.Fatalf("put: %s", err)
	}

	page, _, err := e.cache.Acquire("")
	if err != nil {
		t.Fatalf("acquire: %s", err)
	}
	defer e.cache.Release("")

	if page.bloomFPRate != 0.25 {
		t.Fatalf("expected the configured bloom false-positive rate to reach the page, got %v", page.bloomFPRate)
	}
}

func TestEngineDefaultsBloomFalsePositiveRateWhenUnset(t *testing.T) {
	e := newTestEngine(t, tempEngineDir(t), 8*1024*1024)

	if err := e.Put("k", []byte("v")); err != nil {
		t.Fatalf("put: %s", err)
	}

	page, _, err := e.cache.Acquire("")
	if err != nil {
		t.Fatalf("acquire: %s", err)
	}
	defer e.cache.Release("")

	if page.bloomFPRate != DefaultBloomFalsePositiveRate {
		t.Fatalf("expected the default bloom false-positive rate, got %v", page.bloomFPRate)
	}
}

func TestEngineBulkPutMultipleKeys(t *testing.T) {
	e := newTestEngine(t, tempEngineDir(t), 8*1024*1024)

	pairs := map[string][]byte{
		"one":   []byte("1"),
		"two":   []byte("2"),
		"three": []byte("3"),
	}
	applied, err := e.BulkPut(pairs)
	if err != nil {
		t.Fatalf("bulk put: %s", err)
	}
	if applied != len(pairs) {
		t.Fatalf("expected %d applied, got %d", len(pairs), applied)
	}
	for k, v := range pairs {
		got, err := e.Get(k)
		if err != nil {
			t.Fatalf("get %s: %s", k, err)
		}
		if string(got) != string(v) {
			t.Fatalf("expected %s=%s, got %s", k, v, got)
		}
	}
}
