// Package storage implements the on-disk storage engine of the key-value
// store: a trie of pages, where each page is both an append-only log file
// on disk and a sorted in-memory index when resident.
//
// # Disk Layout
//
// A store is kept in a single directory with the following structure:
//
//	path/to/store/
//	├── _root.dat.old   // retired page of the empty prefix (_root.dat before its split)
//	├── a.dat.old       // retired page, kept after a split for its sentinel entry
//	├── ab.dat          // page for keys starting with "ab"
//	├── ac.dat
//	├── z.dat           // page for keys starting with 'z'
//	...
//
// Every `<prefix>.dat` file is the append-only log of every PUT/DELETE ever
// applied to that page, in apply order (see Record). Replaying a log from
// empty reconstructs the page's exact current content.
//
// # Trie of pages
//
// The Trie routes a normalized key to the page that owns it by walking the
// next character of the key (0-9, a-z) one trie node at a time. A page
// grows until it crosses max_page_bytes, at which point it is split: its
// entries are redistributed into up to 36 new child pages, one per next
// character, and the node that owned the page becomes internal. The old
// page is retained — it may still hold exactly one entry, the "sentinel"
// whose key equals the node's prefix exactly — see Page.Split.
package storage
