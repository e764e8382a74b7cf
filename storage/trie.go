package storage

// NodeID addresses a trie node in the arena (§4.4 "Arena representation").
// The zero value means "no node"; the root is always NodeID 1.
type NodeID int

const noNode NodeID = 0

// RootID is the NodeID of the trie root (prefix "").
const RootID NodeID = 1

type trieNode struct {
	prefix   string
	isLeaf   bool
	children [alphabetSize]NodeID
}

// Trie is the routing structure from a normalized key to the page that
// owns it (§4.4). It holds only structure — prefixes, leaf/internal
// status, and child links — never page contents; nodes never hold
// back-pointers, so callers thread the path down from the root.
type Trie struct {
	nodes []*trieNode // nodes[0] is unused; nodes[1] is the root
}

// NewTrie returns a trie with just the root leaf, prefix "".
func NewTrie() *Trie {
	t := &Trie{nodes: make([]*trieNode, 2)}
	t.nodes[RootID] = &trieNode{prefix: "", isLeaf: true}
	return t
}

func (t *Trie) node(id NodeID) *trieNode { return t.nodes[id] }

func (t *Trie) newNode(prefix string, isLeaf bool) NodeID {
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, &trieNode{prefix: prefix, isLeaf: isLeaf})
	return id
}

// Prefix returns a node's trie-path prefix.
func (t *Trie) Prefix(id NodeID) string { return t.node(id).prefix }

// IsLeaf reports whether a node is currently a leaf.
func (t *Trie) IsLeaf(id NodeID) bool { return t.node(id).isLeaf }

// Children returns the existing children of an internal node, keyed by
// next-character byte.
func (t *Trie) Children(id NodeID) map[byte]NodeID {
	n := t.node(id)
	out := make(map[byte]NodeID)
	for ix, child := range n.children {
		if child != noNode {
			out[indexChar(ix)] = child
		}
	}
	return out
}

// LocateResult is the outcome of routing a normalized key through the
// trie (§4.4).
type LocateResult struct {
	// Path is the owning page's prefix when Exists is true, or the prefix
	// a new leaf would need when Exists is false.
	Path string
	// Exists reports whether a page already lives at Path.
	Exists bool
	// NodeID is the owning node's id, valid when Exists is true. It may be
	// a leaf, or an internal node whose key equals its prefix exactly
	// (the sentinel case, §3, §4.4).
	NodeID NodeID
	// ParentID and Char are valid when Exists is false: the internal node
	// a new leaf must be attached under, and the character it is attached
	// at.
	ParentID NodeID
	Char     byte
}

// Locate walks the trie from the root, descending into the child indexed
// by each successive normalized character while the current node is
// internal. It returns the first leaf encountered, or — when the
// remaining key is empty at an internal node — that node itself (the
// sentinel case).
func (t *Trie) Locate(key string) LocateResult {
	id := RootID
	for {
		n := t.node(id)
		if n.isLeaf {
			return LocateResult{Path: n.prefix, Exists: true, NodeID: id}
		}
		if len(key) == len(n.prefix) {
			return LocateResult{Path: n.prefix, Exists: true, NodeID: id}
		}

		c := key[len(n.prefix)]
		idx := charIndex(c)
		child := n.children[idx]
		if child == noNode {
			return LocateResult{Path: n.prefix + string(c), Exists: false, ParentID: id, Char: c}
		}
		id = child
	}
}

// CreateLeaf attaches a brand-new leaf under parentID at the given
// character, used when a write targets a prefix that has never been
// written before (§3 "pages are created lazily").
func (t *Trie) CreateLeaf(parentID NodeID, c byte) NodeID {
	parent := t.node(parentID)
	id := t.newNode(parent.prefix+string(c), true)
	parent.children[charIndex(c)] = id
	return id
}

// EnsureStructural walks/creates the internal-node chain down to prefix
// without requiring a page to already exist at every hop, used by
// Recovery to rebuild the provisional trie purely from *.dat filenames
// (§4.8). Each filename discovered on disk corresponds to some node on a
// path from the root; visiting a longer prefix than one already created
// flips the shorter prefix's node to internal, mirroring the effect a
// real split would have had.
func (t *Trie) EnsureStructural(prefix string) NodeID {
	id := RootID
	for i := 0; i < len(prefix); i++ {
		n := t.node(id)
		n.isLeaf = false

		c := prefix[i]
		idx := charIndex(c)
		child := n.children[idx]
		if child == noNode {
			child = t.newNode(n.prefix+string(c), true)
			n.children[idx] = child
		}
		id = child
	}
	return id
}

// InstallSplit atomically replaces the leaf at id with an internal node:
// id's isLeaf flag flips to false and a new leaf child is linked for each
// byte key present in childPrefixes (§4.3, §4.4). The node at id keeps its
// own page (now the sentinel holder) — it is never discarded. Returns the
// NodeIDs of the newly created children, keyed by the same bytes.
func (t *Trie) InstallSplit(id NodeID, childPrefixes []byte) map[byte]NodeID {
	n := t.node(id)
	n.isLeaf = false

	created := make(map[byte]NodeID, len(childPrefixes))
	for _, c := range childPrefixes {
		childID := t.newNode(n.prefix+string(c), true)
		n.children[charIndex(c)] = childID
		created[c] = childID
	}
	return created
}

// Walk visits every node reachable from root in a depth-first, lowest
// character first order, calling visit with each node's prefix and
// leaf/internal status. Used by Recovery's startup sanity pass and by
// Engine.Range to find every leaf whose prefix range overlaps a query.
func (t *Trie) Walk(visit func(prefix string, id NodeID, isLeaf bool)) {
	t.walk(RootID, visit)
}

func (t *Trie) walk(id NodeID, visit func(prefix string, id NodeID, isLeaf bool)) {
	n := t.node(id)
	visit(n.prefix, id, n.isLeaf)
	for _, child := range n.children {
		if child != noNode {
			t.walk(child, visit)
		}
	}
}
