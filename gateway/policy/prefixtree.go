package policy

import (
	"sync"
	"time"
)

// MatchResult reports how much of an input a tree matched against its
// best tenant (worker URL), and which tenant that was.
type MatchResult struct {
	Tenant           string
	MatchedCount     int
	InputCount       int
}

// MatchRate returns MatchedCount/InputCount, or 0 when InputCount is 0.
func (m MatchResult) MatchRate() float32 {
	if m.InputCount == 0 {
		return 0
	}
	return float32(m.MatchedCount) / float32(m.InputCount)
}

// radixNode is one node of the rune-keyed (string) compressed-prefix
// tree; the token tree below uses the parallel tokenRadixNode type with
// int32 labels.
type radixNode struct {
	mu       sync.Mutex
	children map[rune]*radixNode
	label    []rune // the compressed edge label leading into this node
	tenant   string // worker URL last associated with this exact node, "" if none
	lastUsed time.Time
}

func newRadixNode() *radixNode {
	return &radixNode{children: make(map[rune]*radixNode), lastUsed: time.Now()}
}

// Tree is a character-keyed radix tree with path compression, used for
// HTTP (string) cache-affinity routing. Each node carries its own mutex
// so concurrent inserts/matches on disjoint subtrees don't contend
// (spec.md §5 "fine-grained locking").
type Tree struct {
	root *radixNode
	size int64
	mu   sync.Mutex // guards size only; node structure is guarded per-node
}

func NewTree() *Tree {
	return &Tree{root: newRadixNode()}
}

// InsertText records that tenant handled text, extending the tree with
// whatever suffix of text wasn't already present.
func (t *Tree) InsertText(text, tenant string) {
	runes := []rune(text)
	added := insertRunes(t.root, runes, tenant)
	if added > 0 {
		t.mu.Lock()
		t.size += int64(added)
		t.mu.Unlock()
	}
}

// insertRunes walks/splits the tree to ensure runes is represented,
// tagging the terminal node with tenant. Returns the count of newly
// created nodes (for size accounting).
func insertRunes(node *radixNode, runes []rune, tenant string) int {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.lastUsed = time.Now()

	if len(runes) == 0 {
		node.tenant = tenant
		return 0
	}

	head := runes[0]
	child, ok := node.children[head]
	if !ok {
		leaf := newRadixNode()
		leaf.label = runes
		leaf.tenant = tenant
		node.children[head] = leaf
		return 1
	}

	common := commonPrefixLen(child.label, runes)
	switch {
	case common == len(child.label) && common == len(runes):
		child.mu.Lock()
		child.tenant = tenant
		child.lastUsed = time.Now()
		child.mu.Unlock()
		return 0
	case common == len(child.label):
		return insertRunes(child, runes[common:], tenant)
	default:
		// Split child's edge at the common prefix.
		child.mu.Lock()
		defer child.mu.Unlock()
		mid := newRadixNode()
		mid.label = child.label[:common]
		mid.children[child.label[common]] = child
		child.label = child.label[common:]

		node.children[head] = mid

		if common == len(runes) {
			mid.tenant = tenant
			return 1
		}
		rest := runes[common:]
		leaf := newRadixNode()
		leaf.label = rest
		leaf.tenant = tenant
		mid.children[rest[0]] = leaf
		return 2
	}
}

func commonPrefixLen[T comparable](a, b []T) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// MatchPrefixWithCounts walks the tree following text as far as possible
// and returns the tenant of the deepest node reached along with how much
// of text was consumed (spec.md §4.5's match_prefix_with_counts).
func (t *Tree) MatchPrefixWithCounts(text string) MatchResult {
	runes := []rune(text)
	tenant, matched := matchRunes(t.root, runes)
	return MatchResult{Tenant: tenant, MatchedCount: matched, InputCount: len(runes)}
}

func matchRunes(node *radixNode, runes []rune) (string, int) {
	node.mu.Lock()
	node.lastUsed = time.Now()
	bestTenant := node.tenant
	node.mu.Unlock()

	if len(runes) == 0 {
		return bestTenant, 0
	}

	node.mu.Lock()
	child, ok := node.children[runes[0]]
	node.mu.Unlock()
	if !ok {
		return bestTenant, 0
	}

	child.mu.Lock()
	label := child.label
	child.mu.Unlock()

	common := commonPrefixLen(label, runes)
	if common < len(label) {
		// Partial match on this edge; nothing deeper to follow.
		if common > 0 && bestTenant == "" {
			child.mu.Lock()
			bestTenant = child.tenant
			child.mu.Unlock()
		}
		return bestTenant, common
	}

	tenant, deeper := matchRunes(child, runes[common:])
	total := common + deeper
	if tenant != "" {
		return tenant, total
	}
	return bestTenant, total
}

// EvictTenantBySize walks the tree evicting the least-recently-used leaf
// nodes until the tree has at most maxSize nodes (spec.md §4.5 background
// maintenance). A no-op if maxSize <= 0.
func (t *Tree) EvictTenantBySize(maxSize int64) {
	if maxSize <= 0 {
		return
	}
	t.mu.Lock()
	size := t.size
	t.mu.Unlock()
	if size <= maxSize {
		return
	}

	leaves := collectLeaves(t.root, nil)
	sortByLastUsed(leaves)
	toEvict := size - maxSize
	evicted := int64(0)
	for _, lf := range leaves {
		if evicted >= toEvict {
			break
		}
		if removeChild(lf.parent, lf.key, lf.node) {
			evicted++
		}
	}
	if evicted > 0 {
		t.mu.Lock()
		t.size -= evicted
		t.mu.Unlock()
	}
}

type leafRef struct {
	parent *radixNode
	key    rune
	node   *radixNode
}

func collectLeaves(node *radixNode, into []leafRef) []leafRef {
	node.mu.Lock()
	children := node.children
	node.mu.Unlock()
	for k, c := range children {
		c.mu.Lock()
		isLeaf := len(c.children) == 0
		c.mu.Unlock()
		if isLeaf {
			into = append(into, leafRef{parent: node, key: k, node: c})
		} else {
			into = collectLeaves(c, into)
		}
	}
	return into
}

func sortByLastUsed(leaves []leafRef) {
	for i := 1; i < len(leaves); i++ {
		for j := i; j > 0; j-- {
			leaves[j].node.mu.Lock()
			jt := leaves[j].node.lastUsed
			leaves[j].node.mu.Unlock()
			leaves[j-1].node.mu.Lock()
			jp := leaves[j-1].node.lastUsed
			leaves[j-1].node.mu.Unlock()
			if jt.Before(jp) {
				leaves[j], leaves[j-1] = leaves[j-1], leaves[j]
			} else {
				break
			}
		}
	}
}

func removeChild(parent *radixNode, key rune, expect *radixNode) bool {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.children[key] != expect {
		return false
	}
	delete(parent.children, key)
	return true
}

// Size returns the current node count, used by tests and eviction policy
// decisions upstream.
func (t *Tree) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// --- Token-keyed variant, used for gRPC requests where tokenization has
// already happened upstream and matching on token ids avoids re-running
// the tokenizer just for routing. ---

type tokenRadixNode struct {
	mu       sync.Mutex
	children map[int32]*tokenRadixNode
	label    []int32
	tenant   string
	lastUsed time.Time
}

func newTokenRadixNode() *tokenRadixNode {
	return &tokenRadixNode{children: make(map[int32]*tokenRadixNode), lastUsed: time.Now()}
}

// TokenTree is the token-keyed twin of Tree.
type TokenTree struct {
	root *tokenRadixNode
	size int64
	mu   sync.Mutex
}

func NewTokenTree() *TokenTree {
	return &TokenTree{root: newTokenRadixNode()}
}

func (t *TokenTree) InsertTokens(tokens []int32, tenant string) {
	added := insertTokens(t.root, tokens, tenant)
	if added > 0 {
		t.mu.Lock()
		t.size += int64(added)
		t.mu.Unlock()
	}
}

func insertTokens(node *tokenRadixNode, tokens []int32, tenant string) int {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.lastUsed = time.Now()

	if len(tokens) == 0 {
		node.tenant = tenant
		return 0
	}

	head := tokens[0]
	child, ok := node.children[head]
	if !ok {
		leaf := newTokenRadixNode()
		leaf.label = tokens
		leaf.tenant = tenant
		node.children[head] = leaf
		return 1
	}

	common := commonPrefixLen(child.label, tokens)
	switch {
	case common == len(child.label) && common == len(tokens):
		child.mu.Lock()
		child.tenant = tenant
		child.lastUsed = time.Now()
		child.mu.Unlock()
		return 0
	case common == len(child.label):
		return insertTokens(child, tokens[common:], tenant)
	default:
		child.mu.Lock()
		defer child.mu.Unlock()
		mid := newTokenRadixNode()
		mid.label = child.label[:common]
		mid.children[child.label[common]] = child
		child.label = child.label[common:]
		node.children[head] = mid

		if common == len(tokens) {
			mid.tenant = tenant
			return 1
		}
		rest := tokens[common:]
		leaf := newTokenRadixNode()
		leaf.label = rest
		leaf.tenant = tenant
		mid.children[rest[0]] = leaf
		return 2
	}
}

func (t *TokenTree) MatchPrefixWithCounts(tokens []int32) MatchResult {
	tenant, matched := matchTokens(t.root, tokens)
	return MatchResult{Tenant: tenant, MatchedCount: matched, InputCount: len(tokens)}
}

func matchTokens(node *tokenRadixNode, tokens []int32) (string, int) {
	node.mu.Lock()
	node.lastUsed = time.Now()
	bestTenant := node.tenant
	node.mu.Unlock()

	if len(tokens) == 0 {
		return bestTenant, 0
	}

	node.mu.Lock()
	child, ok := node.children[tokens[0]]
	node.mu.Unlock()
	if !ok {
		return bestTenant, 0
	}

	child.mu.Lock()
	label := child.label
	child.mu.Unlock()

	common := commonPrefixLen(label, tokens)
	if common < len(label) {
		if common > 0 && bestTenant == "" {
			child.mu.Lock()
			bestTenant = child.tenant
			child.mu.Unlock()
		}
		return bestTenant, common
	}

	tenant, deeper := matchTokens(child, tokens[common:])
	total := common + deeper
	if tenant != "" {
		return tenant, total
	}
	return bestTenant, total
}

func (t *TokenTree) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

func (t *TokenTree) EvictTenantBySize(maxSize int64) {
	if maxSize <= 0 {
		return
	}
	t.mu.Lock()
	size := t.size
	t.mu.Unlock()
	if size <= maxSize {
		return
	}

	leaves := collectTokenLeaves(t.root, nil)
	sortTokenLeavesByLastUsed(leaves)
	toEvict := size - maxSize
	evicted := int64(0)
	for _, lf := range leaves {
		if evicted >= toEvict {
			break
		}
		if removeTokenChild(lf.parent, lf.key, lf.node) {
			evicted++
		}
	}
	if evicted > 0 {
		t.mu.Lock()
		t.size -= evicted
		t.mu.Unlock()
	}
}

type tokenLeafRef struct {
	parent *tokenRadixNode
	key    int32
	node   *tokenRadixNode
}

func collectTokenLeaves(node *tokenRadixNode, into []tokenLeafRef) []tokenLeafRef {
	node.mu.Lock()
	children := node.children
	node.mu.Unlock()
	for k, c := range children {
		c.mu.Lock()
		isLeaf := len(c.children) == 0
		c.mu.Unlock()
		if isLeaf {
			into = append(into, tokenLeafRef{parent: node, key: k, node: c})
		} else {
			into = collectTokenLeaves(c, into)
		}
	}
	return into
}

func sortTokenLeavesByLastUsed(leaves []tokenLeafRef) {
	for i := 1; i < len(leaves); i++ {
		for j := i; j > 0; j-- {
			leaves[j].node.mu.Lock()
			jt := leaves[j].node.lastUsed
			leaves[j].node.mu.Unlock()
			leaves[j-1].node.mu.Lock()
			jp := leaves[j-1].node.lastUsed
			leaves[j-1].node.mu.Unlock()
			if jt.Before(jp) {
				leaves[j], leaves[j-1] = leaves[j-1], leaves[j]
			} else {
				break
			}
		}
	}
}

func removeTokenChild(parent *tokenRadixNode, key int32, expect *tokenRadixNode) bool {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.children[key] != expect {
		return false
	}
	delete(parent.children, key)
	return true
}
