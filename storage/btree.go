package storage

import (
	"errors"
	"fmt"
)

// Shape constants for the tree's fan-out.
const (
	btreeOrder   = 50
	btreeMinKeys = 24 // floor((O-1)/2)
)

// BTree is an ordered key→value map built on a Pager, used both for
// primary document storage and for secondary indexes.
// Keys and values are opaque bytes compared lexicographically; a BTree
// never interprets them beyond that.
type BTree struct {
	pager      *Pager
	rootPageID uint32
	latches    *LatchManager
}

// Create allocates a fresh, empty leaf root and returns a tree over it.
func Create(pager *Pager) (*BTree, error) {
	rootPage, err := pager.AllocPage(PageTypeBTreeLeaf)
	if err != nil {
		return nil, err
	}
	root := NewLeafNode(rootPage.ID())
	t := &BTree{pager: pager, rootPageID: root.pageID, latches: NewLatchManager()}
	if err := t.writeNode(root); err != nil {
		return nil, err
	}
	return t, nil
}

// Open wraps an existing tree whose root lives at rootPageID.
func Open(pager *Pager, rootPageID uint32) (*BTree, error) {
	if _, err := pager.ReadPage(rootPageID); err != nil {
		return nil, fmt.Errorf("storage: open btree root %d: %w", rootPageID, err)
	}
	return &BTree{pager: pager, rootPageID: rootPageID, latches: NewLatchManager()}, nil
}

// RootPageID returns the tree's current root page id, for a caller (the
// document engine) to persist as its own catalog entry.
func (t *BTree) RootPageID() uint32 { return t.rootPageID }

func (t *BTree) setRoot(pid uint32) { t.rootPageID = pid }

func (t *BTree) writeNode(n *Node) error {
	page, err := n.encode()
	if err != nil {
		return err
	}
	return t.pager.WritePage(page)
}

// persistOrSplit writes n, splitting first if it has reached the order
// threshold or does not fit its page.
func (t *BTree) persistOrSplit(n *Node) error {
	if len(n.keys) >= btreeOrder {
		return t.splitNode(n)
	}
	page, err := n.encode()
	if err == nil {
		return t.pager.WritePage(page)
	}
	if errors.Is(err, ErrNoSpace) {
		return t.splitNode(n)
	}
	return err
}

func (t *BTree) descendToLeaf(key []byte) (*Node, error) {
	pid := t.rootPageID
	for {
		page, err := t.pager.ReadPage(pid)
		if err != nil {
			return nil, err
		}
		node, err := decodeNode(page)
		if err != nil {
			return nil, err
		}
		if node.isLeaf {
			return node, nil
		}
		pid = node.children[node.childFor(key)]
	}
}

func (t *BTree) leftmostLeaf() (*Node, error) {
	pid := t.rootPageID
	for {
		page, err := t.pager.ReadPage(pid)
		if err != nil {
			return nil, err
		}
		node, err := decodeNode(page)
		if err != nil {
			return nil, err
		}
		if node.isLeaf {
			return node, nil
		}
		pid = node.children[0]
	}
}

// Search returns the value stored for key, or ErrKeyNotFound.
func (t *BTree) Search(key []byte) ([]byte, error) {
	t.latches.RLock(t.rootPageID)
	defer t.latches.RUnlock(t.rootPageID)

	leaf, err := t.descendToLeaf(key)
	if err != nil {
		return nil, err
	}
	idx, found := leaf.findKey(key)
	if !found {
		return nil, ErrKeyNotFound
	}
	return leaf.values[idx], nil
}

// Insert stores value under key, overwriting the existing value in place
// if key is already present; there is no separate update path.
func (t *BTree) Insert(key, value []byte) error {
	t.latches.Lock(t.rootPageID)
	defer t.latches.Unlock(t.rootPageID)

	leaf, err := t.descendToLeaf(key)
	if err != nil {
		return err
	}
	idx, found := leaf.findKey(key)
	if found {
		leaf.values[idx] = value
	} else {
		leaf.keys = insertKeyAt(leaf.keys, idx, key)
		leaf.values = insertKeyAt(leaf.values, idx, value)
	}
	return t.persistOrSplit(leaf)
}

// Delete removes key, reporting whether it was present. Underflowing
// leaves borrow from or merge with a sibling.
func (t *BTree) Delete(key []byte) (bool, error) {
	t.latches.Lock(t.rootPageID)
	defer t.latches.Unlock(t.rootPageID)

	leaf, err := t.descendToLeaf(key)
	if err != nil {
		return false, err
	}
	idx, found := leaf.findKey(key)
	if !found {
		return false, nil
	}
	leaf.keys = removeAt(leaf.keys, idx)
	leaf.values = removeAt(leaf.values, idx)

	if leaf.pageID == t.rootPageID || len(leaf.keys) >= btreeMinKeys {
		return true, t.writeNode(leaf)
	}
	return true, t.handleUnderflow(leaf)
}

// Count returns the total number of keys stored, by walking the leaf
// chain.
func (t *BTree) Count() (int, error) {
	t.latches.RLock(t.rootPageID)
	defer t.latches.RUnlock(t.rootPageID)

	leaf, err := t.leftmostLeaf()
	if err != nil {
		return 0, err
	}
	total := 0
	seen := 0
	limit := t.pager.NumPages() + 1
	for leaf != nil {
		total += len(leaf.keys)
		seen++
		if uint32(seen) > limit {
			return total, fmt.Errorf("%w: leaf chain did not terminate within %d pages", ErrInvariantViolation, limit)
		}
		if leaf.next == InvalidPageID {
			break
		}
		page, err := t.pager.ReadPage(leaf.next)
		if err != nil {
			return total, err
		}
		leaf, err = decodeNode(page)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Height returns the number of levels from the root to a leaf, inclusive
// (a tree with only a leaf root has height 1).
func (t *BTree) Height() (int, error) {
	height := 1
	pid := t.rootPageID
	for {
		page, err := t.pager.ReadPage(pid)
		if err != nil {
			return 0, err
		}
		node, err := decodeNode(page)
		if err != nil {
			return 0, err
		}
		if node.isLeaf {
			return height, nil
		}
		height++
		pid = node.children[0]
	}
}

// Verify descends the tree checking its structural invariants (key
// ordering, parent/child linkage, leaf chain consistency) and returns
// every violation found (an empty slice means the tree is sound).
func (t *BTree) Verify() []error {
	var errs []error
	t.verifyNode(t.rootPageID, InvalidPageID, nil, nil, &errs)
	t.verifyLeafChain(&errs)
	return errs
}

func (t *BTree) verifyNode(pid, expectedParent uint32, lowerBound, upperBound []byte, errs *[]error) {
	page, err := t.pager.ReadPage(pid)
	if err != nil {
		*errs = append(*errs, err)
		return
	}
	node, err := decodeNode(page)
	if err != nil {
		*errs = append(*errs, err)
		return
	}
	if pid != t.rootPageID && node.parent != expectedParent {
		*errs = append(*errs, fmt.Errorf("%w: page %d has parent %d, want %d", ErrInvariantViolation, pid, node.parent, expectedParent))
	}

	for i := 1; i < len(node.keys); i++ {
		if compareBytes(node.keys[i-1], node.keys[i]) >= 0 {
			*errs = append(*errs, fmt.Errorf("%w: page %d keys not strictly ascending at index %d", ErrInvariantViolation, pid, i))
		}
	}
	for _, k := range node.keys {
		if lowerBound != nil && compareBytes(k, lowerBound) < 0 {
			*errs = append(*errs, fmt.Errorf("%w: page %d key below subtree lower bound", ErrInvariantViolation, pid))
		}
		if upperBound != nil && compareBytes(k, upperBound) >= 0 {
			*errs = append(*errs, fmt.Errorf("%w: page %d key at or above subtree upper bound", ErrInvariantViolation, pid))
		}
	}

	if node.isLeaf {
		if len(node.values) != len(node.keys) {
			*errs = append(*errs, fmt.Errorf("%w: page %d has %d keys but %d values", ErrInvariantViolation, pid, len(node.keys), len(node.values)))
		}
		return
	}

	if len(node.children) != len(node.keys)+1 {
		*errs = append(*errs, fmt.Errorf("%w: page %d has %d keys but %d children", ErrInvariantViolation, pid, len(node.keys), len(node.children)))
		return
	}
	for i, child := range node.children {
		childLower, childUpper := lowerBound, upperBound
		if i > 0 {
			childLower = node.keys[i-1]
		}
		if i < len(node.keys) {
			childUpper = node.keys[i]
		}
		t.verifyNode(child, pid, childLower, childUpper, errs)
	}
}

func (t *BTree) verifyLeafChain(errs *[]error) {
	leaf, err := t.leftmostLeaf()
	if err != nil {
		*errs = append(*errs, err)
		return
	}
	limit := t.pager.NumPages() + 1
	var prevLeaf *Node
	seen := uint32(0)
	for leaf != nil {
		seen++
		if seen > limit {
			*errs = append(*errs, fmt.Errorf("%w: leaf chain exceeds %d pages", ErrInvariantViolation, limit))
			return
		}
		if prevLeaf != nil {
			if leaf.prev != prevLeaf.pageID {
				*errs = append(*errs, fmt.Errorf("%w: leaf %d has prev %d, want %d", ErrInvariantViolation, leaf.pageID, leaf.prev, prevLeaf.pageID))
			}
			if len(prevLeaf.keys) > 0 && len(leaf.keys) > 0 && compareBytes(prevLeaf.keys[len(prevLeaf.keys)-1], leaf.keys[0]) >= 0 {
				*errs = append(*errs, fmt.Errorf("%w: leaf %d boundary key not strictly greater than leaf %d's", ErrInvariantViolation, leaf.pageID, prevLeaf.pageID))
			}
		}
		if leaf.next == InvalidPageID {
			break
		}
		page, err := t.pager.ReadPage(leaf.next)
		if err != nil {
			*errs = append(*errs, err)
			return
		}
		next, err := decodeNode(page)
		if err != nil {
			*errs = append(*errs, err)
			return
		}
		prevLeaf = leaf
		leaf = next
	}
}
