package storage

import (
	"encoding/binary"
	"fmt"
)

// nodeMetaSize is the width of slot 0's metadata blob:
// isLeaf u8, keyCount u16, parent u32, prev u32, next u32.
const nodeMetaSize = 15

// Node is the in-memory, fully-parsed form of a B+ tree node. Pages are
// always re-parsed into a Node on read and fully re-serialized on write;
// nothing about a node's internal slot layout survives between the two.
type Node struct {
	pageID   uint32
	isLeaf   bool
	parent   uint32
	prev     uint32 // leaf chain only
	next     uint32 // leaf chain only

	keys     [][]byte
	values   [][]byte // leaf only, parallel to keys
	children []uint32 // internal only, len(children) == len(keys)+1
}

// NewLeafNode returns an empty leaf bound to pageID.
func NewLeafNode(pageID uint32) *Node {
	return &Node{pageID: pageID, isLeaf: true, parent: InvalidPageID, prev: InvalidPageID, next: InvalidPageID}
}

// NewInternalNode returns an empty internal node bound to pageID. Callers
// must give it len(keys)+1 children before encoding: even an internal node
// with zero keys has one child.
func NewInternalNode(pageID uint32) *Node {
	return &Node{pageID: pageID, isLeaf: false, parent: InvalidPageID}
}

func (n *Node) KeyCount() int { return len(n.keys) }

// decodeNode re-parses page into a Node, enforcing the structural
// invariants: a leaf has exactly keyCount values, an
// internal node with keyCount>0 has exactly keyCount+1 children.
func decodeNode(page *Page) (*Node, error) {
	meta, ok := page.GetData(0)
	if !ok || len(meta) != nodeMetaSize {
		return nil, fmt.Errorf("%w: page %d missing or malformed node metadata slot", ErrInvariantViolation, page.ID())
	}

	n := &Node{pageID: page.ID()}
	n.isLeaf = meta[0] != 0
	keyCount := int(binary.LittleEndian.Uint16(meta[1:]))
	n.parent = binary.LittleEndian.Uint32(meta[3:])
	n.prev = binary.LittleEndian.Uint32(meta[7:])
	n.next = binary.LittleEndian.Uint32(meta[11:])

	if n.isLeaf {
		n.keys = make([][]byte, 0, keyCount)
		n.values = make([][]byte, 0, keyCount)
		for i := 0; i < keyCount; i++ {
			k, ok := page.GetData(1 + 2*i)
			if !ok {
				return nil, fmt.Errorf("%w: page %d missing key slot %d", ErrInvariantViolation, page.ID(), i)
			}
			v, ok := page.GetData(2 + 2*i)
			if !ok {
				return nil, fmt.Errorf("%w: page %d missing value slot %d", ErrInvariantViolation, page.ID(), i)
			}
			n.keys = append(n.keys, cloneBytes(k))
			n.values = append(n.values, cloneBytes(v))
		}
		return n, nil
	}

	n.keys = make([][]byte, 0, keyCount)
	for i := 0; i < keyCount; i++ {
		k, ok := page.GetData(1 + i)
		if !ok {
			return nil, fmt.Errorf("%w: page %d missing key slot %d", ErrInvariantViolation, page.ID(), i)
		}
		n.keys = append(n.keys, cloneBytes(k))
	}

	trailer, ok := page.GetData(1 + keyCount)
	if !ok || len(trailer)%4 != 0 {
		return nil, fmt.Errorf("%w: page %d missing or malformed children trailer", ErrInvariantViolation, page.ID())
	}
	childCount := len(trailer) / 4
	if childCount != keyCount+1 {
		return nil, fmt.Errorf("%w: page %d has %d keys but %d children", ErrInvariantViolation, page.ID(), keyCount, childCount)
	}
	n.children = make([]uint32, childCount)
	for i := 0; i < childCount; i++ {
		n.children[i] = binary.LittleEndian.Uint32(trailer[i*4:])
	}
	return n, nil
}

func cloneBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// encode serializes the node into a fresh Page of the matching B+ tree
// page type, returning ErrNoSpace if it does not fit even on an empty
// page — the caller's cue to split one level up.
func (n *Node) encode() (*Page, error) {
	typ := PageTypeBTreeInternal
	if n.isLeaf {
		typ = PageTypeBTreeLeaf
	}
	page := NewPage(n.pageID, typ)
	page.SetNext(n.next)
	page.SetPrev(n.prev)

	meta := make([]byte, nodeMetaSize)
	if n.isLeaf {
		meta[0] = 1
	}
	binary.LittleEndian.PutUint16(meta[1:], uint16(len(n.keys)))
	binary.LittleEndian.PutUint32(meta[3:], n.parent)
	binary.LittleEndian.PutUint32(meta[7:], n.prev)
	binary.LittleEndian.PutUint32(meta[11:], n.next)
	if _, err := page.Insert(meta); err != nil {
		return nil, err
	}

	if n.isLeaf {
		for i := range n.keys {
			if _, err := page.Insert(n.keys[i]); err != nil {
				return nil, err
			}
			if _, err := page.Insert(n.values[i]); err != nil {
				return nil, err
			}
		}
		return page, nil
	}

	for i := range n.keys {
		if _, err := page.Insert(n.keys[i]); err != nil {
			return nil, err
		}
	}
	trailer := make([]byte, 4*len(n.children))
	for i, child := range n.children {
		binary.LittleEndian.PutUint32(trailer[i*4:], child)
	}
	if _, err := page.Insert(trailer); err != nil {
		return nil, err
	}
	return page, nil
}

// serializedSize approximates a node's on-page footprint using a fixed
// per-entry overhead of 2 bytes (not the real 6-byte slot cost) plus the
// payload; it is used only to pick a split index, not to size the page.
func (n *Node) serializedSize() int {
	size := pageHdrSize + nodeMetaSize
	if n.isLeaf {
		for i := range n.keys {
			size += 2 + len(n.keys[i])
			size += 2 + len(n.values[i])
		}
		return size
	}
	for i := range n.keys {
		size += 2 + len(n.keys[i])
	}
	size += 4 * len(n.children)
	return size
}

// findKey returns the index of the first key >= target (a lower bound),
// and whether that key equals target exactly.
func (n *Node) findKey(target []byte) (int, bool) {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareBytes(n.keys[mid], target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(n.keys) && compareBytes(n.keys[lo], target) == 0 {
		return lo, true
	}
	return lo, false
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// childFor returns the index into children that target's search should
// descend into. A separator key at keys[i] is the promoted left-most key
// of children[i+1] (see split.go), so an exact match routes right, into
// children[idx+1]; otherwise children[idx] (the lower-bound position)
// already covers [keys[idx-1], keys[idx]). Clamped so internal nodes with
// no exact-match key still route to a valid child.
func (n *Node) childFor(target []byte) int {
	idx, found := n.findKey(target)
	if found {
		idx++
	}
	if idx >= len(n.children) {
		idx = len(n.children) - 1
	}
	return idx
}
