package storage

import "fmt"

// KV is one key/value pair returned by a range scan.
type KV struct {
	Key   []byte
	Value []byte
}

// SearchRange returns every entry whose key lies in [start, end) in
// ascending order. A nil start scans from the leftmost leaf; a nil end
// scans to the end of the chain.
func (t *BTree) SearchRange(start, end []byte) ([]KV, error) {
	t.latches.RLock(t.rootPageID)
	defer t.latches.RUnlock(t.rootPageID)

	var leaf *Node
	var err error
	if start == nil {
		leaf, err = t.leftmostLeaf()
	} else {
		leaf, err = t.descendToLeaf(start)
	}
	if err != nil {
		return nil, err
	}

	startIdx := 0
	if start != nil {
		startIdx, _ = leaf.findKey(start)
	}

	var result []KV
	limit := t.pager.NumPages() + 1
	seen := uint32(0)
	for leaf != nil {
		seen++
		if seen > limit {
			return result, fmt.Errorf("%w: leaf chain exceeds %d pages during range scan", ErrInvariantViolation, limit)
		}
		for i := startIdx; i < len(leaf.keys); i++ {
			if end != nil && compareBytes(leaf.keys[i], end) >= 0 {
				return result, nil
			}
			result = append(result, KV{Key: cloneBytes(leaf.keys[i]), Value: cloneBytes(leaf.values[i])})
		}
		startIdx = 0
		if leaf.next == InvalidPageID {
			break
		}
		page, err := t.pager.ReadPage(leaf.next)
		if err != nil {
			return result, err
		}
		leaf, err = decodeNode(page)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// GetAll returns every entry in the tree, in ascending key order.
func (t *BTree) GetAll() ([]KV, error) {
	return t.SearchRange(nil, nil)
}
