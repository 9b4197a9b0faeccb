package mockfs

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Kind is the content of a leaf extent.
type Kind int

const (
	HOLE Kind = iota
	DATA
)

func (k Kind) String() string {
	switch k {
	case HOLE:
		return "HOLE"
	case DATA:
		return "DATA"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// LeafID is the stable handle of a leaf in an Arena.  Two trimmed
// leaves with the same LeafID share storage.
type LeafID int

const noLeaf LeafID = -1

type leaf struct {
	kind   Kind
	length int64
}

// Arena allocates leaf extents.  Every write and every hole gap gets a
// fresh leaf; clones only ever reference existing ones.
type Arena struct {
	leaves []leaf
}

func (a Arena) New() *Arena {
	return &a
}

func (a *Arena) newLeaf(kind Kind, length int64) *Extent {
	id := LeafID(len(a.leaves))
	a.leaves = append(a.leaves, leaf{kind: kind, length: length})
	log.Debugf("arena %p new leaf %d %v/%d", a, id, kind, length)
	return &Extent{arena: a, leaf: id, length: length}
}

// Kind returns the kind of leaf id.
func (a *Arena) Kind(id LeafID) Kind {
	return a.leaves[id].kind
}

// Len returns the untrimmed length of leaf id.
func (a *Arena) Len(id LeafID) int64 {
	return a.leaves[id].length
}

// Leaves returns the number of leaves allocated so far.
func (a *Arena) Leaves() int {
	return len(a.leaves)
}

// Empty returns a zero-length extent.
func (a *Arena) Empty() *Extent {
	return &Extent{arena: a, leaf: noLeaf}
}

// Extent is an immutable, structurally shared description of a file's
// content.  A leaf node is a window [offset, offset+length) into one
// arena leaf.  A composite node is a window into the concatenation of
// its children; the children are never copied, so every leaf reachable
// from an extent keeps its LeafID across writes, truncations and clones.
type Extent struct {
	arena    *Arena
	leaf     LeafID
	children []*Extent
	offset   int64
	length   int64
}

// TrimmedLeaf is one piece of an extent: Length bytes of leaf Leaf,
// starting at Offset within that leaf.
type TrimmedLeaf struct {
	Offset int64
	Length int64
	Leaf   LeafID
}

// RangeError reports malformed offsets or lengths.
type RangeError struct {
	Op     string
	Offset int64
	Length int64
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: bad range offset %d length %d: %s", e.Op, e.Offset, e.Length, e.Reason)
}

// ForeignArenaError is returned when extents from different arenas are
// combined.
type ForeignArenaError struct {
	Op string
}

func (e *ForeignArenaError) Error() string {
	return fmt.Sprintf("%s: extents belong to different arenas", e.Op)
}

func (e *Extent) Len() int64 {
	return e.length
}

func (e *Extent) Arena() *Arena {
	return e.arena
}

// IsLeaf is true when e is a window into a single arena leaf.
func (e *Extent) IsLeaf() bool {
	return e.leaf != noLeaf
}

// Write returns a new extent with a fresh DATA leaf of length bytes at
// offset.  A gap past the current end becomes a HOLE.
func (e *Extent) Write(offset, length int64) (*Extent, error) {
	if offset < 0 || length < 0 {
		return nil, &RangeError{Op: "write", Offset: offset, Length: length, Reason: "negative"}
	}
	return e.Clone(offset, e.arena.newLeaf(DATA, length), 0, length)
}

// Truncate returns a new extent of exactly length bytes, dropping
// trailing content or appending a HOLE.
func (e *Extent) Truncate(length int64) (*Extent, error) {
	if length < 0 {
		return nil, &RangeError{Op: "truncate", Length: length, Reason: "negative"}
	}
	if length <= e.length {
		return e.trim(0, length), nil
	}
	return e.arena.join(e, e.arena.newLeaf(HOLE, length-e.length)), nil
}

// Clone returns a new extent with length bytes of from, starting at
// fromOffset, placed at toOffset.  The bytes of e outside
// [toOffset, toOffset+length) are kept; a gap past the current end
// becomes a HOLE.
func (e *Extent) Clone(toOffset int64, from *Extent, fromOffset, length int64) (*Extent, error) {
	if from.arena != e.arena {
		return nil, &ForeignArenaError{Op: "clone"}
	}
	if toOffset < 0 || fromOffset < 0 || length < 0 {
		return nil, &RangeError{Op: "clone", Offset: toOffset, Length: length, Reason: "negative"}
	}
	if fromOffset+length > from.length {
		return nil, &RangeError{
			Op: "clone", Offset: fromOffset, Length: length,
			Reason: fmt.Sprintf("source has only %d bytes", from.length),
		}
	}
	var parts []*Extent
	if toOffset <= e.length {
		parts = append(parts, e.trim(0, toOffset))
	} else {
		parts = append(parts, e, e.arena.newLeaf(HOLE, toOffset-e.length))
	}
	parts = append(parts, from.trim(fromOffset, length))
	if toOffset+length < e.length {
		parts = append(parts, e.trim(toOffset+length, e.length-toOffset-length))
	}
	return e.arena.join(parts...), nil
}

// join concatenates parts, dropping empty ones.  A single surviving
// part is returned as is.
func (a *Arena) join(parts ...*Extent) *Extent {
	var children []*Extent
	var total int64
	for _, p := range parts {
		if p.length == 0 {
			continue
		}
		children = append(children, p)
		total += p.length
	}
	switch len(children) {
	case 0:
		return a.Empty()
	case 1:
		return children[0]
	}
	return &Extent{arena: a, leaf: noLeaf, children: children, length: total}
}

// trim returns the window [offset, offset+length) of e.  Callers
// guarantee the window is inside e.
func (e *Extent) trim(offset, length int64) *Extent {
	if offset == 0 && length == e.length {
		return e
	}
	if length == 0 {
		return e.arena.Empty()
	}
	return &Extent{
		arena:    e.arena,
		leaf:     e.leaf,
		children: e.children,
		offset:   e.offset + offset,
		length:   length,
	}
}

// Leaves decomposes e into its leaf pieces, in file order.  Each call
// walks the tree afresh.
func (e *Extent) Leaves() (leaves []TrimmedLeaf) {
	e.walk(0, e.length, func(tl TrimmedLeaf) {
		leaves = append(leaves, tl)
	})
	return
}

func (e *Extent) walk(offset, length int64, fn func(TrimmedLeaf)) {
	if length == 0 {
		return
	}
	if e.leaf != noLeaf {
		fn(TrimmedLeaf{Offset: e.offset + offset, Length: length, Leaf: e.leaf})
		return
	}
	offset += e.offset
	for _, child := range e.children {
		if length == 0 {
			break
		}
		if offset >= child.length {
			offset -= child.length
			continue
		}
		take := child.length - offset
		if take > length {
			take = length
		}
		child.walk(offset, take, fn)
		length -= take
		offset = 0
	}
}

func (e *Extent) String() string {
	var parts []string
	for _, tl := range e.Leaves() {
		parts = append(parts, fmt.Sprintf("%v#%d[%d+%d]", e.arena.Kind(tl.Leaf), tl.Leaf, tl.Offset, tl.Length))
	}
	return "(" + strings.Join(parts, " ") + ")"
}
