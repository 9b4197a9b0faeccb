package mockfs

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Label is a plain string description for a File.
type Label string

func (l Label) String() string {
	return string(l)
}

// File pairs a description with the extent holding its content.
// Chunks stays nil until FindClones has run over the file.
type File struct {
	Description fmt.Stringer
	Extent      *Extent
	Chunks      []Chunk
	finalized   bool
}

func (f File) New(desc fmt.Stringer, extent *Extent) *File {
	f.Description = desc
	f.Extent = extent
	return &f
}

func (f *File) Finalized() bool {
	return f.finalized
}

func (f *File) String() string {
	return fmt.Sprintf("(File: %s/%d)", f.Description, f.Extent.Len())
}

// Clone references a byte interval in another file.
type Clone struct {
	File   *File
	Offset int64
	Length int64
}

func (c Clone) String() string {
	return fmt.Sprintf("%s:%d+%d", c.File.Description, c.Offset, c.Length)
}

// ChunkClone says that the bytes of a chunk starting at Offset are
// shared with Clone.
type ChunkClone struct {
	Offset int64
	Clone  Clone
}

func (cc ChunkClone) String() string {
	return fmt.Sprintf("%v@%d", cc.Clone, cc.Offset)
}

// Chunk is a maximal run of same-kind bytes in a finalized file.
type Chunk struct {
	Kind        Kind
	Length      int64
	ChunkClones []ChunkClone
}

func (c Chunk) String() string {
	out := fmt.Sprintf("(%v/%d", c.Kind, c.Length)
	if len(c.ChunkClones) > 0 {
		out += ": " + strings.Join(c.CloneStrings(), ", ")
	}
	return out + ")"
}

// CloneStrings returns the sorted string forms of the chunk's clones.
func (c Chunk) CloneStrings() (out []string) {
	for _, cc := range c.ChunkClones {
		out = append(out, cc.String())
	}
	sort.Strings(out)
	return
}

// AlreadyFinalizedError is returned when FindClones sees a file twice.
type AlreadyFinalizedError struct {
	File *File
}

func (e *AlreadyFinalizedError) Error() string {
	return fmt.Sprintf("%v.chunks was already populated", e.File)
}

// cloneRef connects one trimmed leaf of one file to its leaf.
type cloneRef struct {
	file       int
	fileOffset int64
	length     int64
	leafOffset int64
	leafIdx    int
}

type cloneOp struct {
	pos  int64
	push bool
	ref  *cloneRef
}

// opLess sorts by position, closing intervals before opening new ones
// at the same position.
func opLess(a, b cloneOp) bool {
	if a.pos != b.pos {
		return a.pos < b.pos
	}
	if a.push != b.push {
		return !a.push
	}
	ra, rb := a.ref, b.ref
	if ra.leafOffset != rb.leafOffset {
		return ra.leafOffset < rb.leafOffset
	}
	if ra.leafIdx != rb.leafIdx {
		return ra.leafIdx < rb.leafIdx
	}
	if ra.fileOffset != rb.fileOffset {
		return ra.fileOffset < rb.fileOffset
	}
	if ra.length != rb.length {
		return ra.length < rb.length
	}
	return ra.file < rb.file
}

// FindClones computes the chunks of every file and the clone
// relationships between them, then marks the files finalized.  Every
// pair of files sharing a leaf gets a ChunkClone in both directions.
func FindClones(files []*File) (err error) {
	var arena *Arena
	for _, f := range files {
		if f.finalized {
			return &AlreadyFinalizedError{File: f}
		}
		if arena == nil {
			arena = f.Extent.arena
		} else if f.Extent.arena != arena {
			return &ForeignArenaError{Op: "find clones"}
		}
	}

	// one sweep per shared leaf
	leafOps := map[LeafID][]cloneOp{}
	fileLeaves := make([][]TrimmedLeaf, len(files))
	for i, f := range files {
		fileLeaves[i] = f.Extent.Leaves()
		var fileOffset int64
		for j, tl := range fileLeaves[i] {
			ref := &cloneRef{
				file:       i,
				fileOffset: fileOffset,
				length:     tl.Length,
				leafOffset: tl.Offset,
				leafIdx:    j,
			}
			leafOps[tl.Leaf] = append(leafOps[tl.Leaf],
				cloneOp{pos: tl.Offset, push: true, ref: ref},
				cloneOp{pos: tl.Offset + tl.Length, push: false, ref: ref},
			)
			fileOffset += tl.Length
		}
	}

	// raw[file][leafIdx] holds clones keyed by offset into the leaf
	raw := make([]map[int][]ChunkClone, len(files))
	for i := range raw {
		raw[i] = map[int][]ChunkClone{}
	}
	var ids []LeafID
	for id := range leafOps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		ops := leafOps[id]
		sort.SliceStable(ops, func(i, j int) bool { return opLess(ops[i], ops[j]) })
		var active []*cloneRef
		for _, op := range ops {
			if op.push {
				active = append(active, op.ref)
				continue
			}
			r := op.ref
			for k, a := range active {
				if a == r {
					active = append(active[:k:k], active[k+1:]...)
					break
				}
			}
			for _, o := range active {
				bigger := o.leafOffset
				if r.leafOffset > bigger {
					bigger = r.leafOffset
				}
				length := op.pos - bigger
				raw[r.file][r.leafIdx] = append(raw[r.file][r.leafIdx], ChunkClone{
					Offset: bigger,
					Clone:  Clone{File: files[o.file], Offset: o.fileOffset + bigger - o.leafOffset, Length: length},
				})
				raw[o.file][o.leafIdx] = append(raw[o.file][o.leafIdx], ChunkClone{
					Offset: bigger,
					Clone:  Clone{File: files[r.file], Offset: r.fileOffset + bigger - r.leafOffset, Length: length},
				})
			}
		}
	}

	// merge adjacent same-kind leaves, rebasing clone offsets onto the
	// merged chunk
	for i, f := range files {
		chunks := []Chunk{}
		var seen map[ChunkClone]bool
		for j, tl := range fileLeaves[i] {
			kind := arena.Kind(tl.Leaf)
			var prevLength int64
			if len(chunks) > 0 && chunks[len(chunks)-1].Kind == kind {
				prevLength = chunks[len(chunks)-1].Length
				chunks[len(chunks)-1].Length += tl.Length
			} else {
				chunks = append(chunks, Chunk{Kind: kind, Length: tl.Length})
				seen = map[ChunkClone]bool{}
			}
			last := &chunks[len(chunks)-1]
			for _, cc := range raw[i][j] {
				cc.Offset = cc.Offset + prevLength - tl.Offset
				if seen[cc] {
					continue
				}
				seen[cc] = true
				last.ChunkClones = append(last.ChunkClones, cc)
			}
		}
		for k := range chunks {
			sortChunkClones(chunks[k].ChunkClones)
		}
		f.Chunks = chunks
		f.finalized = true
		log.Debugf("finalized %v: %v", f, chunks)
	}
	return
}

func sortChunkClones(ccs []ChunkClone) {
	sort.Slice(ccs, func(i, j int) bool {
		a, b := ccs[i], ccs[j]
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		da, db := a.Clone.File.Description.String(), b.Clone.File.Description.String()
		if da != db {
			return da < db
		}
		if a.Clone.Offset != b.Clone.Offset {
			return a.Clone.Offset < b.Clone.Offset
		}
		return a.Clone.Length < b.Clone.Length
	})
}
