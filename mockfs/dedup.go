package mockfs

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/zeebo/blake3"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	// DefaultPol is the fixed chunking polynomial, so that the same
	// content always splits at the same places.
	DefaultPol = chunker.Pol(0x3DA3358B4DC173)
)

// Dedup splits content into content-defined chunks and builds mock
// files in which chunks with identical content share one DATA leaf.
// Files built by one Dedup share its arena, so FindClones reports every
// duplicated chunk as a clone.
type Dedup struct {
	Pol     chunker.Pol
	MinSize uint
	MaxSize uint
	arena   *Arena
	leaves  map[string]*Extent
	buf     []byte
}

func (d Dedup) New(arena *Arena) *Dedup {
	if d.Pol == 0 {
		d.Pol = DefaultPol
	}
	if d.MinSize == 0 {
		d.MinSize = chunker.MinSize
	}
	if d.MaxSize == 0 {
		d.MaxSize = chunker.MaxSize
	}
	d.arena = arena
	d.leaves = map[string]*Extent{}
	d.buf = make([]byte, d.MaxSize)
	return &d
}

// Chunks returns the number of distinct chunks seen so far.
func (d *Dedup) Chunks() int {
	return len(d.leaves)
}

// Add reads rd to the end and returns a file describing its content.
func (d *Dedup) Add(desc string, rd io.Reader) (file *File, err error) {
	c := chunker.NewWithBoundaries(rd, d.Pol, d.MinSize, d.MaxSize)
	extent := d.arena.Empty()
	for {
		var chunk chunker.Chunk
		chunk, err = c.Next(d.buf)
		if errors.Cause(err) == io.EOF {
			err = nil
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "chunking %s", desc)
		}
		sum := blake3.Sum256(chunk.Data)
		key := hex.EncodeToString(sum[:])
		length := int64(chunk.Length)
		leaf, ok := d.leaves[key]
		if !ok {
			leaf, err = d.arena.Empty().Write(0, length)
			if err != nil {
				return
			}
			d.leaves[key] = leaf
		}
		log.Debugf("%s: chunk at %d len %d blake3 %s new %v", desc, chunk.Start, length, key[:12], !ok)
		extent, err = extent.Clone(extent.Len(), leaf, 0, length)
		if err != nil {
			return
		}
	}
	file = File{}.New(Label(desc), extent)
	return
}

// AddFile is Add for the named file.
func (d *Dedup) AddFile(fn string) (file *File, err error) {
	defer Return(&err)
	fh, err := os.Open(fn)
	Ck(err)
	defer fh.Close()
	file, err = d.Add(fn, fh)
	Ck(err)
	return
}
