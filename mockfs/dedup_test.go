package mockfs

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func randBytes(t *testing.T, size int) []byte {
	t.Helper()
	buf := make([]byte, size)
	n, err := rand.New(rand.NewSource(42)).Read(buf)
	ck(t, err)
	tassert(t, n == size, "size: expected %d got %d", size, n)
	return buf
}

func TestDedupIdentical(t *testing.T) {
	arena := Arena{}.New()
	d := Dedup{MinSize: 64 * kiB, MaxSize: 1 * miB}.New(arena)
	data := randBytes(t, 4*miB)

	a, err := d.Add("a", bytes.NewReader(data))
	ck(t, err)
	chunks := d.Chunks()
	tassert(t, chunks >= 4, "expected at least 4 chunks, got %d", chunks)
	b, err := d.Add("b", bytes.NewReader(data))
	ck(t, err)
	tassert(t, d.Chunks() == chunks, "identical content added chunks: %d -> %d", chunks, d.Chunks())

	tassert(t, a.Extent.Len() == int64(len(data)), "a len %d", a.Extent.Len())
	al, bl := a.Extent.Leaves(), b.Extent.Leaves()
	tassert(t, len(al) == chunks && len(bl) == chunks, "leaves %d %d", len(al), len(bl))
	for i := range al {
		tassert(t, al[i] == bl[i], "leaf %d: %v != %v", i, al[i], bl[i])
	}

	ck(t, FindClones([]*File{a, b}))
	tassert(t, len(a.Chunks) == 1 && a.Chunks[0].Kind == DATA, "a chunks %v", a.Chunks)
	tassert(t, len(a.Chunks[0].ChunkClones) == chunks, "a clones %v", a.Chunks[0])
	var offset int64
	for _, cc := range a.Chunks[0].ChunkClones {
		tassert(t, cc.Clone.File == b, "clone into %v", cc.Clone.File)
		tassert(t, cc.Offset == offset && cc.Clone.Offset == offset, "clone %v at %d", cc, offset)
		offset += cc.Clone.Length
	}
	tassert(t, offset == int64(len(data)), "clones cover %d of %d", offset, len(data))
}

func TestDedupRepeatedChunk(t *testing.T) {
	// below the minimum size every input is a single chunk
	arena := Arena{}.New()
	d := Dedup{}.New(arena)
	tassert(t, d.Pol == DefaultPol, "pol %v", d.Pol)
	small := randBytes(t, 1000)

	a, err := d.Add("a", bytes.NewReader(small))
	ck(t, err)
	b, err := d.Add("b", bytes.NewReader(small))
	ck(t, err)
	c, err := d.Add("c", bytes.NewReader(small[:999]))
	ck(t, err)
	empty, err := d.Add("empty", bytes.NewReader(nil))
	ck(t, err)
	tassert(t, d.Chunks() == 2, "chunks %d", d.Chunks())

	files := []*File{a, b, c, empty}
	ck(t, FindClones(files))
	out := FormatChunks(files)
	expect := "(File: a/1000): [(DATA/1000: b:0+1000@0)]\n" +
		"(File: b/1000): [(DATA/1000: a:0+1000@0)]\n" +
		"(File: c/999): [(DATA/999)]\n" +
		"(File: empty/0): []\n"
	tassert(t, out == expect, "expected:\n%s\ngot:\n%s", expect, out)
}

func TestDedupAddFile(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "blob")
	ck(t, os.WriteFile(fn, randBytes(t, 3000), 0644))
	d := Dedup{}.New(Arena{}.New())
	f, err := d.AddFile(fn)
	ck(t, err)
	tassert(t, f.Extent.Len() == 3000, "len %d", f.Extent.Len())
	tassert(t, f.Description.String() == fn, "desc %v", f.Description)

	_, err = d.AddFile(filepath.Join(dir, "missing"))
	tassert(t, err != nil, "expected error for missing file")
}
