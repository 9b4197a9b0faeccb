package mockfs

import (
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func expectInodeError(t *testing.T, err error, reason string) {
	t.Helper()
	var ierr *InodeError
	tassert(t, errors.As(err, &ierr), "expected InodeError, got %v", err)
	tassert(t, strings.Contains(ierr.Reason, reason), "expected %q in %q", reason, ierr.Reason)
}

func TestInodeIDMapBasics(t *testing.T) {
	m := InodeIDMap{}.New("")
	root, ok := m.GetID(".")
	tassert(t, ok && root.ID == 0, "root %v %v", root, ok)
	tassert(t, root.String() == ".", "root repr %q", root.String())

	a, err := m.NextAt("./a/")
	ck(t, err)
	tassert(t, a.String() == "a", "a repr %q", a.String())
	got, ok := m.GetID("a")
	tassert(t, ok && got == a, "lookup a: %v", got)

	ab, err := m.NextAt("a/b")
	ck(t, err)
	tassert(t, ab.ID == 2, "id %d", ab.ID)

	// hard link
	ck(t, m.AddPath(ab, "a/c"))
	tassert(t, ab.String() == "a/b,a/c", "repr %q", ab.String())
	children, err := m.GetChildren(a)
	ck(t, err)
	tassert(t, reflect.DeepEqual(children, []string{"a/b", "a/c"}), "children %v", children)

	_, err = m.NextAt("/abs")
	expectInodeError(t, err, "Need relative path")
	_, err = m.NextAt("x/y")
	expectInodeError(t, err, "parent does not exist")
	err = m.AddPath(a, "a/b")
	expectInodeError(t, err, "Path a/b has 2 inodes: 1 and 2")

	// failed allocations still consume IDs
	anon := m.Next()
	tassert(t, anon.ID == 5, "id %d", anon.ID)
	tassert(t, anon.String() == "ANON_INODE#5", "repr %q", anon.String())

	_, err = m.RemovePath("a")
	expectInodeError(t, err, "has children")
	_, err = m.RemovePath("a/nope")
	expectInodeError(t, err, "path does not exist")

	for _, p := range []string{"a/b", "a/c", "a"} {
		_, err = m.RemovePath(p)
		ck(t, err)
	}
	tassert(t, ab.String() == "ANON_INODE#2", "repr %q", ab.String())
	tassert(t, reflect.DeepEqual(m.pathToID, map[string]int{".": 0}), "paths %v", m.pathToID)
	tassert(t, reflect.DeepEqual(m.idToPaths, map[int]map[string]bool{0: {".": true}}), "ids %v", m.idToPaths)
	tassert(t, len(m.children) == 0, "children %v", m.children)
}

func TestInodeIDMapWrongMap(t *testing.T) {
	m := InodeIDMap{}.New("")
	other := InodeIDMap{}.New("")
	for i := 0; i < 16; i++ {
		other.Next()
	}
	id := other.Next()
	_, err := m.GetPaths(id)
	expectInodeError(t, err, "Wrong map for InodeID #17")
}

func TestInodeIDMapDescription(t *testing.T) {
	m := InodeIDMap{}.New("cat")
	id, err := m.NextAt("food")
	ck(t, err)
	tassert(t, id.String() == "cat@food", "repr %q", id.String())
}

func TestInodeIDMapCopy(t *testing.T) {
	m := InodeIDMap{}.New("")
	_, err := m.NextAt("a")
	ck(t, err)
	c := m.Copy("snap")
	_, err = c.NextAt("a/b")
	ck(t, err)
	_, ok := m.GetID("a/b")
	tassert(t, !ok, "copy leaked into the original")
	id, ok := c.GetID("a/b")
	tassert(t, ok && id.ID == 2, "copy id %v", id)
	tassert(t, id.String() == "snap@a/b", "repr %q", id.String())

	// the original keeps allocating independently
	tassert(t, m.Next().ID == 2, "original next")
}
