package mockfs

import (
	"fmt"
	"path"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// InodeID identifies an inode within one InodeIDMap.  Its string form
// names the paths that currently reach it.
type InodeID struct {
	ID  int
	Map *InodeIDMap
}

func (i InodeID) String() string {
	paths, err := i.Map.GetPaths(i)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	var out string
	if len(paths) == 0 {
		out = fmt.Sprintf("ANON_INODE#%d", i.ID)
	} else {
		out = strings.Join(paths, ",")
	}
	if i.Map.Description != "" {
		out = i.Map.Description + "@" + out
	}
	return out
}

// InodeError reports a path that cannot be mapped, unmapped or resolved.
type InodeError struct {
	Op     string
	Path   string
	Reason string
}

func (e *InodeError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Reason)
}

// InodeIDMap is the bidirectional path <-> inode map of one subvolume.
// An inode may have many paths (hard links); a directory inode tracks
// its child paths so that it cannot be removed while populated.  The
// root "." is always inode 0.
type InodeIDMap struct {
	Description string
	nextID      int
	idToPaths   map[int]map[string]bool
	pathToID    map[string]int
	children    map[int]map[string]bool
}

func (m InodeIDMap) New(description string) *InodeIDMap {
	m.Description = description
	m.idToPaths = map[int]map[string]bool{}
	m.pathToID = map[string]int{}
	m.children = map[int]map[string]bool{}
	m.nextID = 1
	m.idToPaths[0] = map[string]bool{".": true}
	m.pathToID["."] = 0
	return &m
}

// normPath cleans a map path, which must be relative.
func normPath(p string) (string, error) {
	if strings.HasPrefix(p, "/") {
		return "", &InodeError{Op: "map", Path: p, Reason: "Need relative path"}
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &InodeError{Op: "map", Path: p, Reason: "path escapes the subvolume"}
	}
	return clean, nil
}

// Next allocates an unmapped inode ID.
func (m *InodeIDMap) Next() (id InodeID) {
	id = InodeID{ID: m.nextID, Map: m}
	m.nextID++
	return
}

// NextAt is Next followed by AddPath.  The ID is consumed even when
// mapping p fails.
func (m *InodeIDMap) NextAt(p string) (id InodeID, err error) {
	id = m.Next()
	err = m.AddPath(id, p)
	return
}

func (m *InodeIDMap) owns(id InodeID) error {
	if id.Map != m {
		return &InodeError{Op: "lookup", Path: fmt.Sprintf("#%d", id.ID), Reason: fmt.Sprintf("Wrong map for InodeID #%d", id.ID)}
	}
	return nil
}

// AddPath maps p to id.  The parent of p must already be mapped and p
// must not be.
func (m *InodeIDMap) AddPath(id InodeID, p string) (err error) {
	if err = m.owns(id); err != nil {
		return
	}
	p, err = normPath(p)
	if err != nil {
		return
	}
	if old, ok := m.pathToID[p]; ok {
		return &InodeError{Op: "add", Path: p, Reason: fmt.Sprintf("Path %s has 2 inodes: %d and %d", p, id.ID, old)}
	}
	if p == "." {
		return &InodeError{Op: "add", Path: p, Reason: "cannot remap the root"}
	}
	parent, ok := m.pathToID[path.Dir(p)]
	if !ok {
		return &InodeError{Op: "add", Path: p, Reason: "parent does not exist"}
	}
	m.pathToID[p] = id.ID
	if m.idToPaths[id.ID] == nil {
		m.idToPaths[id.ID] = map[string]bool{}
	}
	m.idToPaths[id.ID][p] = true
	if m.children[parent] == nil {
		m.children[parent] = map[string]bool{}
	}
	m.children[parent][p] = true
	log.Debugf("inode map %q: %s -> %d", m.Description, p, id.ID)
	return
}

// RemovePath unmaps p and returns the inode it pointed to.
func (m *InodeIDMap) RemovePath(p string) (id InodeID, err error) {
	p, err = normPath(p)
	if err != nil {
		return
	}
	ino, ok := m.pathToID[p]
	if !ok {
		return id, &InodeError{Op: "remove", Path: p, Reason: "path does not exist"}
	}
	if p == "." {
		return id, &InodeError{Op: "remove", Path: p, Reason: "cannot remove the root"}
	}
	if len(m.children[ino]) > 0 {
		return id, &InodeError{Op: "remove", Path: p, Reason: fmt.Sprintf("remove %s has children", p)}
	}
	parent := m.pathToID[path.Dir(p)]
	delete(m.children[parent], p)
	if len(m.children[parent]) == 0 {
		delete(m.children, parent)
	}
	delete(m.pathToID, p)
	delete(m.idToPaths[ino], p)
	if len(m.idToPaths[ino]) == 0 {
		delete(m.idToPaths, ino)
	}
	return InodeID{ID: ino, Map: m}, nil
}

// RenamePath moves p, and every path below it, to dest.  The parent of
// dest must be mapped and dest must not be.
func (m *InodeIDMap) RenamePath(p, dest string) (err error) {
	if p, err = normPath(p); err != nil {
		return
	}
	if dest, err = normPath(dest); err != nil {
		return
	}
	if _, ok := m.pathToID[p]; !ok || p == "." {
		return &InodeError{Op: "rename", Path: p, Reason: "path does not exist"}
	}
	if old, ok := m.pathToID[dest]; ok {
		return &InodeError{Op: "rename", Path: dest, Reason: fmt.Sprintf("Path %s has 2 inodes: %d and %d", dest, m.pathToID[p], old)}
	}
	if strings.HasPrefix(dest, p+"/") {
		return &InodeError{Op: "rename", Path: p, Reason: fmt.Sprintf("%s is inside %s", dest, p)}
	}
	if _, ok := m.pathToID[path.Dir(dest)]; !ok {
		return &InodeError{Op: "rename", Path: dest, Reason: "parent does not exist"}
	}
	var moved []string
	for q := range m.pathToID {
		if q == p || strings.HasPrefix(q, p+"/") {
			moved = append(moved, q)
		}
	}
	// parents sort before their children
	sort.Strings(moved)
	ids := make([]int, len(moved))
	parents := make([]int, len(moved))
	for i, q := range moved {
		ids[i] = m.pathToID[q]
		parents[i] = m.pathToID[path.Dir(q)]
	}
	for i, q := range moved {
		delete(m.pathToID, q)
		delete(m.idToPaths[ids[i]], q)
		delete(m.children[parents[i]], q)
		if len(m.children[parents[i]]) == 0 {
			delete(m.children, parents[i])
		}
	}
	for i, q := range moved {
		nq := dest + q[len(p):]
		m.pathToID[nq] = ids[i]
		m.idToPaths[ids[i]][nq] = true
		parent := m.pathToID[path.Dir(nq)]
		if m.children[parent] == nil {
			m.children[parent] = map[string]bool{}
		}
		m.children[parent][nq] = true
	}
	log.Debugf("inode map %q: %s -> %s (%d paths)", m.Description, p, dest, len(moved))
	return
}

// GetID returns the inode mapped at p.
func (m *InodeIDMap) GetID(p string) (id InodeID, ok bool) {
	p, err := normPath(p)
	if err != nil {
		return
	}
	ino, ok := m.pathToID[p]
	if !ok {
		return
	}
	return InodeID{ID: ino, Map: m}, true
}

// GetPaths returns the sorted paths of id.
func (m *InodeIDMap) GetPaths(id InodeID) (paths []string, err error) {
	if err = m.owns(id); err != nil {
		return
	}
	return sortedKeys(m.idToPaths[id.ID]), nil
}

// GetChildren returns the sorted child paths of the directory id.
func (m *InodeIDMap) GetChildren(id InodeID) (paths []string, err error) {
	if err = m.owns(id); err != nil {
		return
	}
	return sortedKeys(m.children[id.ID]), nil
}

// Copy returns an independent map with the same contents.  IDs from m
// must be looked up again in the copy.
func (m *InodeIDMap) Copy(description string) *InodeIDMap {
	out := &InodeIDMap{
		Description: description,
		nextID:      m.nextID,
		idToPaths:   map[int]map[string]bool{},
		pathToID:    map[string]int{},
		children:    map[int]map[string]bool{},
	}
	for p, id := range m.pathToID {
		out.pathToID[p] = id
	}
	for id, set := range m.idToPaths {
		out.idToPaths[id] = copySet(set)
	}
	for id, set := range m.children {
		out.children[id] = copySet(set)
	}
	return out
}

func copySet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k := range in {
		out[k] = true
	}
	return out
}

func sortedKeys(set map[string]bool) (out []string) {
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return
}
