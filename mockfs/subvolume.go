package mockfs

import (
	"fmt"
	"path"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SubvolumeError reports an operation that a subvolume refuses.
type SubvolumeError struct {
	Op     string
	Path   string
	Reason string
}

func (e *SubvolumeError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Reason)
}

// Subvolume maps paths to inodes and applies send-stream style
// mutations to them.  A snapshot shares its parent's inodes until it
// mutates one; owned records the inodes this subvolume may change in
// place.
//
// Paths are taken to be fully resolved: symlinks inside paths are not
// followed.
type Subvolume struct {
	Name   string
	set    *SubvolumeSet
	idMap  *InodeIDMap
	inodes map[int]*Inode
	owned  map[int]bool
}

func (s *Subvolume) fail(op, p, format string, args ...interface{}) error {
	return &SubvolumeError{Op: op, Path: p, Reason: fmt.Sprintf(format, args...)}
}

// InodeAt returns the inode at p, or nil.
func (s *Subvolume) InodeAt(p string) *Inode {
	id, ok := s.idMap.GetID(p)
	if !ok {
		return nil
	}
	return s.inodes[id.ID]
}

// IDMap exposes the path map for inspection.
func (s *Subvolume) IDMap() *InodeIDMap {
	return s.idMap
}

// mutable returns the inode at p, copying it first if it still belongs
// to the snapshot parent.
func (s *Subvolume) mutable(op, p string) (ino *Inode, err error) {
	id, ok := s.idMap.GetID(p)
	if !ok {
		return nil, s.fail(op, p, "path does not exist")
	}
	ino = s.inodes[id.ID]
	if !s.owned[id.ID] {
		ino = ino.copy()
		ino.ID = id
		s.inodes[id.ID] = ino
		s.owned[id.ID] = true
	}
	return
}

func (s *Subvolume) create(op, p string, fileType uint32) (ino *Inode, err error) {
	id, err := s.idMap.NextAt(p)
	if err != nil {
		return
	}
	ino = newInode(id, fileType)
	if fileType == unix.S_IFREG {
		ino.Extent = s.set.arena.Empty()
	}
	s.inodes[id.ID] = ino
	s.owned[id.ID] = true
	log.Debugf("%s: %s %v", s.Name, op, ino)
	return
}

func (s *Subvolume) Mkdir(p string) (err error) {
	_, err = s.create("mkdir", p, unix.S_IFDIR)
	return
}

func (s *Subvolume) Mkfile(p string) (err error) {
	_, err = s.create("mkfile", p, unix.S_IFREG)
	return
}

func (s *Subvolume) Mkfifo(p string) (err error) {
	_, err = s.create("mkfifo", p, unix.S_IFIFO)
	return
}

func (s *Subvolume) Mksock(p string) (err error) {
	_, err = s.create("mksock", p, unix.S_IFSOCK)
	return
}

// Mknod creates a device.  mode carries both the file type, which must
// be a block or character device, and the permission bits.
func (s *Subvolume) Mknod(p string, mode uint32, dev uint64) (err error) {
	fileType := mode & unix.S_IFMT
	if fileType != unix.S_IFBLK && fileType != unix.S_IFCHR {
		return s.fail("mknod", p, "unexpected device mode %o", mode)
	}
	ino, err := s.create("mknod", p, fileType)
	if err != nil {
		return
	}
	perm := mode &^ unix.S_IFMT
	ino.Mode = &perm
	ino.Dev = dev
	return
}

func (s *Subvolume) Symlink(p, dest string) (err error) {
	ino, err := s.create("symlink", p, unix.S_IFLNK)
	if err != nil {
		return
	}
	ino.Dest = dest
	return
}

// delete unmaps p and forgets the inode once nothing links to it.
func (s *Subvolume) delete(p string) (err error) {
	id, err := s.idMap.RemovePath(p)
	if err != nil {
		return
	}
	paths, err := s.idMap.GetPaths(id)
	if err != nil {
		return
	}
	if len(paths) == 0 {
		delete(s.inodes, id.ID)
		delete(s.owned, id.ID)
	}
	return
}

// Rename moves p to dest.  An existing dest is replaced, but a
// directory may only replace an empty directory and a non-directory
// may not replace a directory.
func (s *Subvolume) Rename(p, dest string) (err error) {
	if strings.HasPrefix(dest, p+"/") {
		return s.fail("rename", p, "%s makes path its own subdirectory", dest)
	}
	oldID, ok := s.idMap.GetID(p)
	if !ok {
		return s.fail("rename", p, "source of rename to %s does not exist", dest)
	}
	newID, exists := s.idMap.GetID(dest)
	if exists && oldID == newID {
		return
	}
	if _, ok := s.idMap.GetID(path.Dir(dest)); !ok {
		return s.fail("rename", p, "Missing ancestor of %s", dest)
	}
	if exists {
		oldIno, newIno := s.inodes[oldID.ID], s.inodes[newID.ID]
		if oldIno.IsDir() {
			if !newIno.IsDir() {
				return s.fail("rename", p, "cannot overwrite %v, since a directory may only overwrite an empty directory", newIno)
			}
		} else if newIno.IsDir() {
			return s.fail("rename", p, "cannot overwrite a directory with a non-directory")
		}
		// a populated directory refuses removal here
		if err = s.delete(dest); err != nil {
			return
		}
	}
	return s.idMap.RenamePath(p, dest)
}

func (s *Subvolume) Unlink(p string) (err error) {
	ino := s.InodeAt(p)
	if ino != nil && ino.IsDir() {
		return s.fail("unlink", p, "Cannot unlink a directory")
	}
	return s.delete(p)
}

func (s *Subvolume) Rmdir(p string) (err error) {
	ino := s.InodeAt(p)
	if ino == nil || !ino.IsDir() {
		return s.fail("rmdir", p, "Can only rmdir a directory")
	}
	return s.delete(p)
}

// Link adds the hard link dest to the inode at p.
func (s *Subvolume) Link(p, dest string) (err error) {
	if _, ok := s.idMap.GetID(dest); ok {
		return s.fail("link", p, "Destination %s already exists", dest)
	}
	id, ok := s.idMap.GetID(p)
	if !ok {
		return s.fail("link", p, "source does not exist")
	}
	if s.inodes[id.ID].IsDir() {
		return s.fail("link", p, "Cannot link a directory")
	}
	return s.idMap.AddPath(id, dest)
}

func (s *Subvolume) Write(p string, offset, length int64) (err error) {
	ino, err := s.mutable("write", p)
	if err != nil {
		return
	}
	return ino.Write(offset, length)
}

func (s *Subvolume) Truncate(p string, size int64) (err error) {
	ino, err := s.mutable("truncate", p)
	if err != nil {
		return
	}
	return ino.Truncate(size)
}

// Clone copies length bytes at fromOffset of fromPath in from, which
// may be s itself, into p at offset.  Both must be in the same set.
func (s *Subvolume) Clone(p string, offset int64, from *Subvolume, fromPath string, fromOffset, length int64) (err error) {
	if from.set != s.set {
		return s.fail("clone", p, "source subvolume %s is in another set", from.Name)
	}
	src := from.InodeAt(fromPath)
	if src == nil {
		return s.fail("clone", p, "clone source %s does not exist", fromPath)
	}
	ino, err := s.mutable("clone", p)
	if err != nil {
		return
	}
	return ino.Clone(offset, src, fromOffset, length)
}

func (s *Subvolume) Chmod(p string, mode uint32) (err error) {
	ino, err := s.mutable("chmod", p)
	if err != nil {
		return
	}
	return ino.Chmod(mode)
}

func (s *Subvolume) Chown(p string, uid, gid int) (err error) {
	ino, err := s.mutable("chown", p)
	if err != nil {
		return
	}
	ino.Chown(uid, gid)
	return
}

func (s *Subvolume) Utimes(p string, u Utimes) (err error) {
	ino, err := s.mutable("utimes", p)
	if err != nil {
		return
	}
	ino.SetUtimes(u)
	return
}

func (s *Subvolume) SetXattr(p, name string, data []byte) (err error) {
	ino, err := s.mutable("set_xattr", p)
	if err != nil {
		return
	}
	ino.SetXattr(name, data)
	return
}

func (s *Subvolume) RemoveXattr(p, name string) (err error) {
	ino, err := s.mutable("remove_xattr", p)
	if err != nil {
		return
	}
	return ino.RemoveXattr(name)
}

// Files returns one unfinalized File per regular-file inode, ordered by
// inode id.  Hard links share a File.
func (s *Subvolume) Files() (files []*File) {
	var ids []int
	for id, ino := range s.inodes {
		if ino.IsFile() {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		ino := s.inodes[id]
		files = append(files, File{}.New(InodeID{ID: id, Map: s.idMap}, ino.Extent))
	}
	return
}

// Finalize computes the chunks and clones of every file in s.  Clones
// into other subvolumes are not reported; use SubvolumeSet.Finalize
// for those.
func (s *Subvolume) Finalize() (files []*File, err error) {
	files = s.Files()
	err = FindClones(files)
	return
}

// SubvolumeSet owns the extent arena that its subvolumes write into, so
// that clones between subvolumes share leaves.
type SubvolumeSet struct {
	arena   *Arena
	subvols map[string]*Subvolume
	order   []string
}

func (ss SubvolumeSet) New() *SubvolumeSet {
	ss.arena = Arena{}.New()
	ss.subvols = map[string]*Subvolume{}
	return &ss
}

func (ss *SubvolumeSet) Arena() *Arena {
	return ss.arena
}

func (ss *SubvolumeSet) add(name string, idMap *InodeIDMap, inodes map[int]*Inode) (s *Subvolume, err error) {
	if _, ok := ss.subvols[name]; ok {
		return nil, &SubvolumeError{Op: "create", Path: name, Reason: "subvolume already exists"}
	}
	s = &Subvolume{Name: name, set: ss, idMap: idMap, inodes: inodes, owned: map[int]bool{}}
	ss.subvols[name] = s
	ss.order = append(ss.order, name)
	return
}

// Create makes an empty subvolume holding only its root directory.
func (ss *SubvolumeSet) Create(name string) (s *Subvolume, err error) {
	idMap := InodeIDMap{}.New(name)
	root, _ := idMap.GetID(".")
	s, err = ss.add(name, idMap, map[int]*Inode{root.ID: newInode(root, unix.S_IFDIR)})
	if err != nil {
		return
	}
	s.owned[root.ID] = true
	return
}

// Snapshot makes name a copy of from.  The two share inodes until
// either one changes them.
func (ss *SubvolumeSet) Snapshot(from *Subvolume, name string) (s *Subvolume, err error) {
	if from.set != ss {
		return nil, &SubvolumeError{Op: "snapshot", Path: from.Name, Reason: "subvolume is in another set"}
	}
	inodes := make(map[int]*Inode, len(from.inodes))
	for id, ino := range from.inodes {
		inodes[id] = ino
	}
	// the parent must copy before writing too
	for id := range from.owned {
		delete(from.owned, id)
	}
	return ss.add(name, from.idMap.Copy(name), inodes)
}

// Get returns the subvolume called name, or nil.
func (ss *SubvolumeSet) Get(name string) *Subvolume {
	return ss.subvols[name]
}

// Finalize computes chunks and clones across every file of every
// subvolume, in creation order.
func (ss *SubvolumeSet) Finalize() (files []*File, err error) {
	for _, name := range ss.order {
		files = append(files, ss.subvols[name].Files()...)
	}
	err = FindClones(files)
	return
}
