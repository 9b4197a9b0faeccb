package mockfs

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// Owner is the uid/gid pair of an inode.
type Owner struct {
	UID int
	GID int
}

// Utimes holds inode timestamps in seconds and nanoseconds.
type Utimes struct {
	Atime [2]int64
	Mtime [2]int64
	Ctime [2]int64
}

// Inode is the in-progress state of one inode in a mock subvolume.
// FileType holds the S_IFMT bits and Mode the permission bits below
// them.  Extent is only set for regular files, Dest for symlinks and
// Dev for devices.
type Inode struct {
	ID       InodeID
	FileType uint32
	Mode     *uint32
	Owner    *Owner
	Utimes   *Utimes
	Xattrs   map[string][]byte
	Extent   *Extent
	Dest     string
	Dev      uint64
}

func newInode(id InodeID, fileType uint32) *Inode {
	return &Inode{ID: id, FileType: fileType, Xattrs: map[string][]byte{}}
}

func (ino *Inode) IsDir() bool {
	return ino.FileType == unix.S_IFDIR
}

func (ino *Inode) IsFile() bool {
	return ino.FileType == unix.S_IFREG
}

func (ino *Inode) IsSymlink() bool {
	return ino.FileType == unix.S_IFLNK
}

// TypeName is the short name of the inode's file type.
func (ino *Inode) TypeName() string {
	switch ino.FileType {
	case unix.S_IFDIR:
		return "Dir"
	case unix.S_IFREG:
		return "File"
	case unix.S_IFLNK:
		return "Symlink"
	case unix.S_IFSOCK:
		return "Socket"
	case unix.S_IFIFO:
		return "Fifo"
	case unix.S_IFBLK, unix.S_IFCHR:
		return "Device"
	}
	return fmt.Sprintf("Type%o", ino.FileType)
}

func (ino *Inode) String() string {
	if ino.IsFile() {
		return fmt.Sprintf("(%s: %v/%d)", ino.TypeName(), ino.ID, ino.Extent.Len())
	}
	return fmt.Sprintf("(%s: %v)", ino.TypeName(), ino.ID)
}

// copy returns a shallow copy whose xattrs can be changed independently.
// Extents are immutable and are shared.
func (ino *Inode) copy() *Inode {
	out := *ino
	out.Xattrs = make(map[string][]byte, len(ino.Xattrs))
	for k, v := range ino.Xattrs {
		out.Xattrs[k] = v
	}
	return &out
}

func (ino *Inode) fail(op, reason string) error {
	return &SubvolumeError{Op: op, Path: ino.ID.String(), Reason: reason}
}

// Chmod sets the permission bits.  File type bits may not change, and
// symlinks have no mode of their own.
func (ino *Inode) Chmod(mode uint32) error {
	if ino.IsSymlink() {
		return ino.fail("chmod", fmt.Sprintf("cannot chmod symlink %v", ino))
	}
	if mode&unix.S_IFMT != 0 {
		return ino.fail("chmod", fmt.Sprintf("mode %o cannot change file type bits of %v", mode, ino))
	}
	ino.Mode = &mode
	return nil
}

func (ino *Inode) Chown(uid, gid int) {
	ino.Owner = &Owner{UID: uid, GID: gid}
}

func (ino *Inode) SetUtimes(u Utimes) {
	ino.Utimes = &u
}

func (ino *Inode) SetXattr(name string, data []byte) {
	ino.Xattrs[name] = data
}

func (ino *Inode) RemoveXattr(name string) error {
	if _, ok := ino.Xattrs[name]; !ok {
		return ino.fail("remove_xattr", fmt.Sprintf("no xattr %q on %v", name, ino))
	}
	delete(ino.Xattrs, name)
	return nil
}

// XattrNames returns the sorted xattr names.
func (ino *Inode) XattrNames() (names []string) {
	for k := range ino.Xattrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return
}

func (ino *Inode) needFile(op string) error {
	if !ino.IsFile() {
		return ino.fail(op, fmt.Sprintf("%v is not a regular file", ino))
	}
	return nil
}

func (ino *Inode) Write(offset, length int64) (err error) {
	if err = ino.needFile("write"); err != nil {
		return
	}
	e, err := ino.Extent.Write(offset, length)
	if err != nil {
		return
	}
	ino.Extent = e
	return
}

func (ino *Inode) Truncate(size int64) (err error) {
	if err = ino.needFile("truncate"); err != nil {
		return
	}
	e, err := ino.Extent.Truncate(size)
	if err != nil {
		return
	}
	ino.Extent = e
	return
}

// Clone splices length bytes of from, starting at fromOffset, into ino
// at offset.
func (ino *Inode) Clone(offset int64, from *Inode, fromOffset, length int64) (err error) {
	if err = ino.needFile("clone"); err != nil {
		return
	}
	if err = from.needFile("clone"); err != nil {
		return
	}
	e, err := ino.Extent.Clone(offset, from.Extent, fromOffset, length)
	if err != nil {
		return
	}
	ino.Extent = e
	return
}
