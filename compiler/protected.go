package compiler

import (
	"encoding/json"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

const (
	metaMountsDir = "meta/private/mount"
	mountMarker   = "MOUNT"
)

// MountpointsFromMeta lists the mountpoints recorded in subvol, relative
// to the layer root.  Directories get a trailing slash.
func MountpointsFromMeta(subvol *Subvol) (mps []string, err error) {
	root := subvol.MustPath(metaMountsDir)
	if _, err = os.Lstat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return
	}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || d.Name() != mountMarker {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		buf, err := os.ReadFile(filepath.Join(p, "is_directory"))
		if err != nil {
			return err
		}
		var isDir bool
		if err = json.Unmarshal(buf, &isDir); err != nil {
			return errors.Wrapf(err, "parsing %s/is_directory", p)
		}
		mp := path.Dir(filepath.ToSlash(rel))
		if isDir {
			mp += "/"
		}
		mps = append(mps, mp)
		return filepath.SkipDir
	})
	sort.Strings(mps)
	return
}

// ProtectedPaths returns MetaDir plus the mountpoints of subvol, which
// may be nil for a layer that does not exist yet.
func ProtectedPaths(subvol *Subvol) (paths []string, err error) {
	paths = []string{MetaDir}
	if subvol == nil {
		return
	}
	mps, err := MountpointsFromMeta(subvol)
	if err != nil {
		return nil, err
	}
	return append(paths, mps...), nil
}

// roRbindMount mounts src read-only at dest inside subvol.
func roRbindMount(src string, subvol *Subvol, dest string) (err error) {
	full := subvol.MustPath(dest)
	if _, err = subvol.RunAsRoot("mount", "-o", "ro,rbind", src, full); err != nil {
		return
	}
	_, err = subvol.RunAsRoot("mount", "--make-rslave", full)
	return
}

// cloneMounts repeats the mounts of from, a layer that to was just
// snapshotted from.
func cloneMounts(from, to *Subvol) (err error) {
	fromMps, err := MountpointsFromMeta(from)
	if err != nil {
		return
	}
	toMps, err := MountpointsFromMeta(to)
	if err != nil {
		return
	}
	if !equalStrings(fromMps, toMps) {
		return &BuildError{Item: to.String(), Reason: "mountpoints differ from the parent's"}
	}
	for _, mp := range toMps {
		if err = roRbindMount(from.MustPath(mp), to, mp); err != nil {
			return
		}
	}
	return
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ensureMetaDir creates MetaDir in subvol.
func ensureMetaDir(subvol *Subvol) (err error) {
	_, err = subvol.RunAsRoot("mkdir", "--mode=0755", "--parents", subvol.MustPath(MetaDir))
	return
}
