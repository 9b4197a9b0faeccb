package compiler

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// ParentLayer starts a layer as a snapshot of the built layer at Path.
type ParentLayer struct {
	base
	Path string
}

// NewParentLayer reads the layer.json of the parent layer.
func NewParentLayer(target, layerJSON, subvolumesDir string) (a *ParentLayer, err error) {
	_, p, err := LoadLayerInfo(layerJSON, subvolumesDir)
	if err != nil {
		return
	}
	return &ParentLayer{base: base{FromTarget: target}, Path: p}, nil
}

func (a *ParentLayer) String() string {
	return fmt.Sprintf("ParentLayer{%s: %s}", a.FromTarget, a.Path)
}

func (a *ParentLayer) Phase() Phase {
	return PARENT_LAYER
}

// Provides lists every path of the parent.  Protected paths are
// provided as DoNotAccess and are not descended into.
func (a *ParentLayer) Provides() (out []Provides, err error) {
	parent := Subvol{}.New(a.Path, nil)
	protected, err := ProtectedPaths(parent)
	if err != nil {
		return
	}
	for _, p := range protected {
		out = append(out, ProvidesDoNotAccess(strings.TrimSuffix(p, "/")))
	}
	sawRoot := false
	err = filepath.WalkDir(a.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(a.Path, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if IsPathProtected(rel, protected) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		isDir := d.IsDir()
		if d.Type()&fs.ModeSymlink != 0 {
			isDir = a.symlinkToDir(p)
		}
		if isDir {
			sawRoot = sawRoot || rel == RootPath
			out = append(out, ProvidesDirectory(rel))
		} else {
			out = append(out, ProvidesFile(rel))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking parent layer %s", a.Path)
	}
	Assert(sawRoot, "parent layer %s did not provide /", a.Path)
	return
}

// symlinkToDir resolves an absolute link target against the layer root
// rather than the build host.
func (a *ParentLayer) symlinkToDir(p string) bool {
	dest, err := os.Readlink(p)
	if err != nil {
		return false
	}
	if filepath.IsAbs(dest) {
		dest = filepath.Join(a.Path, dest)
	} else {
		dest = filepath.Join(filepath.Dir(p), dest)
	}
	fi, err := os.Stat(dest)
	return err == nil && fi.IsDir()
}

func (a *ParentLayer) Requires() ([]Requires, error) {
	return nil, nil
}

// FilesystemRoot starts a layer that has no parent.
type FilesystemRoot struct {
	base
}

func NewFilesystemRoot(target string) *FilesystemRoot {
	return &FilesystemRoot{base: base{FromTarget: target}}
}

func (a *FilesystemRoot) String() string {
	return fmt.Sprintf("FilesystemRoot{%s}", a.FromTarget)
}

func (a *FilesystemRoot) Phase() Phase {
	return PARENT_LAYER
}

func (a *FilesystemRoot) Provides() ([]Provides, error) {
	protected, err := ProtectedPaths(nil)
	if err != nil {
		return nil, err
	}
	out := []Provides{ProvidesDirectory(RootPath)}
	for _, p := range protected {
		out = append(out, ProvidesDoNotAccess(strings.TrimSuffix(p, "/")))
	}
	return out, nil
}

func (a *FilesystemRoot) Requires() ([]Requires, error) {
	return nil, nil
}

func parentLayerBuilder(actions []PhaseAction, opts *LayerOptions) (PhaseBuilder, error) {
	Assert(len(actions) == 1, "a layer has exactly one parent, got %d", len(actions))
	switch a := actions[0].(type) {
	case *ParentLayer:
		return func(subvol *Subvol) (err error) {
			parent := Subvol{}.New(a.Path, subvol.runner)
			log.Debugf("snapshot %v to %v", parent, subvol)
			if err = subvol.Snapshot(parent); err != nil {
				return
			}
			if err = cloneMounts(parent, subvol); err != nil {
				return
			}
			return ensureMetaDir(subvol)
		}, nil
	case *FilesystemRoot:
		return func(subvol *Subvol) (err error) {
			if err = subvol.Create(); err != nil {
				return
			}
			root := subvol.MustPath(RootPath)
			if _, err = subvol.RunAsRoot("chmod", "0755", root); err != nil {
				return
			}
			if _, err = subvol.RunAsRoot("chown", "root:root", root); err != nil {
				return
			}
			return ensureMetaDir(subvol)
		}, nil
	}
	return nil, &BuildError{Item: actions[0].String(), Reason: "is not a parent layer"}
}
