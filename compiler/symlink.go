package compiler

import (
	"fmt"
)

// SymlinkSpec is a symlinks_to_dirs or symlinks_to_files feature entry.
type SymlinkSpec struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

// Symlink makes Dest an absolute symlink to Source.  ToDir says whether
// Source is a directory.
type Symlink struct {
	base
	Source string
	Dest   string
	ToDir  bool
}

// symlink sources that need no provider
var wellKnownSymlinkSources = map[string]bool{
	"dev/null": true,
}

func newSymlink(target string, spec SymlinkSpec, toDir bool) (a *Symlink, err error) {
	source, err := NormalizePath(spec.Source)
	if err != nil {
		return
	}
	if spec.Dest == "" {
		return nil, &FieldError{Action: "Symlink", Field: "dest", Reason: "is required"}
	}
	dest, err := rsyncDest(spec.Dest, source)
	if err != nil {
		return
	}
	return &Symlink{base: base{FromTarget: target}, Source: source, Dest: dest, ToDir: toDir}, nil
}

func NewSymlinkToDir(target string, spec SymlinkSpec) (*Symlink, error) {
	return newSymlink(target, spec, true)
}

func NewSymlinkToFile(target string, spec SymlinkSpec) (*Symlink, error) {
	return newSymlink(target, spec, false)
}

func (a *Symlink) String() string {
	kind := "File"
	if a.ToDir {
		kind = "Dir"
	}
	return fmt.Sprintf("SymlinkTo%s{%s: %s -> /%s}", kind, a.FromTarget, a.Dest, a.Source)
}

func (a *Symlink) Provides() ([]Provides, error) {
	if a.ToDir {
		return []Provides{ProvidesDirectory(a.Dest)}, nil
	}
	return []Provides{ProvidesFile(a.Dest)}, nil
}

func (a *Symlink) Requires() (reqs []Requires, err error) {
	switch {
	case a.ToDir:
		reqs = append(reqs, RequireDirectory(a.Source))
	case !wellKnownSymlinkSources[a.Source]:
		reqs = append(reqs, RequireFile(a.Source))
	}
	reqs = append(reqs, RequireDirectory(parentDir(a.Dest)))
	return
}

func (a *Symlink) Build(subvol *Subvol, opts *LayerOptions) (err error) {
	_, err = subvol.RunAsRoot("ln", "--symbolic", "--no-dereference", "/"+a.Source, subvol.MustPath(a.Dest))
	return
}
