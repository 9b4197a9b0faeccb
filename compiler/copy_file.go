package compiler

import (
	"fmt"
	"path"
	"strings"
)

// CopyFileSpec is a copy_files or install_files feature entry.
type CopyFileSpec struct {
	Source       string `json:"source"`
	Dest         string `json:"dest"`
	IsExecutable bool   `json:"is_executable_"`
	StatOptions
}

// CopyFile installs one file from the build host.
type CopyFile struct {
	base
	Source string
	Dest   string
	Stat   StatOptions
}

// rsyncDest follows the rsync convention: a dest ending in a slash
// names the directory to copy source into.
func rsyncDest(dest, source string) (string, error) {
	if strings.HasSuffix(dest, "/") {
		dest = path.Join(dest, path.Base(source))
	}
	return NormalizePath(dest)
}

func NewCopyFile(target string, spec CopyFileSpec) (a *CopyFile, err error) {
	if spec.Source == "" {
		return nil, &FieldError{Action: "CopyFile", Field: "source", Reason: "is required"}
	}
	if spec.Dest == "" {
		return nil, &FieldError{Action: "CopyFile", Field: "dest", Reason: "is required"}
	}
	dest, err := rsyncDest(spec.Dest, spec.Source)
	if err != nil {
		return
	}
	if dest == RootPath {
		return nil, &FieldError{Action: "CopyFile", Field: "dest", Reason: "cannot be the layer root"}
	}
	var mode uint32 = 0444
	if spec.IsExecutable {
		mode = 0555
	}
	a = &CopyFile{
		base:   base{FromTarget: target},
		Source: spec.Source,
		Dest:   dest,
		Stat:   spec.StatOptions.withDefaults(mode),
	}
	return
}

func (a *CopyFile) String() string {
	return fmt.Sprintf("CopyFile{%s: %s -> %s}", a.FromTarget, a.Source, a.Dest)
}

func (a *CopyFile) Provides() ([]Provides, error) {
	return []Provides{ProvidesFile(a.Dest)}, nil
}

func (a *CopyFile) Requires() ([]Requires, error) {
	return []Requires{RequireDirectory(parentDir(a.Dest))}, nil
}

func (a *CopyFile) Build(subvol *Subvol, opts *LayerOptions) (err error) {
	dest := subvol.MustPath(a.Dest)
	if _, err = subvol.RunAsRoot("cp", a.Source, dest); err != nil {
		return
	}
	return a.Stat.build(subvol, dest)
}
