package compiler

import (
	"fmt"
	"strings"
)

// MakeDirsSpec is a make_dirs feature entry.
type MakeDirsSpec struct {
	IntoDir    string `json:"into_dir"`
	PathToMake string `json:"path_to_make"`
	StatOptions
}

// MakeDirs creates PathToMake, and any missing parents, inside IntoDir.
type MakeDirs struct {
	base
	IntoDir    string
	PathToMake string
	Stat       StatOptions
}

func NewMakeDirs(target string, spec MakeDirsSpec) (a *MakeDirs, err error) {
	into, err := NormalizePath(spec.IntoDir)
	if err != nil {
		return
	}
	toMake, err := NormalizePath(spec.PathToMake)
	if err != nil {
		return
	}
	if toMake == RootPath {
		return nil, &FieldError{Action: "MakeDirs", Field: "path_to_make", Reason: "is empty"}
	}
	a = &MakeDirs{
		base:       base{FromTarget: target},
		IntoDir:    into,
		PathToMake: toMake,
		Stat:       spec.StatOptions.withDefaults(0755),
	}
	return
}

func (a *MakeDirs) String() string {
	return fmt.Sprintf("MakeDirs{%s: %s in %s}", a.FromTarget, a.PathToMake, a.IntoDir)
}

// Provides yields every directory from the innermost one up to, but not
// including, IntoDir.
func (a *MakeDirs) Provides() (provs []Provides, err error) {
	for p := joinPath(a.IntoDir, a.PathToMake); p != a.IntoDir; p = parentDir(p) {
		provs = append(provs, ProvidesDirectory(p))
	}
	return
}

func (a *MakeDirs) Requires() ([]Requires, error) {
	return []Requires{RequireDirectory(a.IntoDir)}, nil
}

func (a *MakeDirs) Build(subvol *Subvol, opts *LayerOptions) (err error) {
	outer := strings.SplitN(a.PathToMake, "/", 2)[0]
	inner := subvol.MustPath(joinPath(a.IntoDir, a.PathToMake))
	if _, err = subvol.RunAsRoot("mkdir", "-p", inner); err != nil {
		return
	}
	return a.Stat.build(subvol, subvol.MustPath(joinPath(a.IntoDir, outer)))
}
