package compiler

import "fmt"

// Predicate is what a Provides asserts, or a Requires needs, about a
// path.
type Predicate int

const (
	IsDirectory Predicate = iota
	IsFile
	DoNotAccess
)

func (p Predicate) String() string {
	switch p {
	case IsDirectory:
		return "Directory"
	case IsFile:
		return "File"
	case DoNotAccess:
		return "DoNotAccess"
	}
	return fmt.Sprintf("Predicate(%d)", int(p))
}

// PathPredicate pairs a normalized relative path with a predicate.
type PathPredicate struct {
	Path      string
	Predicate Predicate
}

// Provides is an assertion an action makes about the finished layer.
// A File is any non-directory leaf.
type Provides struct {
	PathPredicate
}

func (p Provides) String() string {
	return fmt.Sprintf("Provides%v(%s)", p.Predicate, p.Path)
}

// Requires must hold before an action runs.  Only IsDirectory and
// IsFile may be required.
type Requires struct {
	PathPredicate
}

func (r Requires) String() string {
	return fmt.Sprintf("Require%v(%s)", r.Predicate, r.Path)
}

func ProvidesDirectory(p string) Provides {
	return Provides{PathPredicate{Path: p, Predicate: IsDirectory}}
}

func ProvidesFile(p string) Provides {
	return Provides{PathPredicate{Path: p, Predicate: IsFile}}
}

func ProvidesDoNotAccess(p string) Provides {
	return Provides{PathPredicate{Path: p, Predicate: DoNotAccess}}
}

func RequireDirectory(p string) Requires {
	return Requires{PathPredicate{Path: p, Predicate: IsDirectory}}
}

func RequireFile(p string) Requires {
	return Requires{PathPredicate{Path: p, Predicate: IsFile}}
}

// Matches reports whether p satisfies r.  Both must be at the same
// path.  DoNotAccess satisfies nothing.
func (p Provides) Matches(r Requires) bool {
	if p.Path != r.Path {
		return false
	}
	switch p.Predicate {
	case IsDirectory:
		return r.Predicate == IsDirectory
	case IsFile:
		return r.Predicate == IsFile
	}
	return false
}
