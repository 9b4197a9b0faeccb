package compiler

import (
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	RemoveIfExists     = "if_exists"
	RemoveAssertExists = "assert_exists"
)

// RemovePathSpec is a remove_paths feature entry.
type RemovePathSpec struct {
	Path   string `json:"path"`
	Action string `json:"action"`
}

// RemovePath deletes a path left by earlier actions or the parent.
type RemovePath struct {
	base
	Path   string
	Action string
}

func NewRemovePath(target string, spec RemovePathSpec) (a *RemovePath, err error) {
	switch spec.Action {
	case RemoveIfExists, RemoveAssertExists:
	default:
		return nil, &FieldError{Action: "RemovePath", Field: "action", Reason: fmt.Sprintf("bad action %q", spec.Action)}
	}
	p, err := NormalizePath(spec.Path)
	if err != nil {
		return
	}
	if p == RootPath {
		return nil, &FieldError{Action: "RemovePath", Field: "path", Reason: "cannot remove the layer root"}
	}
	return &RemovePath{base: base{FromTarget: target}, Path: p, Action: spec.Action}, nil
}

func (a *RemovePath) String() string {
	return fmt.Sprintf("RemovePath{%s: %s %s}", a.FromTarget, a.Action, a.Path)
}

func (a *RemovePath) Phase() Phase {
	return REMOVE_PATHS
}

func (a *RemovePath) Provides() ([]Provides, error) {
	return nil, nil
}

func (a *RemovePath) Requires() ([]Requires, error) {
	return nil, nil
}

// removePathsBuilder removes children before their parents: the
// actions are sorted by path, if_exists first, and applied in reverse.
func removePathsBuilder(actions []PhaseAction, opts *LayerOptions) (PhaseBuilder, error) {
	var items []*RemovePath
	for _, pa := range actions {
		items = append(items, pa.(*RemovePath))
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Path != items[j].Path {
			return items[i].Path < items[j].Path
		}
		return items[i].Action == RemoveIfExists && items[j].Action == RemoveAssertExists
	})
	return func(subvol *Subvol) (err error) {
		protected, err := ProtectedPaths(subvol)
		if err != nil {
			return
		}
		for i := len(items) - 1; i >= 0; i-- {
			a := items[i]
			if IsPathProtected(a.Path, protected) {
				return &BuildError{Item: a.String(), Reason: fmt.Sprintf("Cannot remove protected %s: %v", a.Path, protected)}
			}
			full := subvol.MustPath(a.Path)
			if _, err = os.Lstat(full); err != nil {
				if !os.IsNotExist(err) {
					return errors.Wrapf(err, "%v", a)
				}
				err = nil
				if a.Action == RemoveAssertExists {
					return &BuildError{Item: a.String(), Reason: fmt.Sprintf("Path does not exist: %s", full)}
				}
				log.Debugf("%v: nothing to remove", a)
				continue
			}
			if _, err = subvol.RunAsRoot("rm", "-r", "--one-file-system", full); err != nil {
				return
			}
		}
		return
	}, nil
}
