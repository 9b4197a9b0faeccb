package compiler

import (
	"fmt"
)

// Phase is a fixed position in the build order for actions that are
// not sorted by their dependencies.
type Phase int

const (
	// NoPhase marks a dependency-sorted action.
	NoPhase Phase = iota
	PARENT_LAYER
	RPM_REMOVE
	RPM_INSTALL
	REMOVE_PATHS
)

func (p Phase) String() string {
	switch p {
	case NoPhase:
		return "NoPhase"
	case PARENT_LAYER:
		return "PARENT_LAYER"
	case RPM_REMOVE:
		return "RPM_REMOVE"
	case RPM_INSTALL:
		return "RPM_INSTALL"
	case REMOVE_PATHS:
		return "REMOVE_PATHS"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// AfterItems is true for phases that run after the dependency-sorted
// actions.
func (p Phase) AfterItems() bool {
	return p == REMOVE_PATHS
}

// Action is one declared change to a layer.  Provides and Requires must
// be deterministic and may be called any number of times.
type Action interface {
	fmt.Stringer
	// Target is the feature target that declared the action.
	Target() string
	Provides() ([]Provides, error)
	Requires() ([]Requires, error)
}

// Builder is an Action that is built in dependency order.
type Builder interface {
	Action
	Build(subvol *Subvol, opts *LayerOptions) error
}

// PhaseAction is an Action that is built together with the rest of its
// phase by that phase's builder.
type PhaseAction interface {
	Action
	Phase() Phase
}

// PhaseBuilder applies every action of one phase.
type PhaseBuilder func(subvol *Subvol) error

// NewPhaseBuilder returns the builder for actions, which must all be in
// phase.
func NewPhaseBuilder(phase Phase, actions []PhaseAction, opts *LayerOptions) (PhaseBuilder, error) {
	for _, a := range actions {
		if a.Phase() != phase {
			return nil, &BuildError{Item: a.String(), Reason: fmt.Sprintf("is not in phase %v", phase)}
		}
	}
	switch phase {
	case PARENT_LAYER:
		return parentLayerBuilder(actions, opts)
	case RPM_REMOVE, RPM_INSTALL:
		return rpmBuilder(phase, actions, opts)
	case REMOVE_PATHS:
		return removePathsBuilder(actions, opts)
	}
	return nil, &BuildError{Item: phase.String(), Reason: "no builder for phase"}
}

// base carries the declaring target of every action.
type base struct {
	FromTarget string `json:"-"`
}

func (b base) Target() string {
	return b.FromTarget
}
