package compiler

import (
	"fmt"
	"sort"
	"strings"
)

// InvalidPathError is returned for a path that escapes the layer root
// or enters MetaDir.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("path %s %s", e.Path, e.Reason)
}

// FieldError reports a malformed action field.
type FieldError struct {
	Action string
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: field %s: %s", e.Action, e.Field, e.Reason)
}

// SameItemPathError is returned when one action both requires and
// provides a path, or names it twice.
type SameItemPathError struct {
	Path string
	Item string
}

func (e *SameItemPathError) Error() string {
	return fmt.Sprintf("same path %s twice in %s", e.Path, e.Item)
}

// DuplicatePathError is returned when two actions provide one path.
type DuplicatePathError struct {
	Path      string
	Providers []string
}

func (e *DuplicatePathError) Error() string {
	return fmt.Sprintf("Both %s provide the same path %s", strings.Join(e.Providers, " and "), e.Path)
}

// UnsatisfiedRequirementError is returned when nothing provides what an
// action requires.
type UnsatisfiedRequirementError struct {
	Requires  Requires
	Requirer  string
	Providers []string
}

func (e *UnsatisfiedRequirementError) Error() string {
	return fmt.Sprintf("At %s: nothing in %v matches the requirement %v of %s",
		e.Requires.Path, e.Providers, e.Requires, e.Requirer)
}

// RpmActionConflictError is returned when a layer acts on one RPM more
// than once.
type RpmActionConflictError struct {
	Name    string
	Actions []string
}

func (e *RpmActionConflictError) Error() string {
	return fmt.Sprintf("RPM action conflict for %s: %v", e.Name, e.Actions)
}

// DependencyCycleError carries the predecessors that could not be
// scheduled.
type DependencyCycleError struct {
	Residual map[string][]string
}

func (e *DependencyCycleError) Error() string {
	var keys []string
	for k := range e.Residual {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s -> %v", k, e.Residual[k]))
	}
	return "Cycle in " + strings.Join(parts, "; ")
}

// UnresolvedTargetError is returned when a feature refers to a target
// missing from LayerOptions.TargetToPath.
type UnresolvedTargetError struct {
	Target string
}

func (e *UnresolvedTargetError) Error() string {
	return fmt.Sprintf("%s not in the target to path map", e.Target)
}

// FeatureError wraps the failure to build one feature entry.
type FeatureError struct {
	Key    string
	Entry  string
	Target string
	Err    error
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("Failed to process %s: %s from target %s: %v", e.Key, e.Entry, e.Target, e.Err)
}

func (e *FeatureError) Unwrap() error {
	return e.Err
}

// BuildError reports a layer that could not be built from valid
// actions, e.g. a protected path that a phase would remove.
type BuildError struct {
	Item   string
	Reason string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s", e.Item, e.Reason)
}
