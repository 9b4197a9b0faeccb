package compiler

import (
	"reflect"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

func item(name string, provs []Provides, reqs []Requires) *fakeItem {
	return &fakeItem{base: base{FromTarget: "//t:" + name}, name: name, provs: provs, reqs: reqs}
}

func mustMakeDirs(t *testing.T, into, toMake string) *MakeDirs {
	t.Helper()
	a, err := NewMakeDirs("//f", MakeDirsSpec{IntoDir: into, PathToMake: toMake})
	ck(t, err)
	return a
}

func mustRpm(t *testing.T, target, name, action string) *RpmAction {
	t.Helper()
	a, err := NewRpmAction(target, RpmSpec{Name: name, Action: action})
	ck(t, err)
	return a
}

func TestScheduleMakeDirs(t *testing.T) {
	root := NewFilesystemRoot("//l")
	outer := mustMakeDirs(t, "/", "foo/bar")
	inner := mustMakeDirs(t, "/foo/bar", "baz")
	steps, err := Schedule([]Action{inner, root, outer})
	ck(t, err)
	expect := []string{
		"PARENT_LAYER: [FilesystemRoot{//l}]",
		"MakeDirs{//f: foo/bar in .}",
		"MakeDirs{//f: baz in foo/bar}",
	}
	got := stepNames(steps)
	tassert(t, reflect.DeepEqual(got, expect), "expected %v got %v", expect, got)
}

func TestScheduleDeclarationOrder(t *testing.T) {
	root := NewFilesystemRoot("//l")
	b := item("b", []Provides{ProvidesDirectory("b")}, []Requires{RequireDirectory(".")})
	a := item("a", []Provides{ProvidesDirectory("a")}, []Requires{RequireDirectory(".")})
	c := item("c", []Provides{ProvidesFile("a/c")}, []Requires{RequireDirectory("a")})
	free := item("free", nil, nil)
	steps, err := Schedule([]Action{root, c, b, free, a})
	ck(t, err)
	got := stepNames(steps)
	expect := []string{"PARENT_LAYER: [FilesystemRoot{//l}]", "b", "free", "a", "c"}
	tassert(t, reflect.DeepEqual(got, expect), "expected %v got %v", expect, got)
}

func TestScheduleOnce(t *testing.T) {
	root := NewFilesystemRoot("//l")
	a := item("a", []Provides{ProvidesDirectory("a")}, []Requires{RequireDirectory(".")})
	c := item("c", []Provides{ProvidesFile("a/c")}, []Requires{RequireDirectory("a")})
	g, err := NewDependencyGraph([]Action{root, c, a})
	ck(t, err)
	steps, err := g.Schedule()
	ck(t, err)
	got := stepNames(steps)
	expect := []string{"PARENT_LAYER: [FilesystemRoot{//l}]", "a", "c"}
	tassert(t, reflect.DeepEqual(got, expect), "expected %v got %v", expect, got)

	// the edges are gone, so a second order would be wrong
	_, err = g.Schedule()
	var berr *BuildError
	tassert(t, errors.As(err, &berr), "expected BuildError, got %v", err)
	tassert(t, strings.Contains(berr.Reason, "already scheduled"), "reason %q", berr.Reason)
}

func TestSchedulePhases(t *testing.T) {
	root := NewFilesystemRoot("//l")
	rm, err := NewRemovePath("//f", RemovePathSpec{Path: "/etc/x", Action: RemoveIfExists})
	ck(t, err)
	install := mustRpm(t, "//f", "bash", RpmInstall)
	remove := mustRpm(t, "//f", "vim", RpmRemoveIfExists)
	dirs := mustMakeDirs(t, "/", "etc")
	steps, err := Schedule([]Action{rm, install, dirs, remove, root})
	ck(t, err)
	got := stepNames(steps)
	expect := []string{
		"PARENT_LAYER: [FilesystemRoot{//l}]",
		"RPM_REMOVE: [RpmAction{//f: remove_if_exists vim}]",
		"RPM_INSTALL: [RpmAction{//f: install bash}]",
		"MakeDirs{//f: etc in .}",
		"REMOVE_PATHS: [RemovePath{//f: if_exists etc/x}]",
	}
	tassert(t, reflect.DeepEqual(got, expect), "expected %v got %v", expect, got)
	for i, s := range steps {
		tassert(t, (s.Phase == NoPhase) == (s.Item != nil), "step %d: %v", i, s)
	}
}

func TestScheduleNeedsParent(t *testing.T) {
	_, err := Schedule([]Action{mustMakeDirs(t, "/", "a")})
	var berr *BuildError
	tassert(t, errors.As(err, &berr), "expected BuildError, got %v", err)
}

func TestDuplicatePath(t *testing.T) {
	a, err := NewCopyFile("//a", CopyFileSpec{Source: "/src/x", Dest: "/y"})
	ck(t, err)
	b, err := NewCopyFile("//b", CopyFileSpec{Source: "/src/y", Dest: "/y"})
	ck(t, err)
	_, err = Schedule([]Action{NewFilesystemRoot("//l"), a, b})
	var derr *DuplicatePathError
	tassert(t, errors.As(err, &derr), "expected DuplicatePathError, got %v", err)
	tassert(t, derr.Path == "y", "path %q", derr.Path)
	expect := []string{a.String(), b.String()}
	tassert(t, reflect.DeepEqual(derr.Providers, expect), "providers %v", derr.Providers)
	tassert(t, strings.Contains(err.Error(), "provide the same path y"), "%v", err)
}

func TestDuplicateParentPath(t *testing.T) {
	// a second provider of the root conflicts with the parent
	a := item("a", []Provides{ProvidesDirectory(".")}, nil)
	_, err := Schedule([]Action{NewFilesystemRoot("//l"), a})
	var derr *DuplicatePathError
	tassert(t, errors.As(err, &derr), "expected DuplicatePathError, got %v", err)
}

func TestUnsatisfiedRequirement(t *testing.T) {
	a, err := NewCopyFile("//a", CopyFileSpec{Source: "/src/x", Dest: "/nodir/"})
	ck(t, err)
	_, err = Schedule([]Action{NewFilesystemRoot("//l"), a})
	var uerr *UnsatisfiedRequirementError
	tassert(t, errors.As(err, &uerr), "expected UnsatisfiedRequirementError, got %v", err)
	tassert(t, uerr.Requires == RequireDirectory("nodir"), "requires %v", uerr.Requires)
	tassert(t, uerr.Requirer == a.String(), "requirer %v", uerr.Requirer)
	tassert(t, len(uerr.Providers) == 0, "providers %v", uerr.Providers)

	// a file does not satisfy a directory requirement
	f := item("f", []Provides{ProvidesFile("nodir")}, []Requires{RequireDirectory(".")})
	_, err = Schedule([]Action{NewFilesystemRoot("//l"), a, f})
	tassert(t, errors.As(err, &uerr), "expected UnsatisfiedRequirementError, got %v", err)
	tassert(t, len(uerr.Providers) == 1, "providers %v", uerr.Providers)
}

func TestDoNotAccessSatisfiesNothing(t *testing.T) {
	mnt := item("mnt", []Provides{ProvidesDoNotAccess("mnt")}, []Requires{RequireDirectory(".")})
	cp, err := NewCopyFile("//a", CopyFileSpec{Source: "/src/x", Dest: "/mnt/"})
	ck(t, err)
	_, err = Schedule([]Action{NewFilesystemRoot("//l"), mnt, cp})
	var uerr *UnsatisfiedRequirementError
	tassert(t, errors.As(err, &uerr), "expected UnsatisfiedRequirementError, got %v", err)
	tassert(t, uerr.Requires.Path == "mnt", "path %v", uerr.Requires)
}

func TestSameItemPath(t *testing.T) {
	a := item("a", []Provides{ProvidesDirectory("x")}, []Requires{RequireDirectory("x")})
	_, err := Schedule([]Action{NewFilesystemRoot("//l"), a})
	var serr *SameItemPathError
	tassert(t, errors.As(err, &serr), "expected SameItemPathError, got %v", err)
	tassert(t, serr.Path == "x" && serr.Item == "a", "%v", serr)
}

func TestDependencyCycle(t *testing.T) {
	a := item("a", []Provides{ProvidesFile("x")}, []Requires{RequireFile("y")})
	b := item("b", []Provides{ProvidesFile("y")}, []Requires{RequireFile("x")})
	c := item("c", []Provides{ProvidesFile("z")}, nil)
	steps, err := Schedule([]Action{NewFilesystemRoot("//l"), a, b, c})
	var cerr *DependencyCycleError
	tassert(t, errors.As(err, &cerr), "expected DependencyCycleError, got %v", err)
	tassert(t, steps == nil, "partial order %v", steps)
	expect := map[string][]string{"a": {"b"}, "b": {"a"}}
	tassert(t, reflect.DeepEqual(cerr.Residual, expect), "residual %v", cerr.Residual)
	tassert(t, err.Error() == "Cycle in a -> [b]; b -> [a]", "%v", err)
}

func TestRpmActionConflict(t *testing.T) {
	one := mustRpm(t, "//a", "x", RpmInstall)
	two := mustRpm(t, "//b", "x", RpmInstall)
	_, err := Schedule([]Action{NewFilesystemRoot("//l"), one, two})
	var rerr *RpmActionConflictError
	tassert(t, errors.As(err, &rerr), "expected RpmActionConflictError, got %v", err)
	tassert(t, rerr.Name == "x", "name %v", rerr.Name)
	expect := []string{"(install, //a)", "(install, //b)"}
	tassert(t, reflect.DeepEqual(rerr.Actions, expect), "actions %v", rerr.Actions)

	// conflicts across phases are aggregated
	err = DetectRpmActionConflicts([]PhaseAction{
		mustRpm(t, "//a", "x", RpmInstall),
		mustRpm(t, "//a", "y", RpmInstall),
		mustRpm(t, "//b", "x", RpmRemoveIfExists),
		mustRpm(t, "//b", "y", RpmInstall),
		mustRpm(t, "//b", "z", RpmInstall),
	})
	merr, ok := err.(*multierror.Error)
	tassert(t, ok, "expected multierror, got %T %v", err, err)
	tassert(t, len(merr.Errors) == 2, "errors %v", merr.Errors)
	tassert(t, strings.Contains(merr.Errors[0].Error(), "RPM action conflict for x"), "%v", merr.Errors[0])
	tassert(t, strings.Contains(merr.Errors[1].Error(), "RPM action conflict for y"), "%v", merr.Errors[1])

	ck(t, DetectRpmActionConflicts([]PhaseAction{one, NewFilesystemRoot("//l")}))
}

func TestNotABuilder(t *testing.T) {
	// hiding Phase leaves an action that nothing can build
	rm, err := NewRemovePath("//f", RemovePathSpec{Path: "x", Action: RemoveIfExists})
	ck(t, err)
	var a Action = struct{ Action }{rm}
	_, err = Schedule([]Action{NewFilesystemRoot("//l"), a})
	var berr *BuildError
	tassert(t, errors.As(err, &berr), "expected BuildError, got %v", err)
}
