package compiler

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// RPM actions as given in feature files.  Downgrades are never
// requested directly; the builder turns an install of an older local
// RPM into one.
const (
	RpmInstall        = "install"
	RpmRemoveIfExists = "remove_if_exists"
	rpmDowngrade      = "downgrade"
)

var rpmActionToYumCmd = map[string]string{
	RpmInstall:        "install-n",
	RpmRemoveIfExists: "remove-n",
	rpmDowngrade:      "downgrade",
}

// RpmSpec is an rpms feature entry.  Exactly one of Name and Source,
// the path of a local .rpm file, is set.
type RpmSpec struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Action string `json:"action"`
}

// RpmAction installs or removes one RPM.  All RPM actions of a phase
// are handed to yum together.
type RpmAction struct {
	base
	Name   string
	Source string
	Action string
}

func NewRpmAction(target string, spec RpmSpec) (a *RpmAction, err error) {
	if (spec.Name == "") == (spec.Source == "") {
		return nil, &FieldError{Action: "RpmAction", Field: "name", Reason: "exactly one of name or source must be set"}
	}
	switch spec.Action {
	case RpmInstall, RpmRemoveIfExists:
	default:
		return nil, &FieldError{Action: "RpmAction", Field: "action", Reason: fmt.Sprintf("bad action %q", spec.Action)}
	}
	return &RpmAction{base: base{FromTarget: target}, Name: spec.Name, Source: spec.Source, Action: spec.Action}, nil
}

// Key is the name, or source path, that the action applies to.
func (a *RpmAction) Key() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Source
}

func (a *RpmAction) String() string {
	return fmt.Sprintf("RpmAction{%s: %s %s}", a.FromTarget, a.Action, a.Key())
}

func (a *RpmAction) Phase() Phase {
	if a.Action == RpmRemoveIfExists {
		return RPM_REMOVE
	}
	return RPM_INSTALL
}

func (a *RpmAction) Provides() ([]Provides, error) {
	return nil, nil
}

func (a *RpmAction) Requires() ([]Requires, error) {
	return nil, nil
}

// DetectRpmActionConflicts fails if any RPM is named by more than one
// action, even when the actions agree.  The error aggregates every
// conflict.
func DetectRpmActionConflicts(actions []PhaseAction) error {
	seen := map[string][]string{}
	var order []string
	for _, pa := range actions {
		a, ok := pa.(*RpmAction)
		if !ok {
			continue
		}
		key := a.Key()
		if _, ok := seen[key]; !ok {
			order = append(order, key)
		}
		seen[key] = append(seen[key], fmt.Sprintf("(%s, %s)", a.Action, a.FromTarget))
	}
	var result *multierror.Error
	for _, key := range order {
		if len(seen[key]) > 1 {
			result = multierror.Append(result, &RpmActionConflictError{Name: key, Actions: seen[key]})
		}
	}
	return result.ErrorOrNil()
}

// RpmMetadata identifies an exact RPM version.
type RpmMetadata struct {
	Name    string
	Epoch   int
	Version string
	Release string
}

func (m RpmMetadata) String() string {
	return fmt.Sprintf("%s-%d:%s-%s", m.Name, m.Epoch, m.Version, m.Release)
}

const rpmQueryFormat = "%{NAME}:%{epochnum}:%{VERSION}:%{RELEASE}"

func parseRpmMetadata(out []byte) (m RpmMetadata, err error) {
	fields := strings.Split(strings.TrimSpace(string(out)), ":")
	if len(fields) != 4 {
		return m, fmt.Errorf("bad rpm query output %q", out)
	}
	epoch, err := strconv.Atoi(fields[1])
	if err != nil {
		return m, errors.Wrapf(err, "bad epoch in %q", out)
	}
	return RpmMetadata{Name: fields[0], Epoch: epoch, Version: fields[2], Release: fields[3]}, nil
}

// RpmMetadataFromFile queries a local .rpm file.
func RpmMetadataFromFile(subvol *Subvol, fn string) (m RpmMetadata, err error) {
	if !strings.HasSuffix(fn, ".rpm") {
		return m, &FieldError{Action: "RpmAction", Field: "source", Reason: fmt.Sprintf("%s needs to end with .rpm", fn)}
	}
	out, err := subvol.RunAsRoot("rpm", "--query", "--queryformat", rpmQueryFormat, "--package", fn)
	if err != nil {
		return
	}
	return parseRpmMetadata(out)
}

// RpmMetadataFromSubvol queries the rpm database of subvol for name.
func RpmMetadataFromSubvol(subvol *Subvol, name string) (m RpmMetadata, err error) {
	out, err := subvol.RunAsRoot("rpm", "--query", "--queryformat", rpmQueryFormat,
		"--dbpath", subvol.MustPath("var/lib/rpm"), name)
	if err != nil {
		return
	}
	return parseRpmMetadata(out)
}

// CompareRpmVersions orders a and b by epoch, then version, then
// release.  It returns -1, 0 or 1.
func CompareRpmVersions(a, b RpmMetadata) int {
	Assert(a.Name == b.Name, "cannot compare versions of %s and %s", a.Name, b.Name)
	switch {
	case a.Epoch < b.Epoch:
		return -1
	case a.Epoch > b.Epoch:
		return 1
	}
	if c := rpmvercmp(a.Version, b.Version); c != 0 {
		return c
	}
	return rpmvercmp(a.Release, b.Release)
}

// rpmBuilder returns the builder for one RPM phase.  The actions are
// checked for conflicts again, this time by the names of local RPMs.
func rpmBuilder(phase Phase, actions []PhaseAction, opts *LayerOptions) (PhaseBuilder, error) {
	if err := DetectRpmActionConflicts(actions); err != nil {
		return nil, err
	}
	if (opts.YumFromSnapshot == "") == (opts.BuildAppliance == "") {
		return nil, &BuildError{Item: phase.String(), Reason: "exactly one of yum_from_snapshot or build_appliance must be set"}
	}
	var rpms []*RpmAction
	for _, pa := range actions {
		rpms = append(rpms, pa.(*RpmAction))
	}
	return func(subvol *Subvol) (err error) {
		byAction := map[string][]string{}
		owners := map[string][]string{}
		for _, a := range rpms {
			action, key := a.Action, a.Name
			if a.Source != "" {
				var m RpmMetadata
				m, err = RpmMetadataFromFile(subvol, a.Source)
				if err != nil {
					return
				}
				key = a.Source
				owners[m.Name] = append(owners[m.Name], fmt.Sprintf("(%s, %s)", a.Action, a.FromTarget))
				if action == RpmInstall {
					installed, qerr := RpmMetadataFromSubvol(subvol, m.Name)
					if qerr != nil {
						log.Debugf("%s is not installed: %v", m.Name, qerr)
					} else if CompareRpmVersions(m, installed) <= 0 {
						log.Debugf("%v is not newer than installed %v, downgrading", m, installed)
						action = rpmDowngrade
					}
				}
			} else {
				owners[a.Name] = append(owners[a.Name], fmt.Sprintf("(%s, %s)", a.Action, a.FromTarget))
			}
			byAction[action] = append(byAction[action], key)
		}
		var names []string
		for name := range owners {
			names = append(names, name)
		}
		sort.Strings(names)
		var conflicts *multierror.Error
		for _, name := range names {
			if acts := owners[name]; len(acts) > 1 {
				conflicts = multierror.Append(conflicts, &RpmActionConflictError{Name: name, Actions: acts})
			}
		}
		if err = conflicts.ErrorOrNil(); err != nil {
			return
		}
		protected, err := ProtectedPaths(subvol)
		if err != nil {
			return
		}
		for _, action := range []string{RpmRemoveIfExists, RpmInstall, rpmDowngrade} {
			keys := byAction[action]
			if len(keys) == 0 {
				continue
			}
			sort.Strings(keys)
			if opts.YumFromSnapshot != "" {
				err = yumFromSnapshot(subvol, opts.YumFromSnapshot, protected, action, keys)
			} else {
				err = yumInAppliance(subvol, opts, protected, action, keys)
			}
			if err != nil {
				return errors.Wrapf(err, "%v %s", phase, action)
			}
		}
		return
	}, nil
}

func yumArgs(protectedFlag func(string) []string, protected []string, installRoot, action string, keys []string) (args []string) {
	for _, p := range protected {
		args = append(args, protectedFlag(p)...)
	}
	args = append(args, "--install-root", installRoot, "--", rpmActionToYumCmd[action], "--assumeyes", "--")
	return append(args, keys...)
}

func yumFromSnapshot(subvol *Subvol, yum string, protected []string, action string, keys []string) (err error) {
	argv := []string{"env", "PYTHONDONTWRITEBYTECODE=1", yum}
	argv = append(argv, yumArgs(func(p string) []string {
		return []string{"--protected-path", p}
	}, protected, subvol.MustPath(RootPath), action, keys)...)
	_, err = subvol.RunAsRoot(argv...)
	return
}

// yumInAppliance runs yum from inside the build appliance, with the
// layer bound at /work and each local RPM bound under the root.
func yumInAppliance(subvol *Subvol, opts *LayerOptions, protected []string, action string, keys []string) (err error) {
	applianceDir, err := opts.ResolveTarget(opts.BuildAppliance)
	if err != nil {
		return
	}
	appliance, err := layerSubvolPath(applianceDir, opts.SubvolumesDir)
	if err != nil {
		return
	}
	argv := []string{"systemd-nspawn", "--quiet", "--ephemeral", "--register=no",
		"--directory=" + appliance, "--bind=" + subvol.MustPath(RootPath) + ":/work"}
	inner := make([]string, len(keys))
	for i, k := range keys {
		inner[i] = k
		if filepath.IsAbs(k) {
			dest := fmt.Sprintf("/localhostrpm_%d_%s", i, filepath.Base(k))
			argv = append(argv, "--bind-ro="+k+":"+dest)
			inner[i] = dest
		}
	}
	script := []string{"/yum-from-snapshot"}
	script = append(script, yumArgs(func(p string) []string {
		return []string{"--protected-path=" + p}
	}, protected, "/work", action, inner)...)
	argv = append(argv, "--", "sh", "-uec", QuoteArgv(script))
	_, err = subvol.RunAsRoot(argv...)
	return
}
