package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	. "github.com/stevegt/goadapt"
)

// MountSpec is a mounts feature entry.  Exactly one of Target, the
// output directory of a mount config target, or MountConfig is set.
type MountSpec struct {
	Mountpoint  string          `json:"mountpoint"`
	Target      string          `json:"target"`
	MountConfig json.RawMessage `json:"mount_config"`
}

// MountSource says where a mount comes from: a built "layer" target or
// a "host" path.
type MountSource struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

type mountConfig struct {
	DefaultMountpoint string                 `json:"default_mountpoint"`
	IsDirectory       *bool                  `json:"is_directory"`
	BuildSource       *MountSource           `json:"build_source"`
	RuntimeSource     map[string]interface{} `json:"runtime_source"`
}

// MountConfigFile is the mount config inside a mount target's output.
const MountConfigFile = "mountconfig.json"

// Mount bind-mounts BuildSource read-only at Mountpoint and records the
// mount under meta/private/mount.
type Mount struct {
	base
	Mountpoint    string
	IsDirectory   bool
	BuildSource   MountSource
	RuntimeSource map[string]interface{}
}

func NewMount(target string, spec MountSpec, opts *LayerOptions) (a *Mount, err error) {
	defer Return(&err)
	hasCfg := len(spec.MountConfig) > 0 && string(spec.MountConfig) != "null"
	if (spec.Target == "") == !hasCfg {
		return nil, &FieldError{Action: "Mount", Field: "target", Reason: "exactly one of target or mount_config must be set"}
	}
	raw := []byte(spec.MountConfig)
	if !hasCfg {
		raw, err = os.ReadFile(filepath.Join(spec.Target, MountConfigFile))
		Ck(err)
	}
	var cfg mountConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err = dec.Decode(&cfg); err != nil {
		return nil, &FieldError{Action: "Mount", Field: "mount_config", Reason: err.Error()}
	}
	mp := spec.Mountpoint
	if mp == "" {
		mp = cfg.DefaultMountpoint
	}
	if mp == "" {
		return nil, &FieldError{Action: "Mount", Field: "mountpoint", Reason: "is not set and there is no default_mountpoint"}
	}
	if mp, err = NormalizePath(mp); err != nil {
		return
	}
	if mp == RootPath {
		return nil, &FieldError{Action: "Mount", Field: "mountpoint", Reason: "cannot be the layer root"}
	}
	if cfg.IsDirectory == nil {
		return nil, &FieldError{Action: "Mount", Field: "is_directory", Reason: "is required"}
	}
	if cfg.BuildSource == nil {
		return nil, &FieldError{Action: "Mount", Field: "build_source", Reason: "is required"}
	}
	switch cfg.BuildSource.Type {
	case "layer":
	case "host":
		if !hasAnyPrefix(target, opts.HostMountPrefixes) {
			return nil, &FieldError{Action: "Mount", Field: "build_source",
				Reason: fmt.Sprintf("host mounts are only allowed from targets under %v, not %s", opts.HostMountPrefixes, target)}
		}
	default:
		return nil, &FieldError{Action: "Mount", Field: "build_source", Reason: fmt.Sprintf("bad mount source type %q", cfg.BuildSource.Type)}
	}
	if t, _ := cfg.RuntimeSource["type"].(string); t == "host" {
		return nil, &FieldError{Action: "Mount", Field: "runtime_source", Reason: "only build_source may specify host mounts"}
	}
	a = &Mount{
		base:          base{FromTarget: target},
		Mountpoint:    mp,
		IsDirectory:   *cfg.IsDirectory,
		BuildSource:   *cfg.BuildSource,
		RuntimeSource: cfg.RuntimeSource,
	}
	return
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func (a *Mount) String() string {
	return fmt.Sprintf("Mount{%s: %s %s at %s}", a.FromTarget, a.BuildSource.Type, a.BuildSource.Source, a.Mountpoint)
}

func (a *Mount) Provides() ([]Provides, error) {
	return []Provides{ProvidesDoNotAccess(a.Mountpoint)}, nil
}

func (a *Mount) Requires() ([]Requires, error) {
	return []Requires{RequireDirectory(parentDir(a.Mountpoint))}, nil
}

// sourcePath resolves BuildSource on the build host.  A layer that has
// mounts of its own is refused.
func (a *Mount) sourcePath(opts *LayerOptions) (p string, err error) {
	if a.BuildSource.Type == "host" {
		return a.BuildSource.Source, nil
	}
	outDir, err := opts.ResolveTarget(a.BuildSource.Source)
	if err != nil {
		return
	}
	p, err = layerSubvolPath(outDir, opts.SubvolumesDir)
	if err != nil {
		return
	}
	if _, err := os.Lstat(filepath.Join(p, metaMountsDir)); err == nil {
		return "", &BuildError{Item: a.String(), Reason: fmt.Sprintf("refusing to mount %s since that would need nested mounts", p)}
	}
	return
}

func (a *Mount) Build(subvol *Subvol, opts *LayerOptions) (err error) {
	mountDir := subvol.MustPath(filepath.Join(metaMountsDir, a.Mountpoint, mountMarker))
	if _, err = subvol.RunAsRoot("mkdir", "--parents", mountDir); err != nil {
		return
	}
	for _, rec := range []struct {
		name string
		data interface{}
	}{
		{"is_directory", a.IsDirectory},
		{"build_source", a.BuildSource},
		{"runtime_source", a.RuntimeSource},
	} {
		buf, err := json.Marshal(rec.data)
		if err != nil {
			return err
		}
		_, err = subvol.RunAsRootStdin(bytes.NewReader(append(buf, '\n')), "tee", filepath.Join(mountDir, rec.name))
		if err != nil {
			return err
		}
	}
	src, err := a.sourcePath(opts)
	if err != nil {
		return
	}
	fi, err := os.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "mount source of %v", a)
	}
	if fi.IsDir() != a.IsDirectory {
		return &BuildError{Item: a.String(), Reason: fmt.Sprintf("source %s is_directory=%v", src, fi.IsDir())}
	}
	dest := subvol.MustPath(a.Mountpoint)
	if a.IsDirectory {
		_, err = subvol.RunAsRoot("mkdir", "--mode=0755", dest)
	} else {
		_, err = subvol.RunAsRoot("touch", dest)
	}
	if err != nil {
		return
	}
	return roRbindMount(src, subvol, a.Mountpoint)
}
