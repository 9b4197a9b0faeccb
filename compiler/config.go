package compiler

import (
	"os"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	. "github.com/stevegt/goadapt"
	"gopkg.in/yaml.v3"
)

// DefaultHostMountPrefixes are the targets allowed to bind-mount host
// paths into a layer.
var DefaultHostMountPrefixes = []string{
	"//fs_image/features/host_mounts",
	"//fs_image/compiler/test",
}

// LayerOptions is the context every action and phase builder is given.
type LayerOptions struct {
	LayerTarget       string            `yaml:"layer_target"`
	TargetToPath      map[string]string `yaml:"target_to_path"`
	SubvolumesDir     string            `yaml:"subvolumes_dir"`
	YumFromSnapshot   string            `yaml:"yum_from_snapshot"`
	BuildAppliance    string            `yaml:"build_appliance"`
	HostMountPrefixes []string          `yaml:"host_mount_prefixes"`
	// Sudo prefixes every privileged command; it is split like a shell
	// would split it.
	Sudo string `yaml:"sudo"`

	Runner Runner `yaml:"-"`
}

// New fills in defaults for unset fields.
func (o LayerOptions) New() *LayerOptions {
	if o.TargetToPath == nil {
		o.TargetToPath = map[string]string{}
	}
	if o.HostMountPrefixes == nil {
		o.HostMountPrefixes = append([]string{}, DefaultHostMountPrefixes...)
	}
	if o.Sudo == "" {
		o.Sudo = "sudo"
	}
	return &o
}

// LoadLayerOptions reads options from a YAML file.
func LoadLayerOptions(fn string) (opts *LayerOptions, err error) {
	defer Return(&err)
	buf, err := os.ReadFile(fn)
	Ck(err)
	o := LayerOptions{}
	err = yaml.Unmarshal(buf, &o)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", fn)
	}
	return o.New(), nil
}

// SudoArgs splits Sudo into argv words.
func (o *LayerOptions) SudoArgs() (args []string, err error) {
	args, err = shlex.Split(o.Sudo)
	if err != nil {
		return nil, errors.Wrapf(err, "splitting sudo prefix %q", o.Sudo)
	}
	return
}

// GetRunner returns Runner, or an ExecRunner prefixed by Sudo.
func (o *LayerOptions) GetRunner() (r Runner, err error) {
	if o.Runner != nil {
		return o.Runner, nil
	}
	prefix, err := o.SudoArgs()
	if err != nil {
		return
	}
	o.Runner = &ExecRunner{Prefix: prefix}
	return o.Runner, nil
}

// ResolveTarget maps a target name to its output path.
func (o *LayerOptions) ResolveTarget(target string) (string, error) {
	p, ok := o.TargetToPath[target]
	if !ok || p == "" {
		return "", &UnresolvedTargetError{Target: target}
	}
	return p, nil
}
