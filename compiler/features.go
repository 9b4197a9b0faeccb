package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/tidwall/jsonc"
)

// targetTag marks a dict that stands for the output path of a target.
const targetTag = "__BUCK_TARGET"

type actionMaker func(target string, raw []byte, opts *LayerOptions) (Action, error)

// decodeStrict decodes raw into v, refusing fields v does not have.
func decodeStrict(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func copyFileMaker(target string, raw []byte, opts *LayerOptions) (Action, error) {
	var spec CopyFileSpec
	if err := decodeStrict(raw, &spec); err != nil {
		return nil, err
	}
	return NewCopyFile(target, spec)
}

// featureKeys lists the action lists a feature may hold, in the order
// they are read.
var featureKeys = []struct {
	key   string
	maker actionMaker
}{
	{"install_files", copyFileMaker},
	{"copy_files", copyFileMaker},
	{"make_dirs", func(target string, raw []byte, opts *LayerOptions) (Action, error) {
		var spec MakeDirsSpec
		if err := decodeStrict(raw, &spec); err != nil {
			return nil, err
		}
		return NewMakeDirs(target, spec)
	}},
	{"mounts", func(target string, raw []byte, opts *LayerOptions) (Action, error) {
		var spec MountSpec
		if err := decodeStrict(raw, &spec); err != nil {
			return nil, err
		}
		return NewMount(target, spec, opts)
	}},
	{"rpms", func(target string, raw []byte, opts *LayerOptions) (Action, error) {
		var spec RpmSpec
		if err := decodeStrict(raw, &spec); err != nil {
			return nil, err
		}
		return NewRpmAction(target, spec)
	}},
	{"remove_paths", func(target string, raw []byte, opts *LayerOptions) (Action, error) {
		var spec RemovePathSpec
		if err := decodeStrict(raw, &spec); err != nil {
			return nil, err
		}
		return NewRemovePath(target, spec)
	}},
	{"symlinks_to_dirs", func(target string, raw []byte, opts *LayerOptions) (Action, error) {
		var spec SymlinkSpec
		if err := decodeStrict(raw, &spec); err != nil {
			return nil, err
		}
		return NewSymlinkToDir(target, spec)
	}},
	{"symlinks_to_files", func(target string, raw []byte, opts *LayerOptions) (Action, error) {
		var spec SymlinkSpec
		if err := decodeStrict(raw, &spec); err != nil {
			return nil, err
		}
		return NewSymlinkToFile(target, spec)
	}},
	{"tarballs", func(target string, raw []byte, opts *LayerOptions) (Action, error) {
		var spec TarballSpec
		if err := decodeStrict(raw, &spec); err != nil {
			return nil, err
		}
		return NewTarball(target, spec)
	}},
}

// replaceTargets substitutes every {"__BUCK_TARGET": name} in v with the
// output path of name.
func replaceTargets(v interface{}, opts *LayerOptions) (out interface{}, err error) {
	switch v := v.(type) {
	case map[string]interface{}:
		if name, ok := v[targetTag]; ok {
			if len(v) != 1 {
				return nil, &FieldError{Action: "feature", Field: targetTag, Reason: fmt.Sprintf("%v must contain only %s", v, targetTag)}
			}
			s, ok := name.(string)
			if !ok {
				return nil, &FieldError{Action: "feature", Field: targetTag, Reason: fmt.Sprintf("%v is not a target name", name)}
			}
			return opts.ResolveTarget(s)
		}
		for k, sub := range v {
			if v[k], err = replaceTargets(sub, opts); err != nil {
				return
			}
		}
		return v, nil
	case []interface{}:
		for i, sub := range v {
			if v[i], err = replaceTargets(sub, opts); err != nil {
				return
			}
		}
		return v, nil
	}
	return v, nil
}

// FeatureLoader turns feature files into actions.  Each target is
// loaded once, however many features include it.
type FeatureLoader struct {
	opts   *LayerOptions
	loaded map[string]bool
}

func (l FeatureLoader) New(opts *LayerOptions) *FeatureLoader {
	l.opts = opts
	l.loaded = map[string]bool{}
	return &l
}

// LoadFeatures reads each feature file and returns the actions of all
// of them, nested features first.
func LoadFeatures(fns []string, opts *LayerOptions) (actions []Action, err error) {
	l := FeatureLoader{}.New(opts)
	for _, fn := range fns {
		var got []Action
		if got, err = l.LoadFile(fn); err != nil {
			return
		}
		actions = append(actions, got...)
	}
	return
}

// LoadFile reads one feature file.  Comments and trailing commas are
// allowed.
func (l *FeatureLoader) LoadFile(fn string) (actions []Action, err error) {
	defer Return(&err)
	buf, err := os.ReadFile(fn)
	Ck(err)
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(buf)))
	dec.UseNumber()
	var feature map[string]interface{}
	if err = dec.Decode(&feature); err != nil {
		return nil, errors.Wrapf(err, "parsing feature %s", fn)
	}
	return l.Load(feature)
}

// Load returns the actions of a decoded feature.
func (l *FeatureLoader) Load(feature map[string]interface{}) (actions []Action, err error) {
	target, ok := feature["target"].(string)
	if !ok || target == "" {
		return nil, &FieldError{Action: "feature", Field: "target", Reason: "is required"}
	}
	if l.loaded[target] {
		log.Debugf("feature %s already loaded", target)
		return nil, nil
	}
	l.loaded[target] = true

	rest := map[string]interface{}{}
	for k, v := range feature {
		if k != "target" {
			rest[k] = v
		}
	}

	if nested, ok := rest["features"]; ok {
		delete(rest, "features")
		if nested, err = replaceTargets(nested, l.opts); err != nil {
			return
		}
		list, ok := nested.([]interface{})
		if !ok {
			return nil, &FieldError{Action: target, Field: "features", Reason: "must be a list"}
		}
		for _, sub := range list {
			var got []Action
			switch sub := sub.(type) {
			case string:
				got, err = l.LoadFile(sub)
			case map[string]interface{}:
				got, err = l.Load(sub)
			default:
				err = &FieldError{Action: target, Field: "features", Reason: fmt.Sprintf("bad entry %v", sub)}
			}
			if err != nil {
				return
			}
			actions = append(actions, got...)
		}
	}

	for _, fk := range featureKeys {
		v, ok := rest[fk.key]
		if !ok {
			continue
		}
		delete(rest, fk.key)
		entries, ok := v.([]interface{})
		if !ok {
			return nil, &FieldError{Action: target, Field: fk.key, Reason: "must be a list"}
		}
		for _, entry := range entries {
			var a Action
			a, err = l.makeAction(target, fk.key, fk.maker, entry)
			if err != nil {
				return
			}
			log.Debugf("%s: %v", target, a)
			actions = append(actions, a)
		}
	}

	if len(rest) > 0 {
		var keys []string
		for k := range rest {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, &FieldError{Action: target, Field: fmt.Sprint(keys), Reason: "Unsupported items"}
	}
	return
}

func (l *FeatureLoader) makeAction(target, key string, maker actionMaker, entry interface{}) (a Action, err error) {
	orig, _ := json.Marshal(entry)
	wrap := func(err error) error {
		return &FeatureError{Key: key, Entry: string(orig), Target: target, Err: err}
	}
	entry, err = replaceTargets(entry, l.opts)
	if err != nil {
		return nil, wrap(err)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, wrap(err)
	}
	a, err = maker(target, raw, l.opts)
	if err != nil {
		return nil, wrap(err)
	}
	return
}
