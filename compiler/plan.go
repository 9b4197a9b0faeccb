package compiler

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/vmihailenco/msgpack"
)

// Plan is the compiled build order of one layer.
type Plan struct {
	LayerTarget string
	Parent      string
	Features    []string
	Steps       []Step
}

// Compile loads the features of a layer and schedules their actions.
// With no parentLayerJSON the layer starts from an empty filesystem.
func Compile(parentLayerJSON string, features []string, opts *LayerOptions) (p *Plan, err error) {
	var parent Action
	if parentLayerJSON != "" {
		parent, err = NewParentLayer(opts.LayerTarget, parentLayerJSON, opts.SubvolumesDir)
		if err != nil {
			return
		}
	} else {
		parent = NewFilesystemRoot(opts.LayerTarget)
	}
	actions, err := LoadFeatures(features, opts)
	if err != nil {
		return
	}
	steps, err := Schedule(append([]Action{parent}, actions...))
	if err != nil {
		return
	}
	return &Plan{LayerTarget: opts.LayerTarget, Parent: parentLayerJSON, Features: features, Steps: steps}, nil
}

// Build applies every step to subvol, then marks it read-only.  A
// failed step leaves subvol as it is.
func (p *Plan) Build(subvol *Subvol, opts *LayerOptions) (err error) {
	for _, step := range p.Steps {
		log.Debugf("build %v", step)
		if step.Phase == NoPhase {
			err = step.Item.Build(subvol, opts)
		} else {
			var b PhaseBuilder
			b, err = NewPhaseBuilder(step.Phase, step.Actions, opts)
			if err == nil {
				err = b(subvol)
			}
		}
		if err != nil {
			return errors.Wrapf(err, "building %v", step)
		}
	}
	return subvol.SetReadonly(true)
}

// PlanStep records one step of a plan.
type PlanStep struct {
	Phase   string   `msgpack:"phase"`
	Actions []string `msgpack:"actions"`
}

// PlanRecord is the persisted form of a Plan: what it was compiled from
// and the order it chose.
type PlanRecord struct {
	LayerTarget string     `msgpack:"layer_target"`
	Parent      string     `msgpack:"parent"`
	Features    []string   `msgpack:"features"`
	Steps       []PlanStep `msgpack:"steps"`
}

func (p *Plan) Record() *PlanRecord {
	rec := &PlanRecord{LayerTarget: p.LayerTarget, Parent: p.Parent, Features: p.Features}
	for _, step := range p.Steps {
		ps := PlanStep{Phase: step.Phase.String()}
		if step.Phase == NoPhase {
			ps.Actions = []string{step.Item.String()}
		} else {
			for _, a := range step.Actions {
				ps.Actions = append(ps.Actions, a.String())
			}
		}
		rec.Steps = append(rec.Steps, ps)
	}
	return rec
}

// WritePlan atomically writes the msgpack record of p to fn.
func (p *Plan) WritePlan(fn string) (err error) {
	defer Return(&err)
	buf, err := msgpack.Marshal(p.Record())
	Ck(err)
	err = renameio.WriteFile(fn, buf, 0644)
	Ck(err)
	return
}

// ReadPlan reads a record written by WritePlan.
func ReadPlan(fn string) (rec *PlanRecord, err error) {
	defer Return(&err)
	buf, err := os.ReadFile(fn)
	Ck(err)
	rec = &PlanRecord{}
	if err = msgpack.Unmarshal(buf, rec); err != nil {
		return nil, errors.Wrapf(err, "decoding plan %s", fn)
	}
	return
}

func (rec *PlanRecord) String() string {
	var b strings.Builder
	parent := rec.Parent
	if parent == "" {
		parent = "(none)"
	}
	fmt.Fprintf(&b, "layer %s parent %s\n", rec.LayerTarget, parent)
	for i, step := range rec.Steps {
		if step.Phase == NoPhase.String() {
			fmt.Fprintf(&b, "%d: %s\n", i, step.Actions[0])
			continue
		}
		fmt.Fprintf(&b, "%d: %s\n", i, step.Phase)
		for _, a := range step.Actions {
			fmt.Fprintf(&b, "    %s\n", a)
		}
	}
	return b.String()
}
