package compiler

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
)

type itemProv struct {
	prov Provides
	item int
}

type itemReq struct {
	req  Requires
	item int
}

type reqsProvs struct {
	provs []itemProv
	reqs  []itemReq
}

// DependencyGraph indexes the actions of one layer.  Phase actions are
// grouped by phase; every other action is an item, ordered by what it
// provides and requires.  The PARENT_LAYER action is also an item, so
// that items can depend on the paths it provides.
type DependencyGraph struct {
	Phases map[Phase][]PhaseAction
	items  []Action
	// item -> items providing what it requires
	predecessors map[int]map[int]bool
	// item -> items requiring what it provides
	successors map[int]map[int]bool
	scheduled  bool
}

// NewDependencyGraph validates actions and computes their dependencies.
// It fails if one action names a path twice, two actions provide one
// path, a requirement is not matched, or an RPM is acted on twice.
func NewDependencyGraph(actions []Action) (g *DependencyGraph, err error) {
	g = &DependencyGraph{
		Phases:       map[Phase][]PhaseAction{},
		predecessors: map[int]map[int]bool{},
		successors:   map[int]map[int]bool{},
	}
	var phaseActions []PhaseAction
	for _, a := range actions {
		pa, ok := a.(PhaseAction)
		if !ok || pa.Phase() == NoPhase {
			if _, ok := a.(Builder); !ok {
				return nil, &BuildError{Item: a.String(), Reason: "has neither a phase nor a Build method"}
			}
			g.items = append(g.items, a)
			continue
		}
		phase := pa.Phase()
		g.Phases[phase] = append(g.Phases[phase], pa)
		phaseActions = append(phaseActions, pa)
		if phase == PARENT_LAYER {
			g.items = append(g.items, a)
		}
	}
	if len(g.Phases[PARENT_LAYER]) == 0 {
		return nil, &BuildError{Item: "layer", Reason: "has no parent layer or filesystem root"}
	}
	if err = DetectRpmActionConflicts(phaseActions); err != nil {
		return nil, err
	}

	paths, byPath, err := g.validate()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		rp := byPath[p]
		for _, ip := range rp.provs {
			for _, ir := range rp.reqs {
				g.link(ip.item, ir.item)
			}
		}
	}
	log.Debugf("dependency graph: %d items, %d phases, %d paths", len(g.items), len(g.Phases), len(paths))
	return
}

func (g *DependencyGraph) link(pred, succ int) {
	if g.successors[pred] == nil {
		g.successors[pred] = map[int]bool{}
	}
	g.successors[pred][succ] = true
	if g.predecessors[succ] == nil {
		g.predecessors[succ] = map[int]bool{}
	}
	g.predecessors[succ][pred] = true
}

// validate evaluates Provides and Requires of every item once and
// returns them by path, paths in first-seen order.
func (g *DependencyGraph) validate() (paths []string, byPath map[string]*reqsProvs, err error) {
	byPath = map[string]*reqsProvs{}
	get := func(p string) *reqsProvs {
		rp, ok := byPath[p]
		if !ok {
			rp = &reqsProvs{}
			byPath[p] = rp
			paths = append(paths, p)
		}
		return rp
	}
	for i, item := range g.items {
		seen := map[string]bool{}
		same := func(p string) error {
			if seen[p] {
				return &SameItemPathError{Path: p, Item: item.String()}
			}
			seen[p] = true
			return nil
		}
		reqs, err := item.Requires()
		if err != nil {
			return nil, nil, err
		}
		for _, r := range reqs {
			if err = same(r.Path); err != nil {
				return nil, nil, err
			}
			rp := get(r.Path)
			rp.reqs = append(rp.reqs, itemReq{req: r, item: i})
		}
		provs, err := item.Provides()
		if err != nil {
			return nil, nil, err
		}
		for _, p := range provs {
			if err = same(p.Path); err != nil {
				return nil, nil, err
			}
			rp := get(p.Path)
			if len(rp.provs) > 0 {
				return nil, nil, &DuplicatePathError{
					Path:      p.Path,
					Providers: []string{g.items[rp.provs[0].item].String(), item.String()},
				}
			}
			rp.provs = append(rp.provs, itemProv{prov: p, item: i})
		}
	}
	for _, p := range paths {
		rp := byPath[p]
		for _, ir := range rp.reqs {
			matched := false
			for _, ip := range rp.provs {
				if ip.prov.Matches(ir.req) {
					matched = true
					break
				}
			}
			if !matched {
				var provs []string
				for _, ip := range rp.provs {
					provs = append(provs, fmt.Sprintf("%v from %v", ip.prov, g.items[ip.item]))
				}
				return nil, nil, &UnsatisfiedRequirementError{
					Requires:  ir.req,
					Requirer:  g.items[ir.item].String(),
					Providers: provs,
				}
			}
		}
	}
	return
}

// residual describes the items left over after scheduling stalled.
func (g *DependencyGraph) residual(pending map[int]map[int]bool) map[string][]string {
	out := map[string][]string{}
	for item, preds := range pending {
		var names []string
		for p := range preds {
			names = append(names, g.items[p].String())
		}
		sort.Strings(names)
		out[g.items[item].String()] = names
	}
	return out
}
