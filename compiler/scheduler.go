package compiler

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Step is one unit of the build order: either every action of a phase,
// built together by the phase's builder, or a single item.
type Step struct {
	Phase   Phase
	Actions []PhaseAction
	Item    Builder
}

func (s Step) String() string {
	if s.Phase == NoPhase {
		return s.Item.String()
	}
	var parts []string
	for _, a := range s.Actions {
		parts = append(parts, a.String())
	}
	return fmt.Sprintf("%v: [%s]", s.Phase, strings.Join(parts, ", "))
}

// Schedule returns the build order of actions.  Phases that run before
// the items come first in Phase order, then the items in dependency
// order, then the phases that run after the items.  Among items that
// are ready together, the one declared first goes first.
func Schedule(actions []Action) (steps []Step, err error) {
	g, err := NewDependencyGraph(actions)
	if err != nil {
		return
	}
	return g.Schedule()
}

func (g *DependencyGraph) phaseSteps(after bool) (steps []Step) {
	var phases []Phase
	for p := range g.Phases {
		if p.AfterItems() == after {
			phases = append(phases, p)
		}
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })
	for _, p := range phases {
		steps = append(steps, Step{Phase: p, Actions: g.Phases[p]})
	}
	return
}

// Schedule consumes the graph's dependency indexes, so a graph can only
// be scheduled once.
func (g *DependencyGraph) Schedule() (steps []Step, err error) {
	if g.scheduled {
		return nil, &BuildError{Item: "dependency graph", Reason: "was already scheduled"}
	}
	g.scheduled = true
	steps = g.phaseSteps(false)

	var ready []int
	for i := range g.items {
		if len(g.predecessors[i]) == 0 {
			ready = append(ready, i)
		}
	}
	scheduled := 0
	for len(ready) > 0 {
		item := ready[0]
		ready = ready[1:]
		scheduled++
		a := g.items[item]
		// the parent layer was emitted with its phase
		if pa, ok := a.(PhaseAction); !ok || pa.Phase() != PARENT_LAYER {
			log.Debugf("schedule %v", a)
			steps = append(steps, Step{Item: a.(Builder)})
		}
		var unblocked []int
		for succ := range g.successors[item] {
			preds := g.predecessors[succ]
			delete(preds, item)
			if len(preds) == 0 {
				delete(g.predecessors, succ)
				unblocked = append(unblocked, succ)
			}
		}
		delete(g.successors, item)
		if len(unblocked) > 0 {
			ready = append(ready, unblocked...)
			sort.Ints(ready)
		}
	}
	if scheduled < len(g.items) {
		return nil, &DependencyCycleError{Residual: g.residual(g.predecessors)}
	}

	steps = append(steps, g.phaseSteps(true)...)
	return
}
