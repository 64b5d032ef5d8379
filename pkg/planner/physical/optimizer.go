package physical

import "strings"

// A rule is a transformation that can be applied on a Step.
type rule interface {
	// apply tries to apply the transformation on the step.
	// It returns a boolean indicating whether the transformation has been applied.
	apply(*Step) bool
}

// removeNoopProject is a rule that removes projections of all columns.
type removeNoopProject struct {
	plan *Plan
}

// apply implements rule.
func (r *removeNoopProject) apply(s *Step) bool {
	if s.Type != StepProject || len(s.Columns) > 0 {
		return false
	}
	r.plan.graph.Eliminate(s)
	return true
}

var _ rule = (*removeNoopProject)(nil)

// keyFilterPushdown is a rule that moves key filters into the source step
// they read from, so the runtime only consumes the matching keys.
type keyFilterPushdown struct {
	plan *Plan
}

// apply implements rule.
func (r *keyFilterPushdown) apply(s *Step) bool {
	if s.Type != StepFilter {
		return false
	}
	children := r.plan.graph.Children(s)
	if len(children) != 1 || children[0].Type != StepSource {
		return false
	}
	src := children[0]
	if _, ok := keyColumn(src, s.Columns); !ok {
		return false
	}
	src.Keys = append(src.Keys, s.Keys...)
	r.plan.graph.Eliminate(s)
	return true
}

var _ rule = (*keyFilterPushdown)(nil)

func keyColumn(src *Step, columns []string) (string, bool) {
	if len(columns) != 1 {
		return "", false
	}
	for _, k := range src.Schema.Key() {
		if strings.EqualFold(k.Name, columns[0]) {
			return k.Name, true
		}
	}
	return "", false
}

// optimize applies all rules until none of them changes the plan.
func optimize(p *Plan) {
	rules := []rule{
		&keyFilterPushdown{plan: p},
		&removeNoopProject{plan: p},
	}
	for changed := true; changed; {
		changed = false
		for _, s := range p.graph.Nodes() {
			for _, r := range rules {
				if r.apply(s) {
					changed = true
					break
				}
			}
			if changed {
				break
			}
		}
	}
}
