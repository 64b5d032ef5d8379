package engine

import (
	"fmt"

	"github.com/grafana/sqlstream/pkg/config"
)

// QueryPlannerOptions tune the planning of pull and push queries.
type QueryPlannerOptions struct {
	TableScansEnabled  bool
	InterpreterEnabled bool
}

// PlannerOptionsFor reads the planner options of a session, overrides
// included.
func PlannerOptionsFor(session config.SessionConfig) QueryPlannerOptions {
	cfg := session.Config(true)
	return QueryPlannerOptions{
		TableScansEnabled:  cfg.PullTableScansEnabled,
		InterpreterEnabled: cfg.PullInterpreterEnabled,
	}
}

func (o QueryPlannerOptions) DebugString() string {
	return fmt.Sprintf("QueryPlannerOptions{tableScansEnabled=%t, interpreterEnabled=%t}", o.TableScansEnabled, o.InterpreterEnabled)
}
