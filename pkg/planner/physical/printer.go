package physical

import (
	"fmt"
	"strings"

	"github.com/grafana/sqlstream/pkg/util/dag"
)

// Summarize renders p as an indented tree, root first.
func Summarize(p *Plan) string {
	var sb strings.Builder
	_ = p.Expand(func(v dag.Visit[*Step]) error {
		if v.Depth > 0 {
			for _, last := range v.Last[:v.Depth-1] {
				if last {
					sb.WriteString("    ")
				} else {
					sb.WriteString("│   ")
				}
			}
			if v.IsLast() {
				sb.WriteString("└── ")
			} else {
				sb.WriteString("├── ")
			}
		}
		sb.WriteString(describe(v.Node))
		sb.WriteByte('\n')
		return nil
	})
	return sb.String()
}

func describe(s *Step) string {
	var props []string
	switch s.Type {
	case StepSource:
		props = append(props, "source="+s.Source)
		if len(s.Keys) > 0 {
			props = append(props, fmt.Sprintf("keys=%v", s.Keys))
		}
	case StepFilter:
		props = append(props, fmt.Sprintf("%s IN %v", strings.Join(s.Columns, ","), s.Keys))
	case StepProject:
		props = append(props, "columns="+strings.Join(s.Columns, ", "))
	case StepAggregate:
		props = append(props, "group_by="+strings.Join(s.GroupBy, ", "))
		if s.Window != nil {
			props = append(props, fmt.Sprintf("window=%s", s.Window.Type))
		}
	case StepSink:
		props = append(props, "sink="+s.Sink)
	}
	props = append(props, "schema="+s.Schema.String())
	return fmt.Sprintf("%s %s [%s]", s.Type, s.ID, strings.Join(props, ", "))
}
