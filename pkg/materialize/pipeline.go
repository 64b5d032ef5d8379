package materialize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/schema"
	"github.com/grafana/sqlstream/pkg/statement"
)

var errMultipleSources = errors.New("queries reading more than one source are not supported by the embedded runtime")

// pipeline evaluates a single-source physical plan record by record.
// Aggregations re-key rows by their GROUP BY columns and keep the latest
// row per key.
type pipeline struct {
	topic      string
	partitions int
	source     schema.LogicalSchema
	keys       []any
	groupBy    []int
	windowSize time.Duration
	projection physical.Projection
}

func newPipeline(p *physical.Plan, ms catalog.MetaStore) (*pipeline, error) {
	if p == nil {
		return nil, physical.ErrEmptyPlan
	}
	var (
		pipe      pipeline
		sources   []*physical.Step
		aggregate *physical.Step
	)
	for _, s := range p.Steps() {
		switch s.Type {
		case physical.StepSource:
			sources = append(sources, s)
			pipe.keys = append(pipe.keys, s.Keys...)
		case physical.StepFilter:
			pipe.keys = append(pipe.keys, s.Keys...)
		case physical.StepAggregate:
			aggregate = s
		}
	}
	if len(sources) != 1 {
		return nil, errMultipleSources
	}
	ds := ms.GetSource(sources[0].Source)
	if ds == nil {
		return nil, fmt.Errorf("%s does not exist.", sources[0].Source)
	}
	pipe.topic = ds.Topic.Name
	pipe.partitions = ds.Topic.Partitions
	pipe.source = ds.Schema

	if aggregate != nil {
		for _, name := range aggregate.GroupBy {
			idx := indexOf(ds.Schema, name)
			if idx < 0 && !isKey(ds.Schema, name) {
				return nil, fmt.Errorf("Column '%s' cannot be resolved.", name)
			}
			pipe.groupBy = append(pipe.groupBy, idx)
		}
		if w := aggregate.Window; w != nil && w.Type != statement.Session {
			size, err := parseWindowSize(w.Size)
			if err != nil {
				return nil, err
			}
			pipe.windowSize = size
		}
	}

	var err error
	pipe.projection, err = physical.NewProjection(ds.Schema, p.Schema)
	if err != nil {
		return nil, err
	}
	return &pipe, nil
}

// parseWindowSize accepts Go durations and SQL sizes such as "5 MINUTES".
func parseWindowSize(size string) (time.Duration, error) {
	if d, err := time.ParseDuration(size); err == nil {
		return d, nil
	}
	fields := strings.Fields(size)
	if len(fields) != 2 {
		return 0, fmt.Errorf("invalid window size '%s'", size)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid window size '%s'", size)
	}
	unit := strings.TrimSuffix(strings.ToUpper(fields[1]), "S")
	units := map[string]time.Duration{
		"MILLISECOND": time.Millisecond,
		"SECOND":      time.Second,
		"MINUTE":      time.Minute,
		"HOUR":        time.Hour,
		"DAY":         24 * time.Hour,
	}
	d, ok := units[unit]
	if !ok {
		return 0, fmt.Errorf("invalid window size '%s'", size)
	}
	return time.Duration(n) * d, nil
}

func isKey(s schema.LogicalSchema, name string) bool {
	c, ok := s.FindColumn(name)
	return ok && c.Namespace == schema.Key
}

// indexOf returns the index of the value column name, or -1.
func indexOf(s schema.LogicalSchema, name string) int {
	for i, c := range s.Value() {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// process decodes rec and evaluates the plan on it. It returns false when
// the row is filtered out.
func (p *pipeline) process(rec *kgo.Record) (queue.Row, bool, error) {
	row, err := DecodeRecord(p.source, rec)
	if err != nil {
		return queue.Row{}, false, err
	}
	if !matches(p.keys, row.Key) {
		return queue.Row{}, false, nil
	}
	if len(p.groupBy) > 0 {
		if row.Tombstone {
			// The group of a deleted row is unknown.
			return queue.Row{}, false, nil
		}
		row.Key = p.groupKey(row)
	}
	if size := p.windowSize.Milliseconds(); size > 0 {
		ts := rec.Timestamp.UnixMilli()
		start := ts - ts%size
		row.Window = &queue.Window{Start: start, End: start + size}
	}
	if !row.Tombstone {
		row.Values = p.projection.Apply(row.Values, row.Partition, row.Offset)
	}
	return row, true, nil
}

// groupKey returns the GROUP BY values of row. An index of -1 stands for
// the row key.
func (p *pipeline) groupKey(row queue.Row) any {
	value := func(idx int) any {
		if idx < 0 || idx >= len(row.Values) {
			return row.Key
		}
		return row.Values[idx]
	}
	if len(p.groupBy) == 1 {
		return value(p.groupBy[0])
	}
	key := make([]any, len(p.groupBy))
	for i, idx := range p.groupBy {
		key[i] = value(idx)
	}
	return key
}

func matches(keys []any, key any) bool {
	if len(keys) == 0 {
		return true
	}
	s := fmt.Sprint(key)
	for _, k := range keys {
		if fmt.Sprint(k) == s {
			return true
		}
	}
	return false
}
