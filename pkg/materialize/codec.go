package materialize

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/schema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DecodeRecord turns a record of a KAFKA-keyed, JSON-valued topic into a row
// of s. A single key column is read from the raw key bytes; composite keys
// are JSON arrays. A nil value is a tombstone.
func DecodeRecord(s schema.LogicalSchema, rec *kgo.Record) (queue.Row, error) {
	row := queue.Row{Partition: rec.Partition, Offset: rec.Offset}

	keys := s.Key()
	switch len(keys) {
	case 0:
	case 1:
		k, err := decodeField(keys[0].Type, rec.Key)
		if err != nil {
			return queue.Row{}, fmt.Errorf("decoding key of %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
		}
		row.Key = k
	default:
		var raw []jsoniter.RawMessage
		if err := json.Unmarshal(rec.Key, &raw); err != nil {
			return queue.Row{}, fmt.Errorf("decoding key of %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
		}
		composite := make([]any, len(keys))
		for i := range keys {
			if i >= len(raw) {
				break
			}
			v, err := decodeField(keys[i].Type, raw[i])
			if err != nil {
				return queue.Row{}, err
			}
			composite[i] = v
		}
		row.Key = composite
	}

	if rec.Value == nil {
		row.Tombstone = true
		return row, nil
	}

	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(rec.Value, &fields); err != nil {
		return queue.Row{}, fmt.Errorf("decoding value of %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
	}
	byName := make(map[string]jsoniter.RawMessage, len(fields))
	for name, raw := range fields {
		byName[strings.ToUpper(name)] = raw
	}
	values := s.Value()
	row.Values = make([]any, len(values))
	for i, c := range values {
		raw, ok := byName[strings.ToUpper(c.Name)]
		if !ok || string(raw) == "null" {
			continue
		}
		v, err := decodeField(c.Type, raw)
		if err != nil {
			return queue.Row{}, fmt.Errorf("decoding column %s: %w", c.Name, err)
		}
		row.Values[i] = v
	}
	return row, nil
}

func decodeField(t schema.Type, b []byte) (any, error) {
	switch t {
	case schema.TypeString:
		if len(b) > 0 && b[0] == '"' {
			var s string
			err := json.Unmarshal(b, &s)
			return s, err
		}
		return string(b), nil
	case schema.TypeInteger:
		var v int32
		err := json.Unmarshal(b, &v)
		return v, err
	case schema.TypeBigInt:
		var v int64
		err := json.Unmarshal(b, &v)
		return v, err
	case schema.TypeDouble:
		var v float64
		err := json.Unmarshal(b, &v)
		return v, err
	case schema.TypeBoolean:
		var v bool
		err := json.Unmarshal(b, &v)
		return v, err
	}
	return nil, fmt.Errorf("unsupported type %s", t)
}

// EncodeRecord is the inverse of DecodeRecord.
func EncodeRecord(s schema.LogicalSchema, topic string, row queue.Row) (*kgo.Record, error) {
	rec := &kgo.Record{Topic: topic, Partition: row.Partition}

	keys := s.Key()
	switch {
	case len(keys) == 1 && keys[0].Type == schema.TypeString:
		rec.Key = []byte(fmt.Sprint(row.Key))
	case len(keys) > 0:
		b, err := json.Marshal(row.Key)
		if err != nil {
			return nil, err
		}
		rec.Key = b
	}

	if row.Tombstone {
		return rec, nil
	}
	fields := make(map[string]any, len(row.Values))
	for i, c := range s.Value() {
		if i < len(row.Values) {
			fields[c.Name] = row.Values[i]
		}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	rec.Value = b
	return rec, nil
}
