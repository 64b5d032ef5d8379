// Package schema describes the logical shape of rows flowing through sources
// and query results.
package schema

import (
	"fmt"
	"strings"
)

// Namespace identifies which part of a record a column belongs to.
type Namespace int

const (
	Key Namespace = iota
	Value
	Pseudo
)

func (n Namespace) String() string {
	switch n {
	case Key:
		return "KEY"
	case Value:
		return "VALUE"
	case Pseudo:
		return "PSEUDO"
	default:
		return fmt.Sprintf("Namespace(%d)", int(n))
	}
}

// Type is the SQL type of a column.
type Type string

const (
	TypeString  Type = "STRING"
	TypeInteger Type = "INTEGER"
	TypeBigInt  Type = "BIGINT"
	TypeDouble  Type = "DOUBLE"
	TypeBoolean Type = "BOOLEAN"
)

// Pseudo columns available when row partition and offset columns are enabled.
const (
	RowPartition = "ROWPARTITION"
	RowOffset    = "ROWOFFSET"
	RowTime      = "ROWTIME"
)

// Column is a single named, typed column.
type Column struct {
	Name      string
	Type      Type
	Namespace Namespace
}

func (c Column) String() string {
	s := fmt.Sprintf("`%s` %s", c.Name, c.Type)
	switch c.Namespace {
	case Key:
		s += " KEY"
	case Pseudo:
		s += " PSEUDO"
	}
	return s
}

// KeyColumn returns a key column named name.
func KeyColumn(name string, t Type) Column { return Column{Name: name, Type: t, Namespace: Key} }

// ValueColumn returns a value column named name.
func ValueColumn(name string, t Type) Column { return Column{Name: name, Type: t, Namespace: Value} }

// LogicalSchema is an ordered list of key and value columns. Column names are
// case-insensitive and unique within a schema.
type LogicalSchema struct {
	columns []Column
}

// New creates a LogicalSchema. It returns an error on duplicate column names.
func New(columns ...Column) (LogicalSchema, error) {
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		name := strings.ToUpper(c.Name)
		if _, ok := seen[name]; ok {
			return LogicalSchema{}, fmt.Errorf("duplicate column name '%s'", c.Name)
		}
		seen[name] = struct{}{}
	}
	cols := make([]Column, len(columns))
	copy(cols, columns)
	return LogicalSchema{columns: cols}, nil
}

// MustNew is like New but panics on error. Intended for tests and static
// schemas.
func MustNew(columns ...Column) LogicalSchema {
	s, err := New(columns...)
	if err != nil {
		panic(err)
	}
	return s
}

// Columns returns all columns in declaration order.
func (s LogicalSchema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// Key returns the key columns.
func (s LogicalSchema) Key() []Column { return s.filter(Key) }

// Value returns the value columns.
func (s LogicalSchema) Value() []Column { return s.filter(Value) }

func (s LogicalSchema) filter(ns Namespace) []Column {
	var out []Column
	for _, c := range s.columns {
		if c.Namespace == ns {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of columns.
func (s LogicalSchema) Len() int { return len(s.columns) }

// FindColumn looks up a column by case-insensitive name.
func (s LogicalSchema) FindColumn(name string) (Column, bool) {
	for _, c := range s.columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// Select returns a schema containing the key columns plus the named columns,
// in the order given.
func (s LogicalSchema) Select(names ...string) (LogicalSchema, error) {
	cols := s.Key()
	for _, n := range names {
		c, ok := s.FindColumn(n)
		if !ok {
			return LogicalSchema{}, fmt.Errorf("Column '%s' cannot be resolved.", n)
		}
		if c.Namespace == Key {
			continue
		}
		cols = append(cols, c)
	}
	return New(cols...)
}

// WithPseudoColumns returns a copy of s with the given pseudo columns
// appended.
func (s LogicalSchema) WithPseudoColumns(names ...string) LogicalSchema {
	cols := s.Columns()
	for _, n := range names {
		if _, ok := s.FindColumn(n); ok {
			continue
		}
		cols = append(cols, Column{Name: n, Type: TypeBigInt, Namespace: Pseudo})
	}
	return LogicalSchema{columns: cols}
}

// WithoutPseudoColumns strips all pseudo columns from s.
func (s LogicalSchema) WithoutPseudoColumns() LogicalSchema {
	var cols []Column
	for _, c := range s.columns {
		if c.Namespace != Pseudo {
			cols = append(cols, c)
		}
	}
	return LogicalSchema{columns: cols}
}

// CompatibleWith reports whether rows of s can be written to a sink with
// schema other. Names, types and namespaces must match position by position,
// ignoring pseudo columns.
func (s LogicalSchema) CompatibleWith(other LogicalSchema) bool {
	a, b := s.WithoutPseudoColumns().columns, other.WithoutPseudoColumns().columns
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i].Name, b[i].Name) || a[i].Type != b[i].Type || a[i].Namespace != b[i].Namespace {
			return false
		}
	}
	return true
}

// Equal reports whether s and other contain the same columns in the same
// order.
func (s LogicalSchema) Equal(other LogicalSchema) bool {
	if len(s.columns) != len(other.columns) {
		return false
	}
	for i := range s.columns {
		if s.columns[i] != other.columns[i] {
			return false
		}
	}
	return true
}

func (s LogicalSchema) String() string {
	parts := make([]string, 0, len(s.columns))
	for _, c := range s.columns {
		parts = append(parts, c.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
