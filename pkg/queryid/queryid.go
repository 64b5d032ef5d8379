// Package queryid derives the identifiers of persistent, transient and pull
// queries.
package queryid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"
)

// QueryID identifies a query for its whole lifetime.
type QueryID string

func (id QueryID) String() string { return string(id) }

// Kind of query an id is built for.
type Kind int

const (
	CreateStreamAsSelect Kind = iota
	CreateTableAsSelect
	InsertInto
	CreateSourceTable
)

func (k Kind) prefix() string {
	switch k {
	case CreateStreamAsSelect:
		return "CSAS_"
	case CreateTableAsSelect:
		return "CTAS_"
	case InsertInto:
		return "INSERTQUERY_"
	default:
		return "CST_"
	}
}

// LiveQueries is the view of the query registry needed to build ids.
type LiveQueries interface {
	// IsLive reports whether id denotes a live query.
	IsLive(id QueryID) bool
	// CreatingQuery returns the id of the live query that creates sink.
	CreatingQuery(sink string) (QueryID, bool)
}

// Generator allocates the disambiguation suffix of new ids.
type Generator interface {
	// Next returns base with the smallest numeric suffix for which live
	// returns false.
	Next(base string, live func(QueryID) bool) QueryID
}

// SequentialGenerator appends "_<n>" with n counting from 1. It is
// deterministic for identical input and registry state.
type SequentialGenerator struct{}

// NewSequentialGenerator returns a ready generator.
func NewSequentialGenerator() SequentialGenerator { return SequentialGenerator{} }

func (SequentialGenerator) Next(base string, live func(QueryID) bool) QueryID {
	for n := 1; ; n++ {
		id := QueryID(base + "_" + strconv.Itoa(n))
		if live == nil || !live(id) {
			return id
		}
	}
}

// Request holds the inputs of Build.
type Request struct {
	Kind          Kind
	Sink          string
	StatementText string
	// WithID is an explicit id requested by the user.
	WithID string
	// OrReplace is set for CREATE OR REPLACE statements.
	OrReplace bool
	// IfNotExists is set for CREATE ... IF NOT EXISTS statements.
	IfNotExists            bool
	CreateOrReplaceEnabled bool
}

// Build returns the id of a persistent query. An explicit WithID is used
// verbatim. When create-or-replace is enabled the id of the live query that
// already creates the sink is reused so the query is replaced in place.
// Otherwise the id is the kind prefix, the sink name and a hash of the
// statement text, disambiguated by gen.
func Build(req Request, live LiveQueries, gen Generator) (QueryID, error) {
	if req.WithID != "" {
		return QueryID(strings.ToUpper(req.WithID)), nil
	}

	if req.Kind != InsertInto && req.CreateOrReplaceEnabled {
		if id, ok := live.CreatingQuery(req.Sink); ok {
			if !req.OrReplace && !req.IfNotExists && req.Kind != CreateSourceTable {
				return "", fmt.Errorf("Cannot add %s '%s': A query with the same sink (%s) is already running.", sinkKind(req.Kind), req.Sink, id)
			}
			return id, nil
		}
	}

	base := req.Kind.prefix() + strings.ToUpper(req.Sink) + "_" + hash(req.StatementText)
	return gen.Next(base, live.IsLive), nil
}

func sinkKind(k Kind) string {
	if k == CreateTableAsSelect || k == CreateSourceTable {
		return "table"
	}
	return "stream"
}

func hash(text string) string {
	return fmt.Sprintf("%08x", uint32(xxhash.Sum64String(text)))
}

// Transient returns the id of a transient or stream pull query reading
// source.
func Transient(source string) QueryID {
	return QueryID("transient_" + strings.ToUpper(source) + "_" + ulid.Make().String())
}

// Pull returns the id of a pull query.
func Pull() QueryID {
	return QueryID("query_" + ulid.Make().String())
}

// Push returns the id of a scalable push query.
func Push() QueryID {
	return QueryID("SCALABLE_PUSH_QUERY_" + ulid.Make().String())
}
