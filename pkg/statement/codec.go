package statement

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Key values decode as json.Number so they print the way they were written.
var json = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

const (
	kindCreateSource  = "create_source"
	kindDropSource    = "drop_source"
	kindQueryWithSink = "query_with_sink"
	kindBareQuery     = "bare_query"
	kindUnexecutable  = "unexecutable"
)

type envelope struct {
	Kind string              `json:"kind"`
	Body jsoniter.RawMessage `json:"body"`
}

// Marshal encodes an analyzed statement so another host can execute it
// without parsing the statement text again.
func Marshal(s Statement) ([]byte, error) {
	var kind string
	switch s.(type) {
	case *CreateSource:
		kind = kindCreateSource
	case *DropSource:
		kind = kindDropSource
	case *QueryWithSink:
		kind = kindQueryWithSink
	case *BareQuery:
		kind = kindBareQuery
	case *Unexecutable:
		kind = kindUnexecutable
	default:
		return nil, fmt.Errorf("cannot encode statement of type %T", s)
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: kind, Body: body})
}

// Unmarshal decodes a statement encoded by Marshal.
func Unmarshal(b []byte) (Statement, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding statement: %w", err)
	}
	var s Statement
	switch env.Kind {
	case kindCreateSource:
		s = &CreateSource{}
	case kindDropSource:
		s = &DropSource{}
	case kindQueryWithSink:
		s = &QueryWithSink{}
	case kindBareQuery:
		s = &BareQuery{}
	case kindUnexecutable:
		s = &Unexecutable{}
	default:
		return nil, fmt.Errorf("unknown statement kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Body, s); err != nil {
		return nil, fmt.Errorf("decoding %s statement: %w", env.Kind, err)
	}
	return s, nil
}
