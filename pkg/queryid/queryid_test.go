package queryid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeLive struct {
	live  map[QueryID]bool
	sinks map[string]QueryID
}

func (f fakeLive) IsLive(id QueryID) bool { return f.live[id] }

func (f fakeLive) CreatingQuery(sink string) (QueryID, bool) {
	id, ok := f.sinks[sink]
	return id, ok
}

func TestBuild(t *testing.T) {
	const text = "CREATE STREAM BIG AS SELECT * FROM ORDERS;"
	empty := fakeLive{}

	t.Run("deterministic", func(t *testing.T) {
		req := Request{Kind: CreateStreamAsSelect, Sink: "big", StatementText: text}
		a, err := Build(req, empty, NewSequentialGenerator())
		require.NoError(t, err)
		b, err := Build(req, empty, NewSequentialGenerator())
		require.NoError(t, err)
		require.Equal(t, a, b)
		require.True(t, strings.HasPrefix(a.String(), "CSAS_BIG_"))
		require.True(t, strings.HasSuffix(a.String(), "_1"))
	})

	t.Run("skips live ids", func(t *testing.T) {
		req := Request{Kind: InsertInto, Sink: "BIG", StatementText: text}
		first, err := Build(req, empty, NewSequentialGenerator())
		require.NoError(t, err)

		second, err := Build(req, fakeLive{live: map[QueryID]bool{first: true}}, NewSequentialGenerator())
		require.NoError(t, err)
		require.NotEqual(t, first, second)
		require.True(t, strings.HasSuffix(second.String(), "_2"))
	})

	t.Run("explicit id", func(t *testing.T) {
		id, err := Build(Request{Kind: CreateTableAsSelect, Sink: "T", WithID: "my_query"}, empty, NewSequentialGenerator())
		require.NoError(t, err)
		require.Equal(t, QueryID("MY_QUERY"), id)
	})

	t.Run("or replace reuses the creating query", func(t *testing.T) {
		live := fakeLive{sinks: map[string]QueryID{"BIG": "CSAS_BIG_0"}}
		req := Request{Kind: CreateStreamAsSelect, Sink: "BIG", StatementText: text, OrReplace: true, CreateOrReplaceEnabled: true}
		id, err := Build(req, live, NewSequentialGenerator())
		require.NoError(t, err)
		require.Equal(t, QueryID("CSAS_BIG_0"), id)

		req.OrReplace = false
		_, err = Build(req, live, NewSequentialGenerator())
		require.ErrorContains(t, err, "is already running")
	})
}

func TestTransientAndPull(t *testing.T) {
	require.True(t, strings.HasPrefix(Transient("orders").String(), "transient_ORDERS_"))
	require.NotEqual(t, Pull(), Pull())
	require.True(t, strings.HasPrefix(Push().String(), "SCALABLE_PUSH_QUERY_"))
}
