package engine

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/grafana/sqlstream/pkg/config"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/registry"
)

// candidate is a query about to be registered.
type candidate struct {
	id             queryid.QueryID
	queryType      registry.QueryType
	persistentType registry.PersistentQueryType
	// creates is the relation the query creates, if any.
	creates string
}

// validateQuery checks a candidate against the live queries: query count
// limits and a single creating query per relation. Limits come from the
// server configuration only.
func validateQuery(cfg config.Config, c candidate, live []registry.Query) error {
	var persistent, transient int
	for _, q := range live {
		if q.ID() == c.id {
			// Replacing a query does not change the counts.
			continue
		}
		switch q := q.(type) {
		case *registry.PersistentQuery:
			persistent++
			if c.creates != "" && q.PersistentType() != registry.Insert && strings.EqualFold(q.Materializes(), c.creates) {
				return errors.Errorf("Cannot add query %s: query %s already creates %s.", c.id, q.ID(), c.creates)
			}
		case *registry.TransientQuery:
			transient++
		}
	}

	switch c.queryType {
	case registry.Persistent:
		if cfg.MaxPersistentQueries > 0 && persistent >= cfg.MaxPersistentQueries {
			return limitError("persistent", config.MaxPersistentQueries, persistent, cfg.MaxPersistentQueries)
		}
	case registry.Transient:
		if cfg.MaxTransientQueries > 0 && transient >= cfg.MaxTransientQueries {
			return limitError("transient", config.MaxTransientQueries, transient, cfg.MaxTransientQueries)
		}
	}
	return nil
}

func limitError(kind, property string, count, limit int) error {
	return errors.Errorf("Not executing statement(s) as it would cause the number of active, %s queries to exceed the configured limit. "+
		"Terminate existing queries, or increase the '%s' setting in the server configuration. "+
		"Current %s query count: %d. Configured limit: %d.", kind, property, kind, count, limit)
}
