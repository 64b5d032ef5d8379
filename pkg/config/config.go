// Package config holds the engine configuration and the per-session
// overrides that are layered on top of it.
package config

import (
	"flag"
	"fmt"
	"sort"
	"strconv"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

// Property names that may be overridden per session.
const (
	SourceTableMaterializationEnabled = "sqlstream.source.table.materialization.enabled"
	CreateOrReplaceEnabled            = "sqlstream.create.or.replace.enabled"
	SharedRuntimeEnabled              = "sqlstream.runtime.feature.shared.enabled"
	RowPartitionRowOffsetEnabled      = "sqlstream.rowpartition.rowoffset.enabled"
	PullTableScansEnabled             = "sqlstream.query.pull.table.scan.enabled"
	PullInterpreterEnabled            = "sqlstream.query.pull.interpreter.enabled"
	MaxPersistentQueries              = "sqlstream.query.persistent.max.count"
	MaxTransientQueries               = "sqlstream.query.transient.max.count"
	PullQueueCapacity                 = "sqlstream.query.pull.queue.capacity"
	PushQueueCapacity                 = "sqlstream.query.push.queue.capacity"
)

// ErrImmutableProperty is returned when a session tries to override a
// property the operator has declared immutable.
var ErrImmutableProperty = errors.New("cannot override property")

// ErrUnknownProperty is returned for overrides of unrecognised properties.
var ErrUnknownProperty = errors.New("unknown property")

// Config is the engine-wide configuration.
type Config struct {
	SourceTableMaterializationEnabled bool `yaml:"source_table_materialization_enabled"`
	CreateOrReplaceEnabled            bool `yaml:"create_or_replace_enabled"`
	SharedRuntimeEnabled              bool `yaml:"shared_runtime_enabled"`
	RowPartitionRowOffsetEnabled      bool `yaml:"rowpartition_rowoffset_enabled"`
	PullTableScansEnabled             bool `yaml:"pull_table_scans_enabled"`
	PullInterpreterEnabled            bool `yaml:"pull_interpreter_enabled"`

	MaxPersistentQueries int `yaml:"max_persistent_queries"`
	MaxTransientQueries  int `yaml:"max_transient_queries"`
	PullQueueCapacity    int `yaml:"pull_queue_capacity"`
	PushQueueCapacity    int `yaml:"push_queue_capacity"`

	ImmutableProperties flagext.StringSliceCSV `yaml:"immutable_properties"`
}

// RegisterFlags registers flags for the engine configuration.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("engine.", f)
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.SourceTableMaterializationEnabled, prefix+"source-table-materialization-enabled", true, "Materialize source tables so they can serve pull queries.")
	f.BoolVar(&cfg.CreateOrReplaceEnabled, prefix+"create-or-replace-enabled", true, "Allow CREATE OR REPLACE statements on persistent queries.")
	f.BoolVar(&cfg.SharedRuntimeEnabled, prefix+"shared-runtime-enabled", false, "Run persistent queries on a shared runtime.")
	f.BoolVar(&cfg.RowPartitionRowOffsetEnabled, prefix+"rowpartition-rowoffset-enabled", true, "Expose the ROWPARTITION and ROWOFFSET pseudo columns.")
	f.BoolVar(&cfg.PullTableScansEnabled, prefix+"pull-table-scans-enabled", true, "Allow pull queries that scan a whole table.")
	f.BoolVar(&cfg.PullInterpreterEnabled, prefix+"pull-interpreter-enabled", true, "Evaluate pull query expressions with the interpreter.")
	f.IntVar(&cfg.MaxPersistentQueries, prefix+"max-persistent-queries", 0, "Maximum number of persistent queries. 0 means unlimited.")
	f.IntVar(&cfg.MaxTransientQueries, prefix+"max-transient-queries", 100, "Maximum number of concurrent transient queries. 0 means unlimited.")
	f.IntVar(&cfg.PullQueueCapacity, prefix+"pull-queue-capacity", 1000, "Number of rows buffered per pull query.")
	f.IntVar(&cfg.PushQueueCapacity, prefix+"push-queue-capacity", 1000, "Number of rows buffered per push or transient query.")
	cfg.ImmutableProperties = flagext.StringSliceCSV{}
	f.Var(&cfg.ImmutableProperties, prefix+"immutable-properties", "Comma separated list of properties that sessions may not override.")
}

// Validate checks the configuration for errors.
func (cfg *Config) Validate() error {
	if cfg.MaxPersistentQueries < 0 {
		return errors.New("max persistent queries must not be negative")
	}
	if cfg.MaxTransientQueries < 0 {
		return errors.New("max transient queries must not be negative")
	}
	if cfg.PullQueueCapacity <= 0 {
		return errors.New("pull queue capacity must be positive")
	}
	if cfg.PushQueueCapacity <= 0 {
		return errors.New("push queue capacity must be positive")
	}
	for _, p := range cfg.ImmutableProperties {
		if _, ok := setters[p]; !ok {
			return errors.Wrapf(ErrUnknownProperty, "immutable property %q", p)
		}
	}
	return nil
}

// Default returns a Config populated with flag defaults.
func Default() Config {
	var cfg Config
	fs := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlags(fs)
	return cfg
}

type setter func(cfg *Config, v string) error

func boolSetter(field func(*Config) *bool) setter {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

func intSetter(field func(*Config) *int) setter {
	return func(cfg *Config, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(cfg) = i
		return nil
	}
}

var setters = map[string]setter{
	SourceTableMaterializationEnabled: boolSetter(func(c *Config) *bool { return &c.SourceTableMaterializationEnabled }),
	CreateOrReplaceEnabled:            boolSetter(func(c *Config) *bool { return &c.CreateOrReplaceEnabled }),
	SharedRuntimeEnabled:              boolSetter(func(c *Config) *bool { return &c.SharedRuntimeEnabled }),
	RowPartitionRowOffsetEnabled:      boolSetter(func(c *Config) *bool { return &c.RowPartitionRowOffsetEnabled }),
	PullTableScansEnabled:             boolSetter(func(c *Config) *bool { return &c.PullTableScansEnabled }),
	PullInterpreterEnabled:            boolSetter(func(c *Config) *bool { return &c.PullInterpreterEnabled }),
	MaxPersistentQueries:              intSetter(func(c *Config) *int { return &c.MaxPersistentQueries }),
	MaxTransientQueries:               intSetter(func(c *Config) *int { return &c.MaxTransientQueries }),
	PullQueueCapacity:                 intSetter(func(c *Config) *int { return &c.PullQueueCapacity }),
	PushQueueCapacity:                 intSetter(func(c *Config) *int { return &c.PushQueueCapacity }),
}

// WithOverrides returns a copy of cfg with the given property overrides
// applied. Keys are applied in sorted order so errors are deterministic.
func (cfg Config) WithOverrides(overrides map[string]string) (Config, error) {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := cfg
	for _, k := range keys {
		set, ok := setters[k]
		if !ok {
			return cfg, errors.Wrapf(ErrUnknownProperty, "%q", k)
		}
		if err := set(&out, overrides[k]); err != nil {
			return cfg, fmt.Errorf("invalid value %q for property %s: %w", overrides[k], k, err)
		}
	}
	return out, nil
}

// IsImmutable reports whether the named property may not be overridden.
func (cfg Config) IsImmutable(name string) bool {
	for _, p := range cfg.ImmutableProperties {
		if p == name {
			return true
		}
	}
	return false
}
