package routing

import (
	"errors"
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
)

var ErrInvalidMaxConcurrentRequests = errors.New("routing max concurrent requests must be positive")

// Config configures how queries are routed between hosts.
type Config struct {
	// LocalAddr is the address other hosts use to reach this one.
	LocalAddr             string                 `yaml:"local_address"`
	Hosts                 flagext.StringSliceCSV `yaml:"hosts"`
	MaxConcurrentRequests int                    `yaml:"max_concurrent_requests"`
	RequestTimeout        time.Duration          `yaml:"request_timeout"`
	Breaker               BreakerConfig          `yaml:"circuit_breaker"`
	Ring                  RingConfig             `yaml:"ring"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("routing.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.LocalAddr, prefix+"local-address", "localhost:8088", "Address other hosts use to reach this host.")
	f.Var(&cfg.Hosts, prefix+"hosts", "Comma separated list of hosts serving every partition. Used when no ring is configured.")
	f.IntVar(&cfg.MaxConcurrentRequests, prefix+"max-concurrent-requests", 16, "Maximum number of hosts contacted concurrently by a single pull query.")
	f.DurationVar(&cfg.RequestTimeout, prefix+"request-timeout", 30*time.Second, "Timeout of a request forwarded to another host. 0 to disable.")
	cfg.Breaker.RegisterFlagsWithPrefix(prefix+"circuit-breaker.", f)
	cfg.Ring.RegisterFlagsWithPrefix(prefix+"ring.", f)
}

func (cfg *Config) Validate() error {
	if cfg.MaxConcurrentRequests <= 0 {
		return ErrInvalidMaxConcurrentRequests
	}
	if err := cfg.Breaker.Validate(); err != nil {
		return err
	}
	return cfg.Ring.Validate()
}

// BreakerConfig configures the circuit breaker guarding each remote host.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures int           `yaml:"consecutive_failures"`
	Interval            time.Duration `yaml:"interval"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenRequests    int           `yaml:"half_open_requests"`
}

func (cfg *BreakerConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, prefix+"enabled", true, "Stop contacting hosts that keep failing.")
	f.IntVar(&cfg.ConsecutiveFailures, prefix+"consecutive-failures", 5, "Consecutive failures after which a host is no longer contacted.")
	f.DurationVar(&cfg.Interval, prefix+"interval", time.Minute, "Period after which the failure counts of a healthy host are reset.")
	f.DurationVar(&cfg.OpenTimeout, prefix+"open-timeout", 10*time.Second, "Time a failing host is skipped before it is probed again.")
	f.IntVar(&cfg.HalfOpenRequests, prefix+"half-open-requests", 1, "Requests let through to probe a failing host.")
}

func (cfg *BreakerConfig) Validate() error {
	if cfg.Enabled && (cfg.ConsecutiveFailures <= 0 || cfg.HalfOpenRequests <= 0) {
		return errors.New("circuit breaker consecutive failures and half open requests must be positive")
	}
	return nil
}
