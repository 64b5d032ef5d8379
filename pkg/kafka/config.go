// Package kafka connects the engine to the Kafka cluster holding the topics
// of streams and tables.
package kafka

import (
	"errors"
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
)

var (
	ErrMissingKafkaAddress   = errors.New("the Kafka address has not been configured")
	ErrInconsistentSASLCreds = errors.New("the SASL username and password must be both configured to enable SASL authentication")
)

// Config holds the Kafka client configuration.
type Config struct {
	Address     string        `yaml:"address"`
	ClientID    string        `yaml:"client_id"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ListOffsetsRetryTimeout bounds the retries of ListOffsets requests
	// issued to find the end of a topic.
	ListOffsetsRetryTimeout time.Duration `yaml:"list_offsets_retry_timeout"`

	SASLUsername string         `yaml:"sasl_username"`
	SASLPassword flagext.Secret `yaml:"sasl_password"`
}

// RegisterFlags registers the Kafka flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("kafka", f)
}

// RegisterFlagsWithPrefix registers the Kafka flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "", "The Kafka backend address. Stream pull queries are disabled when empty.")
	f.StringVar(&cfg.ClientID, prefix+".client-id", "sqlstream", "The Kafka client ID.")
	f.DurationVar(&cfg.DialTimeout, prefix+".dial-timeout", 2*time.Second, "The maximum time allowed to open a connection to a Kafka broker.")
	f.DurationVar(&cfg.ListOffsetsRetryTimeout, prefix+".list-offsets-retry-timeout", 10*time.Second, "How long to retry a failed request to list the end offsets of a topic.")
	f.StringVar(&cfg.SASLUsername, prefix+".sasl-username", "", "The username used to authenticate to Kafka using the SASL plain mechanism. To enable SASL, configure both the username and password.")
	f.Var(&cfg.SASLPassword, prefix+".sasl-password", "The password used to authenticate to Kafka using the SASL plain mechanism. To enable SASL, configure both the username and password.")
}

// Enabled reports whether a Kafka address is configured.
func (cfg *Config) Enabled() bool { return cfg.Address != "" }

// Validate checks the configuration. An empty address is valid and disables
// Kafka access.
func (cfg *Config) Validate() error {
	if (cfg.SASLUsername == "") != (cfg.SASLPassword.String() == "") {
		return ErrInconsistentSASLCreds
	}
	if cfg.SASLUsername != "" && !cfg.Enabled() {
		return ErrMissingKafkaAddress
	}
	return nil
}
