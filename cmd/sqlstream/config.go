package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	dslog "github.com/grafana/dskit/log"
	"gopkg.in/yaml.v3"

	"github.com/grafana/sqlstream/pkg/config"
	"github.com/grafana/sqlstream/pkg/kafka"
	"github.com/grafana/sqlstream/pkg/routing"
)

// Config is the configuration of a sqlstream server.
type Config struct {
	ConfigFile   string `yaml:"-"`
	PrintVersion bool   `yaml:"-"`
	VerifyConfig bool   `yaml:"-"`

	LogLevel          dslog.Level `yaml:"log_level"`
	HTTPListenAddress string      `yaml:"http_listen_address"`

	Engine  config.Config  `yaml:"engine"`
	Routing routing.Config `yaml:"routing"`
	Kafka   kafka.Config   `yaml:"kafka"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ConfigFile, "config.file", "", "YAML file to load the configuration from. Command line flags take precedence.")
	f.BoolVar(&c.PrintVersion, "version", false, "Print the version and exit.")
	f.BoolVar(&c.VerifyConfig, "config.verify", false, "Validate the configuration and exit.")
	f.StringVar(&c.HTTPListenAddress, "server.http-listen-address", ":8088", "Address the HTTP server listens on.")

	c.LogLevel.RegisterFlags(f)
	c.Engine.RegisterFlags(f)
	c.Routing.RegisterFlags(f)
	c.Kafka.RegisterFlags(f)
}

func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("invalid routing config: %w", err)
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("invalid kafka config: %w", err)
	}
	return nil
}

// parseConfig builds the configuration from flag defaults, the YAML file
// named by -config.file and finally the command line flags.
func parseConfig(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("sqlstream", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.ConfigFile != "" {
		b, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parsing config file %s: %w", cfg.ConfigFile, err)
		}
		if err := fs.Parse(args); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
