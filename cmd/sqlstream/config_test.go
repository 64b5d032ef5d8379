package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/grafana/sqlstream/pkg/routing"
	"github.com/grafana/sqlstream/pkg/statement"
	"github.com/grafana/sqlstream/pkg/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := parseConfig(nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":8088", cfg.HTTPListenAddress)
	require.Equal(t, "info", cfg.LogLevel.String())
	require.True(t, cfg.Engine.SourceTableMaterializationEnabled)
	require.Equal(t, 100, cfg.Engine.MaxTransientQueries)
	require.Equal(t, 16, cfg.Routing.MaxConcurrentRequests)
	require.False(t, cfg.Routing.Ring.Enabled)
	require.Equal(t, "inmemory", cfg.Routing.Ring.KVStore.Store)
	require.False(t, cfg.Kafka.Enabled())
}

func TestParseConfig_FileAndFlags(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
engine:
  max_persistent_queries: 5
  shared_runtime_enabled: true
routing:
  local_address: a:8088
  hosts: a:8088,b:8088
  ring:
    enabled: true
    replication_factor: 3
    kvstore:
      store: consul
kafka:
  address: localhost:9092
`)

	cfg, err := parseConfig([]string{"-config.file", path, "-engine.max-persistent-queries", "7"})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "debug", cfg.LogLevel.String())
	require.True(t, cfg.Engine.SharedRuntimeEnabled)
	// Flags take precedence over the file.
	require.Equal(t, 7, cfg.Engine.MaxPersistentQueries)
	require.Equal(t, "a:8088", cfg.Routing.LocalAddr)
	require.Equal(t, []string{"a:8088", "b:8088"}, []string(cfg.Routing.Hosts))
	require.True(t, cfg.Routing.Ring.Enabled)
	require.Equal(t, 3, cfg.Routing.Ring.ReplicationFactor)
	require.Equal(t, "consul", cfg.Routing.Ring.KVStore.Store)
	require.Equal(t, 128, cfg.Routing.Ring.NumTokens)
	require.Equal(t, "localhost:9092", cfg.Kafka.Address)
	// Unset values keep their defaults.
	require.Equal(t, 1000, cfg.Engine.PullQueueCapacity)
}

func TestParseConfig_Invalid(t *testing.T) {
	_, err := parseConfig([]string{"-config.file", writeConfig(t, "unknown_field: 1\n")})
	require.ErrorContains(t, err, "unknown_field")

	_, err = parseConfig([]string{"-config.file", filepath.Join(t.TempDir(), "missing.yaml")})
	require.ErrorContains(t, err, "reading config file")

	cfg, err := parseConfig([]string{"-routing.max-concurrent-requests", "0"})
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), "invalid routing config")

	cfg, err = parseConfig([]string{"-engine.immutable-properties", "no.such.property"})
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), "invalid engine config")
}

func TestNewServer(t *testing.T) {
	cfg, err := parseConfig(nil)
	require.NoError(t, err)

	s, err := newServer(cfg, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer s.close()
	require.NotNil(t, s.engine)
	require.Nil(t, s.kafka)

	// Services are not started yet.
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Forwarded queries are decoded and handed to the engine.
	payload, err := statement.Marshal(&statement.BareQuery{Query: statement.Query{From: "MISSING", PullQuery: true}})
	require.NoError(t, err)
	body, err := json.Marshal(routing.PullRequest{StatementText: "SELECT * FROM MISSING;", Statement: payload})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, transport.PullPath, bytes.NewReader(body))
	req.Header.Set(transport.ForwardedHeader, "true")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "MISSING")
}

func TestNewServer_Ring(t *testing.T) {
	cfg, err := parseConfig([]string{"-routing.ring.enabled", "-routing.local-address", "a:8088"})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	s, err := newServer(cfg, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer s.close()
	require.NotNil(t, s.engine)
}
