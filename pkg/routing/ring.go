package routing

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/kv"
	"github.com/grafana/dskit/ring"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ringName = "sqlstream"
	ringKey  = "sqlstream"

	ringAutoForgetUnhealthyPeriods = 10
)

// RingConfig configures the hash ring the hosts of a cluster join. Each
// partition of a materialized source is served by the instances the ring
// assigns to it.
type RingConfig struct {
	Enabled           bool          `yaml:"enabled"`
	KVStore           kv.Config     `yaml:"kvstore"`
	InstanceID        string        `yaml:"instance_id"`
	HeartbeatPeriod   time.Duration `yaml:"heartbeat_period"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReplicationFactor int           `yaml:"replication_factor"`
	NumTokens         int           `yaml:"num_tokens"`
	TokensFilePath    string        `yaml:"tokens_file_path"`
}

func (cfg *RingConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	cfg.KVStore.Store = "inmemory"
	cfg.KVStore.RegisterFlagsWithPrefix(prefix, "sqlstream/", f)

	f.BoolVar(&cfg.Enabled, prefix+"enabled", false, "Locate partitions and queries with a hash ring instead of the static host list.")
	f.StringVar(&cfg.InstanceID, prefix+"instance-id", "", "Instance ID to register in the ring. Defaults to the local address.")
	f.DurationVar(&cfg.HeartbeatPeriod, prefix+"heartbeat-period", 15*time.Second, "Period at which to heartbeat to the ring.")
	f.DurationVar(&cfg.HeartbeatTimeout, prefix+"heartbeat-timeout", time.Minute, "Heartbeat timeout after which an instance is considered unhealthy.")
	f.IntVar(&cfg.ReplicationFactor, prefix+"replication-factor", 2, "Number of instances serving each partition.")
	f.IntVar(&cfg.NumTokens, prefix+"num-tokens", 128, "Number of tokens owned by each instance.")
	f.StringVar(&cfg.TokensFilePath, prefix+"tokens-file-path", "", "File the instance tokens are persisted to across restarts.")
}

func (cfg *RingConfig) Validate() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.ReplicationFactor <= 0 || cfg.NumTokens <= 0 {
		return errors.New("ring replication factor and number of tokens must be positive")
	}
	if cfg.HeartbeatTimeout > 0 && cfg.HeartbeatPeriod >= cfg.HeartbeatTimeout {
		return errors.New("ring heartbeat period must be shorter than the heartbeat timeout")
	}
	return nil
}

// RingManager registers this host in the ring and keeps a watched copy of
// it for locating partitions and queries.
type RingManager struct {
	services.Service

	cfg    RingConfig
	logger log.Logger

	lifecycler *ring.BasicLifecycler
	ring       *ring.Ring

	subservices        *services.Manager
	subservicesWatcher *services.FailureWatcher
}

// NewRingManager creates the ring client and the lifecycler registering
// addr. Neither runs until the manager is started.
func NewRingManager(cfg RingConfig, addr string, logger log.Logger, reg prometheus.Registerer) (*RingManager, error) {
	m := &RingManager{cfg: cfg, logger: logger}

	store, err := kv.NewClient(cfg.KVStore, ring.GetCodec(), kv.RegistererWithKVName(reg, "sqlstream-ring"), logger)
	if err != nil {
		return nil, errors.Wrap(err, "create ring KV store client")
	}

	ringCfg := ring.Config{
		KVStore:           cfg.KVStore,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ReplicationFactor: cfg.ReplicationFactor,
	}
	m.ring, err = ring.NewWithStoreClientAndStrategy(ringCfg, ringName, ringKey, store, ring.NewIgnoreUnhealthyInstancesReplicationStrategy(), reg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create ring client")
	}

	id := cfg.InstanceID
	if id == "" {
		id = addr
	}
	lifecyclerCfg := ring.BasicLifecyclerConfig{
		ID:               id,
		Addr:             addr,
		HeartbeatPeriod:  cfg.HeartbeatPeriod,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		NumTokens:        cfg.NumTokens,
	}

	var delegate ring.BasicLifecyclerDelegate = m
	delegate = ring.NewLeaveOnStoppingDelegate(delegate, logger)
	if cfg.TokensFilePath != "" {
		delegate = ring.NewTokensPersistencyDelegate(cfg.TokensFilePath, ring.JOINING, delegate, logger)
	}
	if cfg.HeartbeatTimeout > 0 {
		delegate = ring.NewAutoForgetDelegate(ringAutoForgetUnhealthyPeriods*cfg.HeartbeatTimeout, delegate, logger)
	}
	m.lifecycler, err = ring.NewBasicLifecycler(lifecyclerCfg, ringName, ringKey, store, delegate, logger, reg)
	if err != nil {
		return nil, errors.Wrap(err, "create ring lifecycler")
	}

	m.subservices, err = services.NewManager(m.lifecycler, m.ring)
	if err != nil {
		return nil, errors.Wrap(err, "create ring services manager")
	}
	m.subservicesWatcher = services.NewFailureWatcher()
	m.subservicesWatcher.WatchManager(m.subservices)
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m, nil
}

// Ring returns the watched ring.
func (m *RingManager) Ring() ring.ReadRing { return m.ring }

func (m *RingManager) starting(ctx context.Context) (err error) {
	defer func() {
		if err == nil {
			return
		}
		if stopErr := services.StopManagerAndAwaitStopped(context.Background(), m.subservices); stopErr != nil {
			level.Error(m.logger).Log("msg", "failed to stop ring subservices", "err", stopErr)
		}
	}()

	if err := services.StartManagerAndAwaitHealthy(ctx, m.subservices); err != nil {
		return errors.Wrap(err, "start ring subservices")
	}
	id := m.lifecycler.GetInstanceID()
	if err := ring.WaitInstanceState(ctx, m.ring, id, ring.JOINING); err != nil {
		return err
	}
	if err := m.lifecycler.ChangeState(ctx, ring.ACTIVE); err != nil {
		return errors.Wrapf(err, "switch instance to %s in the ring", ring.ACTIVE)
	}
	if err := ring.WaitInstanceState(ctx, m.ring, id, ring.ACTIVE); err != nil {
		return err
	}
	level.Info(m.logger).Log("msg", "instance is ACTIVE in the ring", "instance_id", id)
	return nil
}

func (m *RingManager) running(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-m.subservicesWatcher.Chan():
		return errors.Wrap(err, "ring subservice failed")
	}
}

func (m *RingManager) stopping(_ error) error {
	return services.StopManagerAndAwaitStopped(context.Background(), m.subservices)
}

// ServeHTTP serves the ring status page.
func (m *RingManager) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m.ring.ServeHTTP(w, req)
}

func (m *RingManager) OnRingInstanceRegister(_ *ring.BasicLifecycler, desc ring.Desc, exists bool, _ string, inst ring.InstanceDesc) (ring.InstanceState, ring.Tokens) {
	var tokens []uint32
	if exists {
		tokens = inst.GetTokens()
	}
	gen := ring.NewRandomTokenGenerator()
	tokens = append(tokens, gen.GenerateTokens(m.cfg.NumTokens-len(tokens), desc.GetTokens())...)
	return ring.JOINING, tokens
}

func (m *RingManager) OnRingInstanceTokens(*ring.BasicLifecycler, ring.Tokens) {}

func (m *RingManager) OnRingInstanceStopping(*ring.BasicLifecycler) {}

func (m *RingManager) OnRingInstanceHeartbeat(*ring.BasicLifecycler, *ring.Desc, *ring.InstanceDesc) {}
