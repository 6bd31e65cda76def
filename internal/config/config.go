package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/hive/internal/cluster"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete configuration of one hive node.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Consensus  ConsensusConfig  `yaml:"consensus"`
	Membership MembershipConfig `yaml:"membership"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Validation ValidationConfig `yaml:"validation"`
	Trust      TrustConfig      `yaml:"trust"`
	Log        LogConfig        `yaml:"log"`
	Journal    JournalConfig    `yaml:"journal"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	// Capacity overrides the probed host capacity when CPU is non-zero.
	Capacity  cluster.Capacity `yaml:"capacity"`
	ID        string           `yaml:"id"`
	Listen    string           `yaml:"listen"`
	Advertise string           `yaml:"advertise"`
	KeyFile   string           `yaml:"key_file"`
}

// ClusterConfig says how the node finds the rest of the cluster.
// Bootstrap starts a new cluster (optionally with a static Peers list);
// otherwise the node joins through one of Seeds.
type ClusterConfig struct {
	Seeds     []string           `yaml:"seeds"`
	Peers     []cluster.NodeInfo `yaml:"peers"`
	Bootstrap bool               `yaml:"bootstrap"`
}

type ConsensusConfig struct {
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	RPCTimeout         time.Duration `yaml:"rpc_timeout"`
}

type MembershipConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SuspicionTimeout  time.Duration `yaml:"suspicion_timeout"`
	FailureTimeout    time.Duration `yaml:"failure_timeout"`
	JoinVoteTimeout   time.Duration `yaml:"join_vote_timeout"`
	LeaveGrace        time.Duration `yaml:"leave_grace"`
	GossipFanout      int           `yaml:"gossip_fanout"`
	GossipTTL         int           `yaml:"gossip_ttl"`
	DedupWindow       int           `yaml:"dedup_window"`
}

type SchedulerConfig struct {
	TickInterval             time.Duration `yaml:"tick_interval"`
	DefaultAssignmentTimeout time.Duration `yaml:"default_assignment_timeout"`
	ReportTimeout            time.Duration `yaml:"report_timeout"`
	// Strategy is the partition strategy for pending tasks.
	Strategy string `yaml:"strategy"`
	// Balancer picks the node for retried tasks.
	Balancer    string `yaml:"balancer"`
	MaxAttempts int    `yaml:"max_attempts"`
	Workers     int    `yaml:"workers"`
	// ValidationPriority: tasks above this priority always get validated.
	ValidationPriority int `yaml:"validation_priority"`
	// Retention caps the finished tasks kept in memory.
	Retention int `yaml:"retention"`
}

type ValidationConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	Validators         int           `yaml:"validators"`
	ConsensusThreshold float64       `yaml:"consensus_threshold"`
	InitialReputation  float64       `yaml:"initial_reputation"`
	// Specializations limits the task types this node validates; empty means all.
	Specializations []cluster.TaskType `yaml:"specializations"`
}

type TrustConfig struct {
	// BlacklistThreshold blacklists nodes whose score drops below it; 0 disables.
	BlacklistThreshold float64 `yaml:"blacklist_threshold"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// JournalConfig selects the assignment journal backend. An empty Path keeps
// the journal in memory; otherwise it is a BoltDB file.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Default returns a configuration with every tunable set.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Listen: ":8080",
		},
		Consensus: ConsensusConfig{
			ElectionTimeoutMin: 300 * time.Millisecond,
			ElectionTimeoutMax: 450 * time.Millisecond,
			HeartbeatInterval:  100 * time.Millisecond,
			RPCTimeout:         200 * time.Millisecond,
		},
		Membership: MembershipConfig{
			HeartbeatInterval: 200 * time.Millisecond,
			SuspicionTimeout:  time.Second,
			FailureTimeout:    3 * time.Second,
			JoinVoteTimeout:   2 * time.Second,
			LeaveGrace:        5 * time.Second,
			GossipFanout:      3,
			GossipTTL:         3,
			DedupWindow:       1024,
		},
		Scheduler: SchedulerConfig{
			TickInterval:             time.Second,
			DefaultAssignmentTimeout: 30 * time.Second,
			ReportTimeout:            2 * time.Second,
			Strategy:                 "workload_aware",
			Balancer:                 "adaptive",
			MaxAttempts:              3,
			Workers:                  4,
			ValidationPriority:       8,
			Retention:                10000,
		},
		Validation: ValidationConfig{
			Timeout:            10 * time.Second,
			Validators:         3,
			ConsensusThreshold: 0.67,
			InitialReputation:  0.75,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from HIVE_* variables looked up through getenv.
//
//	HIVE_NODE_ID     node.id
//	HIVE_LISTEN      node.listen
//	HIVE_ADVERTISE   node.advertise
//	HIVE_KEY_FILE    node.key_file
//	HIVE_SEEDS       cluster.seeds (comma separated addresses)
//	HIVE_PEERS       cluster.peers (comma separated id=addr pairs)
//	HIVE_BOOTSTRAP   cluster.bootstrap
//	HIVE_LOG_LEVEL   log.level
//	HIVE_LOG_FORMAT  log.format
//	HIVE_JOURNAL     journal.path
//	HIVE_VALIDATES   validation.specializations (comma separated task types)
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set("HIVE_NODE_ID", &c.Node.ID)
	set("HIVE_LISTEN", &c.Node.Listen)
	set("HIVE_ADVERTISE", &c.Node.Advertise)
	set("HIVE_KEY_FILE", &c.Node.KeyFile)
	set("HIVE_LOG_LEVEL", &c.Log.Level)
	set("HIVE_LOG_FORMAT", &c.Log.Format)
	set("HIVE_JOURNAL", &c.Journal.Path)

	if v := getenv("HIVE_SEEDS"); v != "" {
		c.Cluster.Seeds = splitList(v)
	}
	if v := getenv("HIVE_PEERS"); v != "" {
		peers, err := parsePeers(v)
		if err != nil {
			return err
		}
		c.Cluster.Peers = peers
	}
	if v := getenv("HIVE_VALIDATES"); v != "" {
		c.Validation.Specializations = c.Validation.Specializations[:0]
		for _, t := range splitList(v) {
			c.Validation.Specializations = append(c.Validation.Specializations, cluster.TaskType(t))
		}
	}
	if v := getenv("HIVE_BOOTSTRAP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: HIVE_BOOTSTRAP: %v", ErrInvalidConfig, err)
		}
		c.Cluster.Bootstrap = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePeers(v string) ([]cluster.NodeInfo, error) {
	var out []cluster.NodeInfo
	for _, part := range splitList(v) {
		id, addr, ok := strings.Cut(part, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("%w: HIVE_PEERS entry %q is not id=addr", ErrInvalidConfig, part)
		}
		out = append(out, cluster.NodeInfo{ID: id, Addr: addr})
	}
	return out, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Node.ID == "" {
		return fail("node.id is required")
	}
	if c.Node.Listen == "" {
		return fail("node.listen is required")
	}
	if !c.Cluster.Bootstrap && len(c.Cluster.Seeds) == 0 && len(c.Cluster.Peers) == 0 {
		return fail("set cluster.bootstrap, cluster.seeds or cluster.peers")
	}

	cc := c.Consensus
	if cc.ElectionTimeoutMin <= 0 || cc.ElectionTimeoutMax <= cc.ElectionTimeoutMin {
		return fail("election timeout range [%s,%s) is empty", cc.ElectionTimeoutMin, cc.ElectionTimeoutMax)
	}
	if cc.HeartbeatInterval <= 0 || cc.HeartbeatInterval >= cc.ElectionTimeoutMin {
		return fail("consensus heartbeat %s must be below election timeout %s", cc.HeartbeatInterval, cc.ElectionTimeoutMin)
	}
	if cc.RPCTimeout <= 0 {
		return fail("consensus.rpc_timeout must be positive")
	}

	mc := c.Membership
	if mc.HeartbeatInterval <= 0 || mc.SuspicionTimeout <= mc.HeartbeatInterval {
		return fail("membership suspicion timeout must exceed heartbeat interval")
	}
	if mc.FailureTimeout <= mc.SuspicionTimeout {
		return fail("membership failure timeout must exceed suspicion timeout")
	}
	if mc.GossipFanout < 1 || mc.GossipTTL < 1 || mc.DedupWindow < 1 {
		return fail("gossip fanout, ttl and dedup window must be positive")
	}
	if mc.JoinVoteTimeout <= 0 || mc.LeaveGrace < 0 {
		return fail("join vote timeout must be positive and leave grace non-negative")
	}

	sc := c.Scheduler
	if sc.TickInterval <= 0 || sc.DefaultAssignmentTimeout <= 0 || sc.ReportTimeout <= 0 {
		return fail("scheduler intervals must be positive")
	}
	if sc.MaxAttempts < 1 || sc.Workers < 1 || sc.Retention < 1 {
		return fail("scheduler max_attempts, workers and retention must be at least 1")
	}
	if sc.ValidationPriority < 0 || sc.ValidationPriority > 10 {
		return fail("scheduler.validation_priority outside [0,10]")
	}

	vc := c.Validation
	if vc.Validators < 1 {
		return fail("validation.validators must be at least 1")
	}
	if vc.ConsensusThreshold <= 0 || vc.ConsensusThreshold > 1 {
		return fail("validation.consensus_threshold outside (0,1]")
	}
	if vc.InitialReputation < 0 || vc.InitialReputation > 1 {
		return fail("validation.initial_reputation outside [0,1]")
	}
	if vc.Timeout <= 0 {
		return fail("validation.timeout must be positive")
	}
	for _, t := range vc.Specializations {
		if !t.Valid() {
			return fail("validation.specializations: unknown task type %q", t)
		}
	}

	if c.Trust.BlacklistThreshold < 0 || c.Trust.BlacklistThreshold >= 1 {
		return fail("trust.blacklist_threshold outside [0,1)")
	}
	return nil
}

// AdvertiseAddr is the address peers use to reach this node.
func (c Config) AdvertiseAddr() string {
	if c.Node.Advertise != "" {
		return c.Node.Advertise
	}
	host := c.Node.Listen
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host
}
