package cluster

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-mail/pkg/validation"
)

// Config defines a node's identity and protocol timing
type Config struct {
	// Node identification
	PeerID   PeerID  `yaml:"peer_id" validate:"required"`
	ShardID  ShardID `yaml:"shard_id" validate:"required"`
	Addr     string  `yaml:"addr" validate:"required,hostname_port"` // Address peers reach this node at (host:port)
	Hostname string  `yaml:"hostname"`

	// Epoch distinguishes this process from earlier runs of the same peer id.
	// Zero means "use the process start time".
	Epoch      uint64 `yaml:"epoch"`
	Generation uint64 `yaml:"generation"`

	// Seed peers as "<peer_id>@<host:port>"
	Seeds []string `yaml:"seeds"`

	// Failure detection
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`        // Interval between heartbeats (default: 100ms)
	HeartbeatWindow         int           `yaml:"heartbeat_window"`          // RTT samples per peer (default: 1024)
	Sensitivity             float64       `yaml:"sensitivity"`               // k in mean + k*stddev (default: 4)
	InitialHeartbeatTimeout time.Duration `yaml:"initial_heartbeat_timeout"` // Deadline until the window fills (default: 1s)
	MinHeartbeatTimeout     time.Duration `yaml:"min_heartbeat_timeout"`     // Floor for the adaptive deadline (default: 50ms)
	OfflineGCAfter          time.Duration `yaml:"offline_gc_after"`          // Forget peers offline this long (default: 1h)

	// Election
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"` // default: 300ms
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"` // default: 600ms

	// Replication
	MaxAppendEntries int `yaml:"max_append_entries"` // Entries per AppendEntries (default: 64)

	// Gossip
	GossipInterval time.Duration `yaml:"gossip_interval"` // default: 1s
	GossipFanout   int           `yaml:"gossip_fanout"`   // default: 3

	// Timing
	TickInterval time.Duration `yaml:"tick_interval"` // Engine clock resolution (default: 10ms)
	RPCTimeout   time.Duration `yaml:"rpc_timeout"`   // Bound on a single send (default: 500ms)

	// Transport
	Codec      string `yaml:"codec" validate:"omitempty,oneof=json msgpack"` // default: msgpack
	ClusterKey string `yaml:"cluster_key"`                                   // Seals peer frames when set

	// Storage
	DataDir string `yaml:"data_dir"` // Raft log and hard state; empty keeps the log in memory
}

// DefaultConfig returns the default protocol timing. Identity fields are left empty.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:       100 * time.Millisecond,
		HeartbeatWindow:         DefaultHeartbeatWindow,
		Sensitivity:             4,
		InitialHeartbeatTimeout: time.Second,
		MinHeartbeatTimeout:     50 * time.Millisecond,
		OfflineGCAfter:          time.Hour,
		ElectionTimeoutMin:      300 * time.Millisecond,
		ElectionTimeoutMax:      600 * time.Millisecond,
		MaxAppendEntries:        64,
		GossipInterval:          time.Second,
		GossipFanout:            3,
		TickInterval:            10 * time.Millisecond,
		RPCTimeout:              500 * time.Millisecond,
		Codec:                   "msgpack",
	}
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.HeartbeatInterval = validation.DefaultOrDuration(c.HeartbeatInterval, d.HeartbeatInterval)
	c.HeartbeatWindow = validation.DefaultOr(c.HeartbeatWindow, d.HeartbeatWindow)
	c.Sensitivity = validation.DefaultOr(c.Sensitivity, d.Sensitivity)
	c.InitialHeartbeatTimeout = validation.DefaultOrDuration(c.InitialHeartbeatTimeout, d.InitialHeartbeatTimeout)
	c.MinHeartbeatTimeout = validation.DefaultOrDuration(c.MinHeartbeatTimeout, d.MinHeartbeatTimeout)
	c.OfflineGCAfter = validation.DefaultOrDuration(c.OfflineGCAfter, d.OfflineGCAfter)
	c.ElectionTimeoutMin = validation.DefaultOrDuration(c.ElectionTimeoutMin, d.ElectionTimeoutMin)
	c.ElectionTimeoutMax = validation.DefaultOrDuration(c.ElectionTimeoutMax, d.ElectionTimeoutMax)
	c.MaxAppendEntries = validation.DefaultOr(c.MaxAppendEntries, d.MaxAppendEntries)
	c.GossipInterval = validation.DefaultOrDuration(c.GossipInterval, d.GossipInterval)
	c.GossipFanout = validation.DefaultOr(c.GossipFanout, d.GossipFanout)
	c.TickInterval = validation.DefaultOrDuration(c.TickInterval, d.TickInterval)
	c.RPCTimeout = validation.DefaultOrDuration(c.RPCTimeout, d.RPCTimeout)
	c.Codec = validation.DefaultOr(c.Codec, d.Codec)
	return c
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cv := validation.NewConfigValidator("Config").
		RangeInt("HeartbeatWindow", c.HeartbeatWindow, 2, 1<<16).
		PositiveFloat("Sensitivity", c.Sensitivity).
		MinDuration("HeartbeatInterval", c.HeartbeatInterval, time.Millisecond).
		MinDuration("MinHeartbeatTimeout", c.MinHeartbeatTimeout, time.Millisecond).
		MinDuration("InitialHeartbeatTimeout", c.InitialHeartbeatTimeout, c.MinHeartbeatTimeout).
		MinDuration("TickInterval", c.TickInterval, time.Millisecond).
		DurationOrder("ElectionTimeoutMin", "ElectionTimeoutMax", c.ElectionTimeoutMin, c.ElectionTimeoutMax).
		RangeInt("MaxAppendEntries", c.MaxAppendEntries, 1, 4096).
		Positive("GossipFanout", c.GossipFanout).
		When(c.ClusterKey != "", func(v *validation.ConfigValidator) {
			v.MinLength("ClusterKey", c.ClusterKey, 16)
		}).
		Custom("ElectionTimeoutMin", func() error {
			if c.ElectionTimeoutMin <= c.HeartbeatInterval {
				return ErrElectionTimeoutTooSmall
			}
			return nil
		}).
		Custom("Seeds", func() error {
			_, err := ParseSeeds(c.Seeds)
			return err
		})

	if err := cv.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfig reads a YAML file, applies defaults and validates the result
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies defaults and validates the result
func ParseConfig(data []byte) (Config, error) {
	c, err := DecodeConfig(data)
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// DecodeConfig decodes YAML and applies defaults without validating, for
// callers that layer flag overrides on top
func DecodeConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return c.withDefaults(), nil
}

// Seed is a statically configured peer
type Seed struct {
	ID   PeerID
	Addr string
}

// ParseSeeds parses "<peer_id>@<host:port>" entries
func ParseSeeds(seeds []string) ([]Seed, error) {
	out := make([]Seed, 0, len(seeds))
	seen := make(map[PeerID]bool, len(seeds))
	for _, s := range seeds {
		idPart, addr, ok := strings.Cut(strings.TrimSpace(s), "@")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not <peer_id>@<host:port>", ErrInvalidSeed, s)
		}
		id, err := strconv.ParseUint(idPart, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("%w: %q has an invalid peer id", ErrInvalidSeed, s)
		}
		if err := validation.ValidatePeerAddress(addr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
		}
		if seen[PeerID(id)] {
			return nil, fmt.Errorf("%w: peer %d listed twice", ErrInvalidSeed, id)
		}
		seen[PeerID(id)] = true
		out = append(out, Seed{ID: PeerID(id), Addr: addr})
	}
	return out, nil
}
