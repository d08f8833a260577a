package config

// Config holds all configuration for a quorumkv node.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Node    NodeConfig    `yaml:"node"`
	Raft    RaftConfig    `yaml:"raft"`
	Server  ServerConfig  `yaml:"http-server"`
	Storage StorageConfig `yaml:"storage"`
	Lease   LeaseConfig   `yaml:"lease"`
	Watch   WatchConfig   `yaml:"watch"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// NodeConfig describes identity and cluster membership of the node.
// Peers lists every member of the cluster, including this node.
type NodeConfig struct {
	ID    uint64       `yaml:"id"`
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID  uint64 `yaml:"id"`
	URL string `yaml:"url"`
}

// RaftConfig controls the consensus module. Tick counts are multiples of
// the tick interval; election must be well above heartbeat.
type RaftConfig struct {
	TickIntervalMs    int `yaml:"tick_interval_ms"`
	ElectionTick      int `yaml:"election_tick"`
	HeartbeatTick     int `yaml:"heartbeat_tick"`
	MaxEntriesPerMsg  int `yaml:"max_entries_per_msg"`
	SnapshotThreshold int `yaml:"snapshot_threshold"`
}

type ServerConfig struct {
	Port                int `yaml:"port"`
	ReadHeaderTimeoutMs int `yaml:"read_header_timeout_ms"`
	ShutdownTimeoutMs   int `yaml:"shutdown_timeout_ms"`
}

// StorageConfig covers the durable raft log and the in-memory revision
// history window.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// HistoryLimit bounds how many revisions stay readable for
	// historical gets and watch catch-up before auto-compaction.
	HistoryLimit int `yaml:"history_limit"`
}

type LeaseConfig struct {
	SweepIntervalMs int `yaml:"sweep_interval_ms"`
	MinTTLSeconds   int `yaml:"min_ttl_seconds"`
}

type WatchConfig struct {
	// BufferSize is the per-watcher event buffer. A watcher that lets it
	// overflow is closed rather than stalling the apply path.
	BufferSize int `yaml:"buffer_size"`
}

// Default returns a baseline development config for a single-node cluster.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Node: NodeConfig{
			ID: 1,
			Peers: []PeerConfig{
				{ID: 1, URL: "http://localhost:8080"},
			},
		},
		Raft: RaftConfig{
			TickIntervalMs:    100,
			ElectionTick:      10,
			HeartbeatTick:     2,
			MaxEntriesPerMsg:  256,
			SnapshotThreshold: 10000,
		},
		Server: ServerConfig{
			Port:                8080,
			ReadHeaderTimeoutMs: 1000,
			ShutdownTimeoutMs:   5000,
		},
		Storage: StorageConfig{
			DataDir:      "./data",
			HistoryLimit: 4096,
		},
		Lease: LeaseConfig{
			SweepIntervalMs: 500,
			MinTTLSeconds:   1,
		},
		Watch: WatchConfig{
			BufferSize: 128,
		},
	}
}
