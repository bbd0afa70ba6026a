package config

// Config is the root configuration of a scopedb node.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Logger  LoggerConfig  `yaml:"logger"`
	Server  ServerConfig  `yaml:"http-server"`
	Storage StorageConfig `yaml:"storage"`
	Scopes  ScopesConfig  `yaml:"scopes"`
}

// NodeConfig describes the node's identity.
type NodeConfig struct {
	NodeID string `yaml:"node_id"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// StorageConfig covers the on-disk engine.
type StorageConfig struct {
	DataDir        string `yaml:"data_dir"`
	WALDir         string `yaml:"wal_dir"`
	CacheSizeMB    int    `yaml:"cache_size_mb"`
	MemTableSizeMB int    `yaml:"memtable_size_mb"`
	MemTableCount  int    `yaml:"memtable_count"`
	// InMemory swaps the engine for a volatile filesystem. Useful for
	// demos and benchmarks, never for real data.
	InMemory bool `yaml:"in_memory"`
}

// ScopesConfig sizes the transactional layer.
type ScopesConfig struct {
	FlushThresholdBytes    int `yaml:"flush_threshold"`
	CleanupBatchMaxBytes   int `yaml:"cleanup_batch_max_bytes"`
	MaxUndoEntriesPerScope int `yaml:"max_undo_entries_per_scope"`
	TaskQueueDepth         int `yaml:"task_queue_depth"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Node: NodeConfig{NodeID: "node-1"},
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			DataDir:        "./data",
			CacheSizeMB:    64,
			MemTableSizeMB: 16,
			MemTableCount:  2,
		},
		Scopes: ScopesConfig{
			FlushThresholdBytes:  512 << 10,
			CleanupBatchMaxBytes: 256 << 10,
			TaskQueueDepth:       64,
		},
	}
}
