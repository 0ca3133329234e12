// Package kvconfig enumerates the configuration fields the core
// consumes. No loader lives here — config-file loading is explicitly
// out of scope — but cmd/kvstore shows one concrete wiring path,
// constructing a Config directly from cobra flags.
package kvconfig

// StorageBackendKind selects which concrete storage.Backend a Config
// wires up.
type StorageBackendKind string

const (
	Filesystem  StorageBackendKind = "filesystem"
	NetworkedKV StorageBackendKind = "networked-kv"
)

// ReplicationMode selects a store's role in the replication layer.
type ReplicationMode string

const (
	ReplicationNone      ReplicationMode = "none"
	ReplicationPrimary   ReplicationMode = "primary"
	ReplicationSecondary ReplicationMode = "secondary"
)

// ConnectionParams configures a networked-kv backend's connection pool
// and credentials. AuthToken and DBIndex are accepted for schema parity
// but unused by netbackend, which has no authentication or transport
// encryption layer; operators deploy on a trusted network or tunnel.
type ConnectionParams struct {
	Host      string
	Port      int
	AuthToken string
	DBIndex   *int
	PoolSize  int
}

// ReplicationConfig configures a store's replication role.
type ReplicationConfig struct {
	Mode            ReplicationMode
	Listen          string
	PrimaryEndpoint string
	HeartbeatS      int
	MaxOpLog        int
}

// Config is the full set of fields a caller assembles for one store
// instance.
type Config struct {
	DataFolderPath string
	DB             string
	Namespace      string

	BufferSizeMB       int
	FlushIntervalS     int
	CompressionEnabled bool

	StorageBackend   StorageBackendKind
	ConnectionParams ConnectionParams

	EnableTransactions bool
	EnableBackup       bool
	EnableIndexing     bool
	CacheSize          int

	Replication ReplicationConfig
}

// DefaultListenPort is the replication wire protocol's default port.
const DefaultListenPort = 9000

// Default returns a Config with sane baseline defaults (db and
// namespace still require the caller to fill them in).
func Default() Config {
	return Config{
		StorageBackend:     Filesystem,
		BufferSizeMB:       4,
		FlushIntervalS:     5,
		CompressionEnabled: true,
		EnableTransactions: true,
		EnableBackup:       true,
		EnableIndexing:     true,
		CacheSize:          1000,
		Replication: ReplicationConfig{
			Mode:       ReplicationNone,
			HeartbeatS: 5,
			MaxOpLog:   10000,
		},
	}
}
