package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cuemby/kvstore/pkg/catalog"
	"github.com/cuemby/kvstore/pkg/index"
	"github.com/cuemby/kvstore/pkg/kvconfig"
	"github.com/cuemby/kvstore/pkg/kvlog"
	"github.com/cuemby/kvstore/pkg/kvmetrics"
	"github.com/cuemby/kvstore/pkg/kvstore"
	"github.com/cuemby/kvstore/pkg/replication"
	"github.com/cuemby/kvstore/pkg/storage"
	"github.com/cuemby/kvstore/pkg/storage/fsbackend"
	"github.com/cuemby/kvstore/pkg/storage/netbackend"
	"github.com/cuemby/kvstore/pkg/syncer"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kvstore",
	Short:   "kvstore is an embedded key-value store with tag indexing, transactions, and replication",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("kvstore version %s\nCommit: %s\n", Version, Commit))

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", true, "Output logs in JSON format")
	flags.String("data-dir", "./data", "Root directory for the filesystem backend and metadata catalog")
	flags.String("db", "default", "Database name")
	flags.String("namespace", "default", "Namespace within the database")
	flags.String("storage-backend", string(kvconfig.Filesystem), "Storage backend: filesystem or networked-kv")
	flags.String("net-addr", "127.0.0.1:9100", "Networked-kv backend address (client dial / server listen)")
	flags.Int("buffer-mb", 4, "Write buffer high-water mark in megabytes")
	flags.Int("cache-size", 1000, "Tag query cache capacity")
	flags.String("replication-mode", "none", "Replication role: none, primary, or secondary")
	flags.String("replication-listen", fmt.Sprintf(":%d", kvconfig.DefaultListenPort), "Primary: address to accept secondary connections on")
	flags.String("replication-primary-endpoint", "", "Secondary: address of the primary to connect to")
	flags.Int("replication-heartbeat-s", 5, "Primary heartbeat interval in seconds")
	flags.Int("replication-max-op-log", 10000, "Primary in-memory operation ring capacity")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(setCmd, getCmd, deleteCmd, queryTagsCmd, statsCmd, serveCmd)

	setCmd.Flags().Int64("ttl", 0, "Expire the key after this many seconds (0 = no expiration)")
	setCmd.Flags().StringSlice("tags", nil, "Comma-separated tags to attach to the key")
	queryTagsCmd.Flags().String("operator", "and", "Tag combination operator: and, or, or not")
	serveCmd.Flags().String("metrics-addr", ":2112", "Address to expose Prometheus metrics on (empty disables)")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	kvlog.Init(kvlog.Config{Level: kvlog.Level(level), JSONOutput: jsonOut})
}

// configFromFlags builds a kvconfig.Config from the root command's
// persistent flags: one concrete wiring path constructing the struct
// directly from cobra flags.
func configFromFlags(cmd *cobra.Command) (kvconfig.Config, error) {
	cfg := kvconfig.Default()

	cfg.DataFolderPath, _ = cmd.Flags().GetString("data-dir")
	cfg.DB, _ = cmd.Flags().GetString("db")
	cfg.Namespace, _ = cmd.Flags().GetString("namespace")
	backendKind, _ := cmd.Flags().GetString("storage-backend")
	cfg.StorageBackend = kvconfig.StorageBackendKind(backendKind)
	cfg.BufferSizeMB, _ = cmd.Flags().GetInt("buffer-mb")
	cfg.CacheSize, _ = cmd.Flags().GetInt("cache-size")

	netAddr, _ := cmd.Flags().GetString("net-addr")
	host, portStr, err := net.SplitHostPort(netAddr)
	if err == nil {
		port, _ := strconv.Atoi(portStr)
		cfg.ConnectionParams = kvconfig.ConnectionParams{Host: host, Port: port, PoolSize: 8}
	}

	mode, _ := cmd.Flags().GetString("replication-mode")
	cfg.Replication.Mode = kvconfig.ReplicationMode(mode)
	cfg.Replication.Listen, _ = cmd.Flags().GetString("replication-listen")
	cfg.Replication.PrimaryEndpoint, _ = cmd.Flags().GetString("replication-primary-endpoint")
	cfg.Replication.HeartbeatS, _ = cmd.Flags().GetInt("replication-heartbeat-s")
	cfg.Replication.MaxOpLog, _ = cmd.Flags().GetInt("replication-max-op-log")

	return cfg, nil
}

// app bundles the wired store with the resources openStore created
// alongside it; cleanup releases them in reverse order.
type app struct {
	store   *kvstore.Store
	primary *replication.Primary
	cleanup func()
}

// openStore wires a Store per cfg: a filesystem backend pairs with a
// catalog; a networked-kv backend carries its own native metadata and
// needs no catalog. In primary replication mode the returned app also
// carries the replication.Primary the store broadcasts through, so serve
// can accept secondary connections on the same instance.
func openStore(cfg kvconfig.Config) (*app, error) {
	var (
		backend storage.Backend
		cat     *catalog.Catalog
		closers []func()
	)

	switch cfg.StorageBackend {
	case kvconfig.NetworkedKV:
		addr := fmt.Sprintf("%s:%d", cfg.ConnectionParams.Host, cfg.ConnectionParams.Port)
		backend = netbackend.New(addr, netbackend.Options{PoolSize: cfg.ConnectionParams.PoolSize})
	default:
		fsb, err := fsbackend.New(filepath.Join(cfg.DataFolderPath, cfg.DB))
		if err != nil {
			return nil, err
		}
		backend = fsb
		cat, err = catalog.Open(filepath.Join(cfg.DataFolderPath, cfg.DB+"_meta.bbolt"))
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { cat.Close() })
	}

	var primary *replication.Primary
	if cfg.Replication.Mode == kvconfig.ReplicationPrimary {
		primary = replication.NewPrimary(cfg.Replication.MaxOpLog, time.Duration(cfg.Replication.HeartbeatS)*time.Second)
		primary.Start()
		closers = append(closers, primary.Stop)
	}

	s, err := kvstore.New(kvstore.Options{
		DB:                       cfg.DB,
		Namespace:                cfg.Namespace,
		Backend:                  backend,
		Catalog:                  cat,
		BufferHighWaterMarkBytes: int64(cfg.BufferSizeMB) * 1 << 20,
		CacheCapacity:            cfg.CacheSize,
		Primary:                  primary,
		ReadOnly:                 cfg.Replication.Mode == kvconfig.ReplicationSecondary,
	})
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}
	closers = append(closers, func() { s.Close() })

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return &app{store: s, primary: primary, cleanup: cleanup}, nil
}

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a value under a key, optionally with a ttl and tags",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		a, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer a.cleanup()

		ttl, _ := cmd.Flags().GetInt64("ttl")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		ctx := context.Background()
		if ttl > 0 {
			return a.store.SetWithTTL(ctx, args[0], []byte(args[1]), ttl, tags)
		}
		return a.store.Set(ctx, args[0], []byte(args[1]), tags)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a key's current value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		a, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer a.cleanup()

		value, err := a.store.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		a, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer a.cleanup()
		return a.store.Delete(context.Background(), args[0])
	},
}

var queryTagsCmd = &cobra.Command{
	Use:   "query-tags <tag> [tag...]",
	Short: "List keys matching a tag combination",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		a, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer a.cleanup()

		opName, _ := cmd.Flags().GetString("operator")
		op := index.Operator(strings.ToLower(opName))
		result := a.store.QueryByTagsAdvanced(args, op, 1, 0)
		for _, key := range result.Keys {
			fmt.Println(key)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		a, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer a.cleanup()

		stats := a.store.Stats()
		fmt.Printf("keys=%d active_transactions=%d buffer_bytes=%d uptime_s=%.1f cache_hits=%d cache_misses=%d\n",
			stats.KeyCount, stats.ActiveTransactions, stats.BufferBytes, stats.UptimeSeconds, stats.Cache.Hits, stats.Cache.Misses)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background synchronizer (and, if configured, a networked-kv server or replication endpoint) until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		a, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer a.cleanup()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		sync := syncer.New(time.Duration(cfg.FlushIntervalS)*time.Second, 0)
		sync.Register(cfg.DB+"/"+cfg.Namespace, a.store)
		sync.Start()
		defer sync.Stop(context.Background())

		if cfg.StorageBackend == kvconfig.NetworkedKV {
			addr := fmt.Sprintf("%s:%d", cfg.ConnectionParams.Host, cfg.ConnectionParams.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			defer ln.Close()
			srv := netbackend.NewServer()
			go srv.Serve(ctx, ln)
			kvlog.Event(kvlog.WithComponent("cmd"), kvlog.InfoLevel, "netbackend_listening", 0, true, map[string]any{"addr": addr})
		}

		if cfg.Replication.Mode == kvconfig.ReplicationPrimary {
			ln, err := net.Listen("tcp", cfg.Replication.Listen)
			if err != nil {
				return err
			}
			defer ln.Close()
			go a.primary.Serve(ctx, ln)
			kvlog.Event(kvlog.WithComponent("cmd"), kvlog.InfoLevel, "replication_primary_listening", 0, true, map[string]any{"addr": cfg.Replication.Listen})
		}

		if cfg.Replication.Mode == kvconfig.ReplicationSecondary && cfg.Replication.PrimaryEndpoint != "" {
			secondary := replication.NewSecondary(a.store, func(dctx context.Context) (net.Conn, error) {
				return netbackend.Dial(dctx, cfg.Replication.PrimaryEndpoint, 5*time.Second)
			})
			secondary.Start(ctx)
			defer secondary.Stop()
		}

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr != "" {
			reg := prometheus.NewRegistry()
			kvmetrics.MustRegister(reg)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: metricsAddr, Handler: mux}
			go srv.ListenAndServe()
			defer srv.Close()
		}

		<-ctx.Done()
		return nil
	},
}
