package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	shardring "go-shardring"
	"go-shardring/database"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var (
	configPath string
	backend    string
	dbURL      string
	vnodeCount int
	nodes      []string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "ringctl",
		Short: "Drive a sharded, replicated key/value cluster",
		Long: `Ringctl places keys on a consistent hashing ring of storage nodes.
Every key has a primary on its ring owner and a backup on the owner's clockwise successor.
Nodes can be added, removed, failed and recovered while the cluster migrates data between them.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "ringctl.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Record store backend: memory or postgres")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection URL")
	rootCmd.PersistentFlags().IntVar(&vnodeCount, "vnodes", 0, "Number of ring positions per node")
	rootCmd.PersistentFlags().StringSliceVar(&nodes, "nodes", nil, "Comma separated host:port node ids")

	rootCmd.AddCommand(newDemoCmd(), newServeCmd(), newConsoleCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfig loads the config file and applies flag overrides.
func resolveConfig(cmd *cobra.Command) (Config, error) {
	var cfg, err = loadConfig(configPath)
	if err != nil {
		return cfg, err
	}

	var flags = cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = backend
	}
	if flags.Changed("db") {
		cfg.Postgres.URL = dbURL
	}
	if flags.Changed("vnodes") {
		cfg.Ring.VNodes = vnodeCount
	}
	if flags.Changed("nodes") {
		cfg.Nodes = nodes
	}

	return cfg, cfg.validate()
}

// storeFactory creates the record store for a node.
type storeFactory func(id shardring.NodeID) shardring.RecordStore

// openStores prepares the configured backend. The returned closer releases its resources.
func openStores(ctx context.Context, cfg Config) (storeFactory, func(), error) {
	if cfg.Backend == backendMemory {
		return func(shardring.NodeID) shardring.RecordStore {
			return shardring.NewMemoryStore()
		}, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := database.Migrate(db, cfg.Postgres.Table); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return func(id shardring.NodeID) shardring.RecordStore {
		return shardring.NewPostgresStore(db, cfg.Postgres.Table, id)
	}, func() { _ = db.Close() }, nil
}

// buildCluster creates a cluster and joins every configured node.
func buildCluster(ctx context.Context, cfg Config, logger *slog.Logger) (*shardring.Cluster, storeFactory, func(), error) {
	var newStore, closeStores, err = openStores(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	var cluster = shardring.New(cfg.clusterOptions(logger)...)
	for _, id := range cfg.nodeIDs() {
		if _, err := cluster.AddNode(ctx, id, newStore(id)); err != nil {
			closeStores()
			return nil, nil, nil, fmt.Errorf("failed to add node %s: %w", id, err)
		}
	}

	return cluster, newStore, closeStores, nil
}
