package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	shardring "go-shardring"

	"github.com/spf13/cobra"
)

func newDemoCmd() *cobra.Command {
	var (
		keyCount int
		failNode string
		readKeys []string
	)

	var cmd = &cobra.Command{
		Use:   "demo",
		Short: "Insert keys, fail a node, read through the backup and recover it",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg, err = resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cfg, keyCount, shardring.NodeID(failNode), readKeys)
		},
	}

	cmd.Flags().IntVar(&keyCount, "keys", 100, "Number of keys to insert")
	cmd.Flags().StringVar(&failNode, "fail", "localhost:27020", "Node to fail and recover")
	cmd.Flags().StringSliceVar(&readKeys, "read", []string{"13", "25", "99"}, "Keys to read after every step")

	return cmd
}

func runDemo(ctx context.Context, cfg Config, keyCount int, failNode shardring.NodeID, readKeys []string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var cluster, _, closeStores, err = buildCluster(ctx, cfg, newLogger(cfg.Logger))
	if err != nil {
		return err
	}
	defer closeStores()

	fmt.Printf("Ring:\n%s\n", cluster.Ring())

	fmt.Printf("Purging existing records...\n")
	if err := cluster.Purge(ctx); err != nil {
		return fmt.Errorf("failed to purge: %w", err)
	}

	fmt.Printf("Inserting %d keys with backups...\n", keyCount)
	var entries = make([]shardring.Entry, keyCount)
	for i := range keyCount {
		var key = strconv.Itoa(i)
		entries[i] = shardring.Entry{Key: key, Value: []byte("value_" + key)}
	}
	if err := cluster.PutBatch(ctx, entries); err != nil {
		return fmt.Errorf("failed to insert keys: %w", err)
	}

	if err := printAudit(ctx, cluster); err != nil {
		return err
	}
	printReads(ctx, cluster, readKeys)

	fmt.Printf("\nFailing node %s...\n", failNode)
	if _, err := cluster.FailNode(failNode); err != nil {
		return fmt.Errorf("failed to fail node: %w", err)
	}
	printReads(ctx, cluster, readKeys)

	fmt.Printf("\nRecovering node %s...\n", failNode)
	var report, recoverErr = cluster.RecoverNode(ctx, failNode)
	if recoverErr != nil && !errors.Is(recoverErr, shardring.ErrPartialMigration) {
		return fmt.Errorf("failed to recover node: %w", recoverErr)
	}
	printReport(report)
	printReads(ctx, cluster, readKeys)

	return printAudit(ctx, cluster)
}

func printReads(ctx context.Context, cluster *shardring.Cluster, keys []string) {
	for _, key := range keys {
		var res, err = cluster.Get(ctx, key)
		if err != nil {
			fmt.Printf("  read %-6s ✗ %v\n", key, err)
			continue
		}
		fmt.Printf("  read %-6s %-12s from %-21s (%s)\n", key, res.Record.Value, res.Node, res.Record.Role)
	}
}

func printAudit(ctx context.Context, cluster *shardring.Cluster) error {
	var report, err = cluster.Audit(ctx)
	if err != nil {
		return fmt.Errorf("failed to audit: %w", err)
	}

	var ids = make([]shardring.NodeID, 0, len(report.Nodes))
	for id := range report.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Printf("\nAudit:\n")
	for _, id := range ids {
		var counts = report.Nodes[id]
		fmt.Printf("  %-21s primary=%-5d backup=%-5d keys=[%s..%s]\n", id, counts.Primary, counts.Backup, counts.MinKey, counts.MaxKey)
	}
	for _, id := range report.Unreachable {
		fmt.Printf("  %-21s unreachable\n", id)
	}
	fmt.Printf("  total primary=%d backup=%d\n", report.TotalPrimary, report.TotalBackup)
	return nil
}

func printReport(report shardring.MigrationReport) {
	fmt.Printf("  %s migration %s: state=%s copied=%d deleted=%d cleaned=%d pending=%d\n",
		report.Kind, report.ID, report.State, report.Copied, report.Deleted, report.Cleaned, len(report.Pending))
}
