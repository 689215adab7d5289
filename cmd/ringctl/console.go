package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	shardring "go-shardring"

	"github.com/eiannone/keyboard"
	"github.com/spf13/cobra"
)

func newConsoleCmd() *cobra.Command {
	var keyCount int

	var cmd = &cobra.Command{
		Use:   "console",
		Short: "Fail and recover nodes interactively while watching placement",
		Long: `Console loads keys into the cluster and redraws node status every second.
Press 1-9 to fail or recover the n-th node, 'a' to audit, 'v' to verify and 'q' to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg, err = resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runConsole(cmd.Context(), cfg, keyCount)
		},
	}

	cmd.Flags().IntVar(&keyCount, "keys", 100, "Number of keys to insert on start")

	return cmd
}

func runConsole(ctx context.Context, cfg Config, keyCount int) error {
	var cluster, _, closeStores, err = buildCluster(ctx, cfg, newLogger(cfg.Logger))
	if err != nil {
		return err
	}
	defer closeStores()

	if err := cluster.Purge(ctx); err != nil {
		return fmt.Errorf("failed to purge: %w", err)
	}
	var entries = make([]shardring.Entry, keyCount)
	for i := range keyCount {
		var key = fmt.Sprint(i)
		entries[i] = shardring.Entry{Key: key, Value: []byte("value_" + key)}
	}
	if err := cluster.PutBatch(ctx, entries); err != nil {
		return fmt.Errorf("failed to insert keys: %w", err)
	}

	printStatus(cluster)

	// Set up periodic status updates
	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// Set up signal handling for graceful shutdown
	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	var keyCh = make(chan rune)
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- char
		}
	}()

	for {
		select {
		case <-ticker.C:
			printStatus(cluster)
		case <-sigCh:
			return nil
		case key := <-keyCh:
			switch {
			case key == 'q' || key == 'Q':
				return nil
			case key == 'a' || key == 'A':
				if err := printAudit(ctx, cluster); err != nil {
					fmt.Fprintf(os.Stderr, "❌ %v\n", err)
				}
			case key == 'v' || key == 'V':
				printViolations(ctx, cluster)
			case key >= '1' && key <= '9':
				toggleNode(ctx, cluster, int(key-'1'))
			}
		}
	}
}

// toggleNode fails a live node or recovers a failed one.
func toggleNode(ctx context.Context, cluster *shardring.Cluster, idx int) {
	var nodes = cluster.Nodes()
	if idx >= len(nodes) {
		return
	}

	var id = nodes[idx]
	if cluster.IsLive(id) {
		fmt.Fprintf(os.Stderr, "\n🔌 Failing %s...\n", id)
		if _, err := cluster.FailNode(id); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Failed to fail node: %v\n", err)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "\n🔌 Recovering %s...\n", id)
	var report, err = cluster.RecoverNode(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Recovery incomplete: %v\n", err)
	}
	printReport(report)
}

func printViolations(ctx context.Context, cluster *shardring.Cluster) {
	var violations, err = cluster.Verify(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		return
	}
	if len(violations) == 0 {
		fmt.Printf("\n✓ Every key is placed correctly\n")
		return
	}
	fmt.Printf("\n%d violations:\n", len(violations))
	for _, v := range violations {
		fmt.Printf("  %-8s %-18s on %s, want %s\n", v.Key, v.Kind, v.Node, v.Want)
	}
}

func printStatus(cluster *shardring.Cluster) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Println(cluster.Ring().String())

	fmt.Printf("\nNodes:\n")
	for i, id := range cluster.Nodes() {
		var status = "✓ live"
		if !cluster.IsLive(id) {
			status = "✗ failed"
		}
		fmt.Printf("  [%d] %-21s %s\n", i+1, id, status)
	}

	fmt.Printf("\nControls:\n")
	fmt.Printf("  [1-9] Fail or recover a node\n")
	fmt.Printf("  [a] Audit record counts\n")
	fmt.Printf("  [v] Verify placement\n")
	fmt.Printf("  [q] Quit\n")
}
