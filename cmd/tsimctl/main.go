package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/tsimd/pkg/config"
	"github.com/cuemby/tsimd/pkg/dscp"
	"github.com/cuemby/tsimd/pkg/queue"
	"github.com/cuemby/tsimd/pkg/reconciler"
	"github.com/cuemby/tsimd/pkg/registry"
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
	Use:     "tsimctl",
	Short:   "tsimctl - administer a tsimd server's queue and DSCP pool",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("tsimctl version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "/etc/tsimd/config.json", "path to tsimd's JSON config file")

	queueCmd.AddCommand(queueListCmd, queueCleanupCmd, queueCancelCmd)
	dscpCmd.AddCommand(dscpListCmd)
	rootCmd.AddCommand(queueCmd, dscpCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queued runs",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all runs known to the queue index",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		q, err := queue.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open queue: %w", err)
		}
		defer q.Close()

		runs, err := q.ListState()
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}

		fmt.Printf("%-38s %-10s %-18s %-18s %s\n", "ID", "STATE", "SOURCE", "DESTINATION", "OWNER")
		for _, run := range runs {
			fmt.Printf("%-38s %-10s %-18s %-18s %s\n",
				run.ID, run.State, run.Source, run.Destination, run.Owner)
		}
		return nil
	},
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run one reconciliation cycle immediately (DSCP reclaim, orphan GC, artifact GC)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		reg, err := registry.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open registry: %w", err)
		}
		defer reg.Close()

		q, err := queue.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open queue: %w", err)
		}
		defer q.Close()

		pool := dscp.NewPool(cfg.DSCPPool(), cfg.DataDir+"/locks/dscp.lock", cfg.JobTimeout())
		recon := reconciler.New(reg, pool, q, cfg.DataDir+"/runs")
		recon.ReconcileOnce()
		fmt.Println("reconciliation cycle complete")
		return nil
	},
}

// queueCancelCmd only reaches a still-queued run: tsimctl is a separate
// process from tsimd serve and has no handle on its live Scheduler, so a
// run already dispatched to an Executor can't be cancelled from here. Use
// the HTTP /cancel endpoint for that case.
var queueCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a still-queued run (use the HTTP /cancel endpoint for a running one)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		q, err := queue.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open queue: %w", err)
		}
		defer q.Close()

		if err := q.Cancel(args[0]); err != nil {
			return fmt.Errorf("run is not queued (if it is currently executing, cancel it via the HTTP /cancel endpoint instead): %w", err)
		}
		fmt.Println("run cancelled")
		return nil
	},
}

var dscpCmd = &cobra.Command{
	Use:   "dscp",
	Short: "Inspect the DSCP code point pool",
}

var dscpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List current DSCP allocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		pool := dscp.NewPool(cfg.DSCPPool(), cfg.DataDir+"/locks/dscp.lock", cfg.JobTimeout())

		fmt.Printf("capacity: %d, in use: %d\n\n", pool.Capacity(), pool.InUse())
		fmt.Printf("%-6s %-38s %-10s %s\n", "CODE", "RUN ID", "OWNER PID", "ACQUIRED")
		for _, alloc := range pool.ListAllocations() {
			fmt.Printf("%-6d %-38s %-10d %s\n", alloc.Code, alloc.RunID, alloc.OwnerPID, alloc.AcquiredAt)
		}
		return nil
	},
}
