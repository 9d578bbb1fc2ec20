package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the daemon's component health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		report, err := c.Health(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Status: %s\n", report.Status)
		names := make([]string, 0, len(report.Components))
		for name := range report.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			res := report.Components[name]
			mark := "✓"
			if !res.Healthy {
				mark = "✗"
			}
			fmt.Printf("  %s %-14s %s\n", mark, name, res.Message)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show kernel counters and admission state",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		snap, err := c.Metrics(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Events:    last id %d, %d retained\n", snap.LastEventID, snap.EventsRetained)
		fmt.Printf("Workers:   %d running across %d tenants\n", snap.WorkersRunning, snap.TenantsActive)
		fmt.Printf("Atoms:     %d interned\n", snap.Namespaces)
		fmt.Printf("In flight: %d/%d total, %d tenants active\n",
			snap.Shedder.TotalInFlight, snap.Shedder.MaxTotal, snap.Shedder.NumTenants)
		for _, b := range snap.Breakers {
			fmt.Printf("Breaker:   %s/%s %s\n", b.Tenant, b.Service, b.State)
		}
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the daemon to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		grace, _ := cmd.Flags().GetDuration("grace")

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		if err := c.Shutdown(ctx, grace); err != nil {
			return err
		}
		fmt.Println("✓ Shutdown requested")
		return nil
	},
}

func init() {
	shutdownCmd.Flags().Duration("grace", 10*time.Second, "Grace period for draining workers")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(shutdownCmd)
}
