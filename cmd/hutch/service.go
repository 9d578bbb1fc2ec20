package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/types"
)

var deployCmd = &cobra.Command{
	Use:   "deploy SERVICE",
	Short: "Deploy a service from Lua source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		format, _ := cmd.Flags().GetString("format")
		code, err := readCode(file)
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		h, err := c.Deploy(ctx, args[0], code, format)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Deployed %s/%s\n", h.Tenant, h.Service)
		fmt.Printf("  Worker: %s (pid %d)\n", h.ID, h.PID)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's services",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		entries, err := c.List(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No services deployed")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tWORKER\tSTATE\tSTARTED")
		for _, e := range entries {
			state := "dead"
			if e.Alive {
				state = "alive"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.Service, e.Handle.ID, state, humanize.Time(e.Handle.StartedAt))
		}
		return w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status SERVICE",
	Short: "Show a service's live status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		st, err := c.Status(ctx, args[0])
		if err != nil {
			return err
		}
		state := "dead"
		if st.Alive {
			state = "alive"
		}
		fmt.Printf("Service:    %s/%s\n", st.Handle.Tenant, st.Handle.Service)
		fmt.Printf("Worker:     %s (pid %d)\n", st.Handle.ID, st.Handle.PID)
		fmt.Printf("State:      %s\n", state)
		fmt.Printf("Started:    %s\n", humanize.Time(st.Handle.StartedAt))
		fmt.Printf("Memory:     %s\n", humanize.Bytes(st.Memory))
		fmt.Printf("Queue:      %d\n", st.QueueLen)
		fmt.Printf("Reductions: %d\n", st.Reductions)
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill SERVICE",
	Short: "Stop a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		grace, _ := cmd.Flags().GetDuration("grace")
		force, _ := cmd.Flags().GetBool("force")

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		if err := c.Kill(ctx, args[0], grace, force); err != nil {
			return err
		}
		fmt.Printf("✓ Killed %s\n", args[0])
		return nil
	},
}

var swapCmd = &cobra.Command{
	Use:   "swap SERVICE",
	Short: "Hot-swap a running service's code in place",
	Long: `Hot-swap a running service's code in place, keeping the worker and its
mailbox. The old version is restored automatically if the new one
crashes inside the rollback window.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		window, _ := cmd.Flags().GetDuration("window")
		code, err := readCode(file)
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		res, err := c.Swap(ctx, args[0], code, window)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Swapped %s/%s: v%d -> v%d\n", res.Tenant, res.Service, res.OldVersion, res.NewVersion)
		fmt.Printf("  Rollback window: %dms\n", res.WindowMS)
		return nil
	},
}

var replaceCmd = &cobra.Command{
	Use:   "replace SERVICE",
	Short: "Replace a service: kill it and deploy fresh code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		code, err := readCode(file)
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		h, err := c.Replace(ctx, args[0], code)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Replaced %s/%s\n", h.Tenant, h.Service)
		fmt.Printf("  Worker: %s (pid %d)\n", h.ID, h.PID)
		return nil
	},
}

var invokeCmd = &cobra.Command{
	Use:   "invoke SERVICE OP",
	Short: "Send one request to a service and print its reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payloadRaw, _ := cmd.Flags().GetString("payload")
		var payload map[string]any
		if payloadRaw != "" {
			if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
				return fmt.Errorf("parse --payload: %v", err)
			}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		reply, err := c.Invoke(ctx, args[0], args[1], payload, flagTimeout)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(reply, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the event log",
	Long: `Follow the event log: replay stored events from --since first, then
stream live ones until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		service, _ := cmd.Flags().GetString("service")
		sinceID, _ := cmd.Flags().GetUint64("since")
		typesRaw, _ := cmd.Flags().GetString("types")

		filter := events.Filter{Service: service, SinceID: sinceID}
		if typesRaw != "" {
			for _, t := range strings.Split(typesRaw, ",") {
				filter.Types = append(filter.Types, types.EventType(strings.TrimSpace(t)))
			}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		stream, err := c.Watch(ctx, filter)
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			e, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			printEvent(e)
		}
	},
}

func printEvent(e *types.Event) {
	line := fmt.Sprintf("%s  #%-6d %-26s %s",
		e.WallClock.Format(time.RFC3339), e.ID, e.Type, e.Subject)
	if len(e.Payload) > 0 {
		if data, err := json.Marshal(e.Payload); err == nil {
			line += "  " + string(data)
		}
	}
	if e.CausationID != nil {
		line += "  caused_by=#" + strconv.FormatUint(*e.CausationID, 10)
	}
	fmt.Println(line)
}

func init() {
	deployCmd.Flags().StringP("file", "f", "", "Lua source file (\"-\" for stdin)")
	deployCmd.Flags().String("format", "", "Source format (default lua)")
	_ = deployCmd.MarkFlagRequired("file")

	killCmd.Flags().Duration("grace", 0, "Grace period before a hard kill (0 = server default)")
	killCmd.Flags().Bool("force", false, "Hard-kill after the grace period")

	swapCmd.Flags().StringP("file", "f", "", "Lua source file (\"-\" for stdin)")
	swapCmd.Flags().Duration("window", 0, "Rollback window (0 = server default)")
	_ = swapCmd.MarkFlagRequired("file")

	replaceCmd.Flags().StringP("file", "f", "", "Lua source file (\"-\" for stdin)")
	_ = replaceCmd.MarkFlagRequired("file")

	invokeCmd.Flags().StringP("payload", "p", "", "JSON payload object")

	watchCmd.Flags().String("service", "", "Only this service's events")
	watchCmd.Flags().Uint64("since", 0, "Replay stored events after this id")
	watchCmd.Flags().String("types", "", "Comma-separated event types")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(swapCmd)
	rootCmd.AddCommand(replaceCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(watchCmd)
}
