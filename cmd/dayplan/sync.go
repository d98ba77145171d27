package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/dayplan/internal/cache"
	"github.com/mschirtzinger/dayplan/internal/changefeed"
	"github.com/mschirtzinger/dayplan/internal/daemon"
	"github.com/mschirtzinger/dayplan/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replay queued writes, then refresh the cache from the remote",
	Long: `Replay every ready outbox entry against the remote, then pull lists,
rules, overrides and the tasks of the coming window into the local cache.

Rows with queued local writes are left alone by the pull.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		days, _ := cmd.Flags().GetInt("days")

		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()
		if a.offline != nil {
			stats, _ := a.session.Queue().Stats(ctx)
			fmt.Printf("%s Remote unavailable: %v\n", ui.RenderWarn("⚠"), a.offline)
			fmt.Printf("   %d writes pending\n", stats.Pending)
			return
		}
		if days <= 0 {
			days = a.cfg.Window.Days
		}

		start := a.session.Today()
		end := start.AddDays(days - 1)
		began := time.Now()
		drained, pulled, err := a.session.Sync(ctx, start, end)
		if err != nil {
			fatalf("during sync: %v", err)
		}

		mark := ui.RenderPass("✓")
		if drained.Failed > 0 || drained.DeadLettered > 0 {
			mark = ui.RenderWarn("⚠")
		}
		fmt.Printf("%s Sync complete in %v\n", mark, time.Since(began).Round(time.Millisecond))
		fmt.Printf("   Outbox: %s\n", drained)
		fmt.Printf("   Pulled: %d lists, %d rules, %d overrides, %d tasks (%d occurrences seen)\n",
			pulled.Lists, pulled.Rules, pulled.Overrides, pulled.Tasks, pulled.Occurrences)
		if pulled.Deleted > 0 || pulled.Skipped > 0 {
			fmt.Printf("   Removed %d stale tasks, kept %d rows with pending writes\n", pulled.Deleted, pulled.Skipped)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cache and outbox status",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()
		queue := a.session.Queue()

		stats, err := queue.Stats(ctx)
		if err != nil {
			fatalf("reading outbox: %v", err)
		}
		dead, err := queue.Entries(ctx, cache.OutboxFilter{OnlyDead: true})
		if err != nil {
			fatalf("reading outbox: %v", err)
		}
		if jsonOutput {
			printJSON(map[string]any{
				"cache":      a.cfg.CacheFile(),
				"online":     a.offline == nil,
				"pending":    stats.Pending,
				"dead":       dead,
			})
			return
		}

		fmt.Printf("\n%s dayplan status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Cache: %s\n", a.cfg.CacheFile())
		if a.offline != nil {
			fmt.Printf("Remote: %s %v\n", ui.RenderWarn("offline"), a.offline)
		} else {
			fmt.Printf("Remote: %s\n", ui.RenderPass("online"))
		}
		if url := a.cfg.Remote.ChangefeedURL; url != "" {
			fmt.Printf("Change feed: %s\n", url)
		}
		fmt.Printf("Pending writes: %d\n", stats.Pending)
		if stats.Oldest != nil {
			fmt.Printf("Oldest pending: %s\n", stats.Oldest.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("Dead writes: %d\n", stats.Dead)
		for _, e := range dead {
			fmt.Printf("  %s #%d %s %s after %d attempts: %s\n",
				ui.RenderFail("✗"), e.ID, e.Op, e.Key(), e.Attempts, e.LastError)
		}
		if stats.Dead > 0 {
			fmt.Printf("\nRun 'dayplan outbox retry <id>' to replay a dead write\n")
		}
		fmt.Println()
	},
}

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "sync",
	Short:   "Inspect and revive queued writes",
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <entry-id>...",
	Short: "Revive dead writes so the next sync replays them",
	Args:  cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		allDead, _ := cmd.Flags().GetBool("all-dead")
		if !allDead && len(args) == 0 {
			fatalf("give entry ids or --all-dead")
		}

		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()
		queue := a.session.Queue()

		var ids []int64
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				fatalf("invalid entry id %q", arg)
			}
			ids = append(ids, id)
		}
		if allDead {
			dead, err := queue.Entries(ctx, cache.OutboxFilter{OnlyDead: true})
			if err != nil {
				fatalf("reading outbox: %v", err)
			}
			for _, e := range dead {
				ids = append(ids, e.ID)
			}
		}

		for _, id := range ids {
			if err := queue.Retry(ctx, id); err != nil {
				fatalf("reviving #%d: %v", id, err)
			}
			fmt.Printf("%s Revived #%d\n", ui.RenderPass("✓"), id)
		}
	},
}

var outboxLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "Show queued writes",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		withDead, _ := cmd.Flags().GetBool("dead")

		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()

		entries, err := a.session.Queue().Entries(ctx, cache.OutboxFilter{IncludeDead: withDead})
		if err != nil {
			fatalf("reading outbox: %v", err)
		}
		if jsonOutput {
			printJSON(entries)
			return
		}
		for _, e := range entries {
			mark := "○"
			if e.Dead {
				mark = ui.RenderFail("✗")
			} else if e.Attempts > 0 {
				mark = ui.RenderWarn("↻")
			}
			fmt.Printf("%s #%-5d %-6s %s", mark, e.ID, e.Op, e.Key())
			if e.LastError != "" {
				fmt.Printf("  %s", ui.RenderMuted(e.LastError))
			}
			fmt.Println()
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon in the foreground",
	Long: `Run the sync daemon until interrupted.

The daemon:
  1. Drains the outbox on the configured schedule
  2. Drains shortly after the cache file is written
  3. Re-pulls the window when the remote reports a change
  4. Serves Prometheus metrics when --metrics-addr is set`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx, true)
		defer a.Close()
		if a.offline != nil {
			fatalf("the daemon needs a reachable remote: %v", a.offline)
		}

		metricsAddr := a.cfg.Metrics.Addr
		if cmd.Flags().Changed("metrics-addr") {
			metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
		}
		loc, _ := a.cfg.Location()

		d, err := daemon.New(a.session, &daemon.Config{
			CachePath:        a.cfg.CacheFile(),
			DrainSchedule:    a.cfg.Sync.DrainSchedule,
			DebounceInterval: a.cfg.Sync.Debounce,
			WindowDays:       a.cfg.Window.Days,
			MaxBatch:         a.cfg.Sync.MaxBatch,
			MetricsAddr:      metricsAddr,
			Location:         loc,
			Logger:           a.logger,
		})
		if err != nil {
			fatalf("creating daemon: %v", err)
		}
		if err := d.Start(ctx); err != nil {
			fatalf("starting daemon: %v", err)
		}
		fmt.Printf("%s Daemon running (drain %s)", ui.RenderPass("✓"), a.cfg.Sync.DrainSchedule)
		if metricsAddr != "" {
			fmt.Printf(", metrics on %s/metrics", metricsAddr)
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()
		fmt.Println("\nStopping daemon...")
		if err := d.Stop(); err != nil {
			fatalf("stopping daemon: %v", err)
		}
		stats := d.Stats()
		fmt.Printf("%s Stopped after %d drains and %d pulls\n", ui.RenderPass("✓"), stats.Drains, stats.Pulls)
	},
}

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "sync",
	Short:   "Run the change-notification relay",
	Long: `Run a WebSocket relay that fans remote change events out to every
connected planner.

Writers POST events to /publish; planners subscribe on /ws. Point
remote.changefeed_url of each planner at this relay.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		logger := newLogger(cfg, true)

		addr := cfg.Relay.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}

		server := changefeed.NewServer(&changefeed.Config{Addr: addr, Logger: logger})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start relay: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Relay listening on %s\n", server.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Printf("Publish endpoint: http://%s/publish\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-cmd.Context().Done()
		fmt.Println("\nShutting down relay...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping relay: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Relay stopped")
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out, err := loadConfig().Redacted().YAML()
		if err != nil {
			fatalf("encoding config: %v", err)
		}
		fmt.Print(string(out))
	},
}

func init() {
	syncCmd.Flags().Int("days", 0, "days to pull, starting today (default window.days)")
	outboxRetryCmd.Flags().Bool("all-dead", false, "revive every dead write")
	outboxLsCmd.Flags().Bool("dead", false, "include dead writes")
	daemonCmd.Flags().String("metrics-addr", "", "serve /metrics on this address")
	relayCmd.Flags().String("addr", "", "listen address (default relay.addr)")

	outboxCmd.AddCommand(outboxRetryCmd, outboxLsCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(syncCmd, statusCmd, outboxCmd, daemonCmd, relayCmd, configCmd)
}
