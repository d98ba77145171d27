package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/dayplan/internal/config"
	"github.com/mschirtzinger/dayplan/internal/identity"
	"github.com/mschirtzinger/dayplan/internal/planner"
	"github.com/mschirtzinger/dayplan/internal/schema"
	"github.com/mschirtzinger/dayplan/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Create the config file and the local cache",
	Long: `Write a default config file with a fresh owner id, open the local cache
and create the Inbox list.

With --seed, lists and recurring rules are created from a TOML file.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		seedPath, _ := cmd.Flags().GetString("seed")

		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		err := config.WriteDefault(path, identity.NewID())
		switch {
		case err == nil:
			fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		case errors.Is(err, os.ErrExist):
			fmt.Printf("%s Keeping existing %s\n", ui.RenderMuted("•"), path)
		default:
			fatalf("writing config: %v", err)
		}
		configPath = path

		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()
		fmt.Printf("%s Cache ready at %s\n", ui.RenderPass("✓"), a.cfg.CacheFile())

		if seedPath != "" {
			seedPlanner(ctx, a.session.Engine(), seedPath)
		}
	},
}

func seedPlanner(ctx context.Context, engine *planner.Engine, path string) {
	seed, err := config.LoadSeed(path)
	if err != nil {
		fatalf("%v", err)
	}
	lists, err := engine.Lists(ctx)
	if err != nil {
		fatalf("reading lists: %v", err)
	}
	byName := make(map[string]string, len(lists))
	for _, l := range lists {
		byName[strings.ToLower(l.Name)] = l.ID
	}

	for _, sl := range seed.Lists {
		if _, ok := byName[strings.ToLower(sl.Name)]; ok {
			continue
		}
		list, err := engine.SaveList(ctx, &schema.List{Name: sl.Name, SortIndex: sl.SortIndex})
		if !saved(err) {
			fatalf("seed list %q: %v", sl.Name, err)
		}
		report(err, "List %s %s", list.Name, ui.RenderMuted(list.ID))
		byName[strings.ToLower(list.Name)] = list.ID
	}

	for _, sr := range seed.Rules {
		var listID *string
		if sr.List != "" {
			id, ok := byName[strings.ToLower(sr.List)]
			if !ok {
				fatalf("seed rule %q: unknown list %q", sr.Title, sr.List)
			}
			listID = &id
		}
		rule, err := sr.Rule(listID, engine.Today())
		if err != nil {
			fatalf("seed rule %q: %v", sr.Title, err)
		}
		stored, err := engine.SaveRule(ctx, rule)
		if !saved(err) {
			fatalf("seed rule %q: %v", sr.Title, err)
		}
		report(err, "Rule %s %s", stored.Title, ui.RenderMuted(stored.ID))
	}
}

var addCmd = &cobra.Command{
	Use:     "add <title...>",
	GroupID: "tasks",
	Short:   "Add a task",
	Long: `Add a standalone task.

Dates accept YYYY-MM-DD or phrases such as "tomorrow" and "next friday".
--at accepts HH:MM on the due day or a phrase such as "tomorrow at 3pm".`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		due, _ := cmd.Flags().GetString("due")
		at, _ := cmd.Flags().GetString("at")
		estimate, _ := cmd.Flags().GetDuration("for")
		listRef, _ := cmd.Flags().GetString("list")
		notes, _ := cmd.Flags().GetString("notes")
		priority, _ := cmd.Flags().GetInt("priority")

		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()
		engine := a.session.Engine()
		now := time.Now().In(engine.Location())

		task := &schema.Task{
			Title:    strings.Join(args, " "),
			Notes:    notes,
			Priority: priority,
		}
		day := engine.Today()
		if due != "" {
			d, err := parseDay(due, now)
			if err != nil {
				fatalf("%v", err)
			}
			task.DueDate = &d
			day = d
		}
		if at != "" {
			start, err := parseMoment(at, day, now)
			if err != nil {
				fatalf("%v", err)
			}
			task.PlannedStart = &start
			if estimate > 0 {
				task.PlannedEnd = schema.Ptr(start.Add(estimate))
			}
		}
		if estimate > 0 {
			task.EstimateMinutes = schema.Ptr(int(estimate.Minutes()))
		}
		if listRef != "" {
			list := resolveList(ctx, engine, listRef)
			task.ListID = &list.ID
		}

		created, err := engine.SaveTask(ctx, task)
		if !saved(err) {
			fatalf("adding task: %v", err)
		}
		if jsonOutput {
			printJSON(created)
			return
		}
		report(err, "Added %s %s", created.Title, ui.RenderMuted(created.ID))
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <task-id>",
	GroupID: "tasks",
	Short:   "Mark a task done",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()

		task, err := a.session.Engine().CompleteTask(ctx, args[0])
		if !saved(err) {
			fatalf("completing %s: %v", args[0], err)
		}
		report(err, "Done: %s", task.Title)
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <task-id>",
	GroupID: "tasks",
	Short:   "Delete a task and its subtasks",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()

		err := a.session.Engine().DeleteTask(ctx, args[0])
		report(err, "Deleted %s", args[0])
	},
}

var windowCmd = &cobra.Command{
	Use:     "window",
	GroupID: "tasks",
	Short:   "Show the tasks and occurrences of the coming days",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		from, _ := cmd.Flags().GetString("from")
		days, _ := cmd.Flags().GetInt("days")

		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()
		engine := a.session.Engine()
		loc := engine.Location()

		start := engine.Today()
		if from != "" {
			d, err := parseDay(from, time.Now().In(loc))
			if err != nil {
				fatalf("%v", err)
			}
			start = d
		}
		if days <= 0 {
			days = a.cfg.Window.Days
		}
		end := start.AddDays(days - 1)

		items, err := engine.Window(ctx, start, end)
		if err != nil {
			fatalf("reading window: %v", err)
		}
		if jsonOutput {
			printJSON(items)
			return
		}
		printWindow(items, start, end, loc)
	},
}

func printWindow(items []planner.Item, start, end schema.Date, loc *time.Location) {
	i := 0
	for d := start; !d.After(end); d = d.AddDays(1) {
		fmt.Printf("\n%s\n", ui.RenderHeader(d.In(loc).Format("Mon Jan 2")))
		empty := true
		for ; i < len(items) && items[i].Date == d; i++ {
			empty = false
			it := items[i]
			clock := "     "
			if s := it.Start(); s != nil {
				clock = s.In(loc).Format("15:04")
			}
			mark := ""
			if it.Occurrence != nil {
				mark = " " + ui.RenderAccent("↻")
			}
			fmt.Printf("  %s %s %s%s  %s\n", statusMarker(it.Status()), clock, it.Title(), mark, ui.RenderMuted(it.Key()))
		}
		if empty {
			fmt.Printf("  %s\n", ui.RenderMuted("nothing planned"))
		}
	}
	fmt.Println()
}

func statusMarker(s schema.Status) string {
	switch s {
	case schema.StatusDone:
		return ui.RenderPass("✓")
	case schema.StatusDoing:
		return ui.RenderAccent("▶")
	case schema.StatusCanceled:
		return ui.RenderMuted("✗")
	default:
		return "○"
	}
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "tasks",
	Short:   "Manage lists",
}

var listAddCmd = &cobra.Command{
	Use:   "add <name...>",
	Short: "Create a list",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sortIndex, _ := cmd.Flags().GetInt("sort")

		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()

		list, err := a.session.Engine().SaveList(ctx, &schema.List{
			Name:      strings.Join(args, " "),
			SortIndex: sortIndex,
		})
		if !saved(err) {
			fatalf("creating list: %v", err)
		}
		report(err, "Created list %s %s", list.Name, ui.RenderMuted(list.ID))
	},
}

var listRmCmd = &cobra.Command{
	Use:   "rm <list>",
	Short: "Delete a list, moving its tasks to the backlog or another list",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		moveTo, _ := cmd.Flags().GetString("move-to")
		purge, _ := cmd.Flags().GetBool("purge")
		if purge && moveTo != "" {
			fatalf("--purge and --move-to are mutually exclusive")
		}

		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()
		engine := a.session.Engine()

		list := resolveList(ctx, engine, args[0])
		how := planner.ListDeletion{Purge: purge}
		if moveTo != "" {
			how.MoveTo = &resolveList(ctx, engine, moveTo).ID
		}

		n, err := engine.DeleteList(ctx, list.ID, how)
		if !saved(err) {
			fatalf("deleting list %s: %v", list.Name, err)
		}
		verb := "moved"
		if purge {
			verb = "deleted"
		}
		report(err, "Deleted list %s (%d tasks %s)", list.Name, n, verb)
	},
}

var listLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "Show lists",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()
		engine := a.session.Engine()

		lists, err := engine.Lists(ctx)
		if err != nil {
			fatalf("reading lists: %v", err)
		}
		if jsonOutput {
			printJSON(lists)
			return
		}
		for _, l := range lists {
			n, err := engine.CountTasksInList(ctx, l.ID)
			if err != nil {
				fatalf("counting tasks: %v", err)
			}
			name := l.Name
			if l.System {
				name = ui.RenderAccent(name)
			}
			fmt.Printf("%-24s %4d  %s\n", name, n, ui.RenderMuted(l.ID))
		}
	},
}

// resolveList finds a list by id or, case-insensitively, by name.
func resolveList(ctx context.Context, engine *planner.Engine, ref string) *schema.List {
	lists, err := engine.Lists(ctx)
	if err != nil {
		fatalf("reading lists: %v", err)
	}
	for _, l := range lists {
		if l.ID == ref {
			return l
		}
	}
	for _, l := range lists {
		if strings.EqualFold(l.Name, ref) {
			return l
		}
	}
	fatalf("no list named %q", ref)
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encoding output: %v", err)
	}
}

func init() {
	initCmd.Flags().String("seed", "", "TOML file with lists and rules to create")

	addCmd.Flags().String("due", "", "due date")
	addCmd.Flags().String("at", "", "planned start")
	addCmd.Flags().Duration("for", 0, "estimated duration, e.g. 30m")
	addCmd.Flags().String("list", "", "list name or id")
	addCmd.Flags().String("notes", "", "notes")
	addCmd.Flags().Int("priority", 0, "priority")

	windowCmd.Flags().String("from", "", "first day (default today)")
	windowCmd.Flags().Int("days", 0, "number of days (default window.days)")

	listAddCmd.Flags().Int("sort", 0, "sort index")
	listRmCmd.Flags().String("move-to", "", "list receiving the tasks (default backlog)")
	listRmCmd.Flags().Bool("purge", false, "delete the tasks instead of moving them")

	listCmd.AddCommand(listAddCmd, listRmCmd, listLsCmd)
	rootCmd.AddCommand(initCmd, addCmd, doneCmd, rmCmd, windowCmd, listCmd)
}
