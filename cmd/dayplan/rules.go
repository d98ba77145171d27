package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/dayplan/internal/planner"
	"github.com/mschirtzinger/dayplan/internal/schema"
	"github.com/mschirtzinger/dayplan/internal/ui"
)

var ruleCmd = &cobra.Command{
	Use:     "rule",
	GroupID: "recurrence",
	Short:   "Manage recurring rules",
}

var ruleAddCmd = &cobra.Command{
	Use:   "add [title...]",
	Short: "Create a recurring rule",
	Long: `Create a recurring rule. Occurrences are computed from the rule and
never stored as tasks.

  dayplan rule add Standup --freq weekly --byday MO,WE --at 09:30 --for 15m
  dayplan rule add Rent --freq monthly --bymonthday 31
  dayplan rule add --from-task <task-id> --freq daily

--from-task turns an existing task into a rule and deletes the task.`,
	Run: func(cmd *cobra.Command, args []string) {
		freq, _ := cmd.Flags().GetString("freq")
		interval, _ := cmd.Flags().GetInt("interval")
		byDay, _ := cmd.Flags().GetStringSlice("byday")
		byMonthDay, _ := cmd.Flags().GetIntSlice("bymonthday")
		startRef, _ := cmd.Flags().GetString("start")
		untilRef, _ := cmd.Flags().GetString("until")
		at, _ := cmd.Flags().GetString("at")
		endAt, _ := cmd.Flags().GetString("end")
		estimate, _ := cmd.Flags().GetDuration("for")
		listRef, _ := cmd.Flags().GetString("list")
		notes, _ := cmd.Flags().GetString("notes")
		priority, _ := cmd.Flags().GetInt("priority")
		fromTask, _ := cmd.Flags().GetString("from-task")

		if fromTask == "" && len(args) == 0 {
			fatalf("a title or --from-task is required")
		}

		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()
		engine := a.session.Engine()
		now := time.Now().In(engine.Location())

		rule := &schema.Rule{
			Title:      strings.Join(args, " "),
			Notes:      notes,
			Priority:   priority,
			Interval:   interval,
			ByMonthDay: byMonthDay,
		}
		switch strings.ToLower(freq) {
		case "daily":
			rule.Freq = schema.FreqDaily
		case "weekly":
			rule.Freq = schema.FreqWeekly
		case "monthly":
			rule.Freq = schema.FreqMonthly
		case "yearly":
			if interval > 1 {
				fatalf("yearly rules repeat every year; --interval is not supported")
			}
			rule.Freq = schema.FreqMonthly
			rule.Interval = schema.YearlyInterval
		default:
			fatalf("unknown frequency %q (daily, weekly, monthly, yearly)", freq)
		}

		days, err := parseWeekdays(byDay)
		if err != nil {
			fatalf("%v", err)
		}
		rule.ByDay = days

		if startRef != "" {
			if rule.Start, err = parseDay(startRef, now); err != nil {
				fatalf("%v", err)
			}
		}
		if untilRef != "" {
			until, err := parseDay(untilRef, now)
			if err != nil {
				fatalf("%v", err)
			}
			rule.Until = &until
		}

		var stored *schema.Rule
		if fromTask != "" {
			stored, err = engine.ConvertToRecurring(ctx, fromTask, rule)
		} else {
			if rule.Start.IsZero() {
				rule.Start = engine.Today()
			}
			if rule.PlannedStart, err = parseClock(at); err != nil {
				fatalf("%v", err)
			}
			if rule.PlannedEnd, err = parseClock(endAt); err != nil {
				fatalf("%v", err)
			}
			if rule.PlannedStart != nil && rule.PlannedEnd == nil && estimate > 0 {
				rule.PlannedEnd = schema.Ptr(*rule.PlannedStart + schema.Clock(estimate.Minutes()))
			}
			if estimate > 0 {
				rule.EstimateMinutes = schema.Ptr(int(estimate.Minutes()))
			}
			if listRef != "" {
				rule.ListID = &resolveList(ctx, engine, listRef).ID
			}
			stored, err = engine.SaveRule(ctx, rule)
		}
		if !saved(err) {
			fatalf("saving rule: %v", err)
		}
		if jsonOutput {
			printJSON(stored)
			return
		}
		report(err, "Rule %s: %s %s", stored.Title, describeRule(stored), ui.RenderMuted(stored.ID))
	},
}

func setRuleActive(cmd *cobra.Command, id string, active bool) {
	ctx := cmd.Context()
	a := openApp(ctx, false)
	defer a.Close()

	err := a.session.Engine().SetRuleActive(ctx, id, active)
	verb := "Paused"
	if active {
		verb = "Resumed"
	}
	report(err, "%s rule %s", verb, id)
}

var rulePauseCmd = &cobra.Command{
	Use:   "pause <rule-id>",
	Short: "Stop a rule from producing occurrences",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setRuleActive(cmd, args[0], false)
	},
}

var ruleResumeCmd = &cobra.Command{
	Use:   "resume <rule-id>",
	Short: "Resume a paused rule",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setRuleActive(cmd, args[0], true)
	},
}

var ruleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "Show rules",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")

		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()

		rules, err := a.session.Engine().Rules(ctx, !all)
		if err != nil {
			fatalf("reading rules: %v", err)
		}
		if jsonOutput {
			printJSON(rules)
			return
		}
		for _, r := range rules {
			title := r.Title
			if !r.Active {
				title = ui.RenderMuted(title + " (paused)")
			}
			fmt.Printf("%-28s %-36s %s\n", title, describeRule(r), ui.RenderMuted(r.ID))
		}
	},
}

// describeRule renders a rule as a short phrase, e.g. "every 2 weeks on
// Mon, Wed at 09:30".
func describeRule(r *schema.Rule) string {
	var b strings.Builder
	unit := map[schema.Freq]string{
		schema.FreqDaily:   "day",
		schema.FreqWeekly:  "week",
		schema.FreqMonthly: "month",
	}[r.Freq]

	switch {
	case r.IsYearly():
		fmt.Fprintf(&b, "every year on %s", r.Start.In(time.UTC).Format("Jan 2"))
	case r.Interval > 1:
		fmt.Fprintf(&b, "every %d %ss", r.Interval, unit)
	default:
		fmt.Fprintf(&b, "every %s", unit)
	}
	if len(r.ByDay) > 0 {
		names := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			names[i] = d.String()[:3]
		}
		fmt.Fprintf(&b, " on %s", strings.Join(names, ", "))
	}
	if len(r.ByMonthDay) > 0 && !r.IsYearly() {
		days := make([]string, len(r.ByMonthDay))
		for i, d := range r.ByMonthDay {
			days[i] = fmt.Sprint(d)
		}
		fmt.Fprintf(&b, " on day %s", strings.Join(days, ", "))
	}
	if r.PlannedStart != nil {
		fmt.Fprintf(&b, " at %s", r.PlannedStart)
	}
	if r.Until != nil {
		fmt.Fprintf(&b, " until %s", r.Until)
	}
	return b.String()
}

var occurrenceCmd = &cobra.Command{
	Use:     "occurrence",
	Aliases: []string{"occ"},
	GroupID: "recurrence",
	Short:   "Edit or detach one occurrence of a rule",
}

var occurrenceEditCmd = &cobra.Command{
	Use:   "edit <rule-id> <date>",
	Short: "Edit one occurrence, or the whole series with --scope series",
	Long: `Edit the occurrence of a rule on a date.

With --scope occurrence (the default) only that date changes. With
--scope series the rule itself changes and every occurrence follows;
--status, --actual and --move-to only apply to a single occurrence.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		scopeRef, _ := cmd.Flags().GetString("scope")
		scope, err := planner.ParseScope(scopeRef)
		if err != nil {
			fatalf("%v", err)
		}

		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()
		engine := a.session.Engine()
		now := time.Now().In(engine.Location())

		date, err := parseDay(args[1], now)
		if err != nil {
			fatalf("%v", err)
		}

		var edit planner.Edit
		flags := cmd.Flags()
		if flags.Changed("title") {
			v, _ := flags.GetString("title")
			edit.Title = schema.Set(v)
		}
		if flags.Changed("notes") {
			v, _ := flags.GetString("notes")
			edit.Notes = schema.Set(v)
		}
		if clearNotes, _ := flags.GetBool("clear-notes"); clearNotes {
			edit.Notes = schema.Null[string]()
		}
		if flags.Changed("list") {
			v, _ := flags.GetString("list")
			edit.ListID = schema.Set(resolveList(ctx, engine, v).ID)
		}
		if flags.Changed("status") {
			v, _ := flags.GetString("status")
			edit.Status = schema.Set(schema.Status(strings.ToLower(v)))
		}
		if flags.Changed("actual") {
			v, _ := flags.GetDuration("actual")
			edit.ActualMinutes = schema.Set(int(v.Minutes()))
		}
		day := date
		if flags.Changed("move-to") {
			v, _ := flags.GetString("move-to")
			if day, err = parseDay(v, now); err != nil {
				fatalf("%v", err)
			}
			edit.MovedTo = schema.Set(day)
		}
		if flags.Changed("at") {
			v, _ := flags.GetString("at")
			start, err := parseMoment(v, day, now)
			if err != nil {
				fatalf("%v", err)
			}
			edit.PlannedStart = schema.Set(start)
		}
		if flags.Changed("end") {
			v, _ := flags.GetString("end")
			end, err := parseMoment(v, day, now)
			if err != nil {
				fatalf("%v", err)
			}
			edit.PlannedEnd = schema.Set(end)
		}

		err = engine.Edit(ctx, args[0], date, scope, edit)
		report(err, "Edited %s of %s on %s", scope, args[0], date)
	},
}

var occurrenceDetachCmd = &cobra.Command{
	Use:   "detach <rule-id> <date>",
	Short: "Turn one occurrence into a standalone task",
	Long: `Skip the occurrence of a rule on a date and create a standalone task
carrying its effective fields. The rule keeps producing the other dates.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx, false)
		defer a.Close()
		engine := a.session.Engine()

		date, err := parseDay(args[1], time.Now().In(engine.Location()))
		if err != nil {
			fatalf("%v", err)
		}
		task, err := engine.Detach(ctx, args[0], date)
		if !saved(err) {
			fatalf("detaching %s on %s: %v", args[0], date, err)
		}
		report(err, "Detached %s on %s as task %s", args[0], date, ui.RenderMuted(task.ID))
	},
}

func init() {
	f := ruleAddCmd.Flags()
	f.String("freq", "weekly", "daily, weekly, monthly or yearly")
	f.Int("interval", 1, "repeat every N days, weeks or months")
	f.StringSlice("byday", nil, "weekdays for weekly rules, e.g. MO,WE")
	f.IntSlice("bymonthday", nil, "days of the month for monthly rules")
	f.String("start", "", "first day (default today)")
	f.String("until", "", "last day")
	f.String("at", "", "planned start, HH:MM")
	f.String("end", "", "planned end, HH:MM")
	f.Duration("for", 0, "estimated duration, e.g. 15m")
	f.String("list", "", "list name or id")
	f.String("notes", "", "notes")
	f.Int("priority", 0, "priority")
	f.String("from-task", "", "convert this task into the rule")

	ruleLsCmd.Flags().Bool("all", false, "include paused rules")

	e := occurrenceEditCmd.Flags()
	e.String("scope", "occurrence", "occurrence or series")
	e.String("title", "", "title")
	e.String("notes", "", "notes")
	e.Bool("clear-notes", false, "clear the notes")
	e.String("list", "", "list name or id")
	e.String("status", "", "todo, doing, done or canceled")
	e.Duration("actual", 0, "time actually spent")
	e.String("move-to", "", "show the occurrence on another day")
	e.String("at", "", "planned start")
	e.String("end", "", "planned end")

	ruleCmd.AddCommand(ruleAddCmd, rulePauseCmd, ruleResumeCmd, ruleLsCmd)
	occurrenceCmd.AddCommand(occurrenceEditCmd, occurrenceDetachCmd)
	rootCmd.AddCommand(ruleCmd, occurrenceCmd)
}
