package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stressline/internal/affirm"
	"stressline/internal/app"
	"stressline/internal/config"
	"stressline/internal/db"
	"stressline/internal/domain"
	"stressline/internal/engine"
	"stressline/internal/migrate"
	"stressline/internal/repo"
	"stressline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stressline CLI",
	Long: `Stressline tracks stress episodes and turns raw activity logs into gentle signals.
Core concepts:
- Workspace: your .stressline directory holding the database; the profile config lives in the DB and is imported explicitly.
- Episode: one named stress point (say, "intro section stuck") with a 0-10 strength curve over time.
- Timeline: context, appraisal, plan, soothe, and result nodes appended to an episode as you work through it.
- Plans and practices: a coping plan attacks the problem, a breathing practice settles the emotion; finishing either earns a milestone.
- Activity log: append-only browser/editor events; signals, progress counters, and day summaries are derived fresh on every read.
- Milestones: small wins worth keeping; affirm one with 'sl milestone affirm' to get an encouragement back.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STRESSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("profile", "", "profile id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
}

func registerCommands() {
	rootCmd.AddCommand(episodeCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(sootheCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(affirmCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func episodeCmd() *cobra.Command {
	ep := &cobra.Command{
		Use:   "episode",
		Short: "Manage stress episodes",
		Long:  "Episodes are named stress points. They flow active -> snoozed/resolved/maintenance and carry a strength curve, a timeline, and chat.",
	}
	ep.AddCommand(episodeAddCmd())
	ep.AddCommand(episodeListCmd())
	ep.AddCommand(episodeShowCmd())
	ep.AddCommand(episodeStrengthCmd())
	ep.AddCommand(episodeResolveCmd())
	ep.AddCommand(episodeReopenCmd())
	ep.AddCommand(episodeSnoozeCmd())
	ep.AddCommand(episodeCelebrateCmd())
	ep.AddCommand(episodeAppraiseCmd())
	ep.AddCommand(episodeSuggestCmd())
	return ep
}

func episodeAddCmd() *cobra.Command {
	var title, note string
	var strength int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an episode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ep, err := e.CreateEpisode(ctx, engine.EpisodeCreateOptions{
					Title:           title,
					InitialStrength: strength,
					Note:            note,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "episode title")
	cmd.Flags().IntVar(&strength, "strength", 5, "initial strength 0-10")
	cmd.Flags().StringVar(&note, "note", "", "context note")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func episodeListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List episodes with current strength",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEpisodes(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Strength", "Last Sample"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Episode.ID, it.Episode.Title, it.Episode.Status, it.CurrentStrength, it.LastStrengthAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, snoozed, resolved, maintenance)")
	return cmd
}

func episodeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an episode with its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ep, err := e.Repo.GetEpisode(ctx, id)
				if err != nil {
					return err
				}
				current, err := e.Repo.CurrentStrength(ctx, id)
				if err != nil {
					return err
				}
				nodes, err := e.Repo.ListNodes(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"episode":          ep,
						"current_strength": current,
						"timeline":         nodes,
					})
				}
				fmt.Printf("%s (%s) strength %d/10\n", ep.Title, ep.Status, current)
				for _, n := range nodes {
					fmt.Printf("  [%s] %s %s\n", n.TS, n.Kind, n.Title)
				}
				return nil
			})
		},
	}
	return cmd
}

func episodeStrengthCmd() *cobra.Command {
	var value int
	var note, source string
	cmd := &cobra.Command{
		Use:   "strength <id>",
		Short: "Record a strength sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RecordStrength(ctx, args[0], value, note, source, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().IntVar(&value, "value", 0, "strength 0-10")
	cmd.Flags().StringVar(&note, "note", "", "note")
	cmd.Flags().StringVar(&source, "source", "manual", "sample source (manual, plan, practice, auto, other)")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func episodeResolveCmd() *cobra.Command {
	var reason, milestoneText string
	var maintenance bool
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark an episode resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ep, err := e.MarkResolved(ctx, args[0], reason, maintenance, milestoneText, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why it is resolved")
	cmd.Flags().BoolVar(&maintenance, "maintenance", false, "enter maintenance instead of resolved")
	cmd.Flags().StringVar(&milestoneText, "milestone-text", "", "custom milestone title")
	return cmd
}

func episodeReopenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen an episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ep, err := e.Reopen(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
	return cmd
}

func episodeSnoozeCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "snooze <id>",
		Short: "Snooze an episode for a few days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ep, err := e.Snooze(ctx, args[0], days, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 1, "days to snooze")
	return cmd
}

func episodeCelebrateCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "celebrate <id>",
		Short: "Celebrate a step without resolving",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CelebrateMilestone(ctx, args[0], text, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "milestone title")
	return cmd
}

func episodeAppraiseCmd() *cobra.Command {
	var threat, control int
	var resources []string
	var note string
	cmd := &cobra.Command{
		Use:   "appraise <id>",
		Short: "Save a threat/controllability appraisal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SaveAppraisal(ctx, engine.AppraisalOptions{
					EpisodeID:       args[0],
					Threat:          threat,
					Controllability: control,
					Resources:       resources,
					Note:            note,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().IntVar(&threat, "threat", 5, "threat 0-10")
	cmd.Flags().IntVar(&control, "control", 5, "controllability 0-10")
	cmd.Flags().StringArrayVar(&resources, "resource", []string{}, "available resource (repeatable)")
	cmd.Flags().StringVar(&note, "note", "", "note")
	return cmd
}

func episodeSuggestCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "suggest <id>",
		Short: "Ask the coach how to read this stress point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SuggestAppraisal(ctx, args[0], text, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Looks like: %s\n", s.StressType)
				fmt.Printf("Suggested route: %s\n", s.Gate)
				for _, r := range s.Rationale {
					fmt.Printf("  - %s\n", r)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "what is going on, in your own words")
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Coping plans",
		Long:  "A coping plan attacks the problem head on: small steps, a timebox, a fallback. One active plan per episode.",
	}
	plan.AddCommand(planStartCmd())
	plan.AddCommand(planDoneCmd())
	return plan
}

func planStartCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "start <episode-id>",
		Short: "Start a coping plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.StartPlan(ctx, args[0], text, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Plan started (timebox %s):\n", p.Timebox)
				for i, step := range p.Steps {
					fmt.Printf("  %d. %s\n", i+1, step)
				}
				for _, c := range p.SuccessCriteria {
					fmt.Printf("Success looks like: %s\n", c)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "what you are stuck on")
	return cmd
}

func planDoneCmd() *cobra.Command {
	var failed bool
	cmd := &cobra.Command{
		Use:   "done <episode-id>",
		Short: "Complete the active plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CompletePlan(ctx, args[0], !failed, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if p == nil {
					fmt.Println("no active plan")
					return nil
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "close without success")
	return cmd
}

func sootheCmd() *cobra.Command {
	soothe := &cobra.Command{
		Use:   "soothe",
		Short: "Emotion practices",
		Long:  "When the problem cannot move right now, settle the emotion instead: a short guided breathing practice.",
	}
	soothe.AddCommand(sootheStartCmd())
	soothe.AddCommand(sootheDoneCmd())
	return soothe
}

func sootheStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <episode-id>",
		Short: "Start a breathing practice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.StartPractice(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s (%d min)\n", p.Technique, p.DurationMinutes)
				for _, line := range p.Script {
					fmt.Printf("  %s\n", line)
				}
				return nil
			})
		},
	}
	return cmd
}

func sootheDoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "done <episode-id>",
		Short: "Finish the latest practice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.FinishPractice(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if p == nil {
					fmt.Println("no open practice")
					return nil
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func chatCmd() *cobra.Command {
	chat := &cobra.Command{
		Use:   "chat",
		Short: "Episode chat",
	}
	chat.AddCommand(chatSendCmd())
	chat.AddCommand(chatListCmd())
	return chat
}

func chatSendCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "send <episode-id>",
		Short: "Append a chat message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AppendMessage(ctx, args[0], "user", text, nil, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "message text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func chatListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <episode-id>",
		Short: "List chat messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.Repo.ListMessages(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				for _, m := range msgs {
					fmt.Printf("[%s] %s: %s\n", m.TS, m.Role, m.Text)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
		Long:  "The append-only activity log feeds every derivation. Events never mutate; signals and progress are recomputed from scratch on each read.",
	}
	log.AddCommand(logAppendCmd())
	log.AddCommand(logSeedCmd())
	log.AddCommand(logListCmd())
	log.AddCommand(logTailCmd())
	return log
}

func logAppendCmd() *cobra.Command {
	var kind, site, ts string
	var duration float64
	var typing, switches int
	var deep bool
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one activity event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.AppendActivity(ctx, []domain.ActivityEvent{{
					TS:              ts,
					Site:            site,
					Kind:            kind,
					DurationMinutes: duration,
					TypingVolume:    typing,
					SwitchCount:     switches,
					Deep:            deep,
				}}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"appended": n})
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "event kind (active_block, paper_view, typing_burst, tab_switch_spike, ...)")
	cmd.Flags().StringVar(&site, "site", "", "site or tool")
	cmd.Flags().StringVar(&ts, "ts", "", "RFC3339 timestamp (defaults to now)")
	cmd.Flags().Float64Var(&duration, "duration", 0, "duration in minutes")
	cmd.Flags().IntVar(&typing, "typing", 0, "typing volume")
	cmd.Flags().IntVar(&switches, "switches", 0, "tab switch count")
	cmd.Flags().BoolVar(&deep, "deep", false, "deep read")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func logSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed a demo activity log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SeedActivity(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("seeded %d events\n", n)
				return nil
			})
		},
	}
	return cmd
}

func logListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activity events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListActivity(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Kind", "Site", "Min", "Typing", "Switches"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.TS, ev.Kind, ev.Site, ev.DurationMinutes, ev.TypingVolume, ev.SwitchCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func signalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Show derived attention signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				signals, err := e.Signals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(signals)
				}
				if len(signals) == 0 {
					fmt.Println("no signals right now")
					return nil
				}
				for _, s := range signals {
					fmt.Printf("[%s] %s\n", s.Kind, s.Text)
					for _, cta := range s.CallToActions {
						fmt.Printf("  -> %s (%s)\n", cta.Label, cta.Action)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func progressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show derived progress counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Progress(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Focus blocks (25m+): %d\n", p.Focus25)
				fmt.Printf("Deep reads:          %d\n", p.DeepReads)
				fmt.Printf("Chars written (~):   %d\n", p.CharsApprox)
				fmt.Printf("Night minutes:       %d\n", p.NightMinutes)
				return nil
			})
		},
	}
	return cmd
}

func summaryCmd() *cobra.Command {
	var rollup bool
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Day summaries derived from the activity log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if rollup {
					created, err := e.RollupSummaries(ctx, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(created)
					}
					fmt.Printf("persisted %d day summaries\n", len(created))
					return nil
				}
				list, err := e.DailySummaries(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				for _, m := range list {
					fmt.Println(m.Title)
					for _, item := range m.Items {
						fmt.Printf("  - %s\n", item)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&rollup, "rollup", false, "persist derived summaries as milestones")
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Manage milestones",
	}
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneAddCmd())
	ms.AddCommand(milestoneAffirmCmd())
	return ms
}

func milestoneListCmd() *cobra.Command {
	var f repo.MilestoneFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMilestones(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Kind", "Title", "Affirmed"})
				for _, m := range items {
					affirmed := ""
					if m.AffirmedAt != nil {
						affirmed = *m.AffirmedAt
					}
					tw.AppendRow(table.Row{m.ID, m.TS, m.Kind, m.Title, affirmed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.EpisodeID, "episode", "", "episode filter")
	cmd.Flags().StringVar(&f.Since, "since", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&f.Until, "until", "", "RFC3339 upper bound")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func milestoneAddCmd() *cobra.Command {
	var title, episodeID string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a custom milestone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddCustomMilestone(ctx, title, episodeID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "milestone title")
	cmd.Flags().StringVar(&episodeID, "episode", "", "linked episode id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func milestoneAffirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "affirm <id>",
		Short: "Affirm a milestone and print an encouragement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AffirmMilestone(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				text := affirm.ForMilestone(m)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"milestone": m, "text": text})
				}
				fmt.Println(text)
				return nil
			})
		},
	}
	return cmd
}

func affirmCmd() *cobra.Command {
	aff := &cobra.Command{
		Use:   "affirm",
		Short: "Daily and weekly encouragements",
	}
	aff.AddCommand(&cobra.Command{
		Use:   "daily",
		Short: "Encouragement from the last 24 hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				text, err := e.DailyAffirmation(ctx)
				if err != nil {
					return err
				}
				fmt.Println(text)
				return nil
			})
		},
	})
	aff.AddCommand(&cobra.Command{
		Use:   "weekly",
		Short: "Review of the last 7 days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				text, err := e.WeeklyAffirmation(ctx)
				if err != nil {
					return err
				}
				fmt.Println(text)
				return nil
			})
		},
	})
	return aff
}

func ledgerCmd() *cobra.Command {
	ledger := &cobra.Command{
		Use:   "ledger",
		Short: "Resource ledger",
		Long:  "Write down what you still have going for you. Reading the list back is the point.",
	}
	ledger.AddCommand(ledgerAddCmd())
	ledger.AddCommand(ledgerListCmd())
	return ledger
}

func ledgerAddCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a ledger entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.AddLedger(ctx, text, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "entry text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func ledgerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListLedger(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, it := range items {
					fmt.Printf("[%s] %s\n", it.TS, it.Text)
				}
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "API keys for log sources",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext, err := server.NewAPIKeySecret()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": plaintext, "actor_id": key.ActorID})
				}
				fmt.Printf("API key created for %s (shown once):\n%s\n", key.ActorID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect profile config",
		Long:  "Config is the rulebook (stored in DB): profile id/kind, derivation thresholds, highlight phrases, and snooze limits. Import from stressline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var profileID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stressline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(profileID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&profileID, "profile-id", "me", "profile id")
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import profile config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			profileID := cfg.Profile.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if profileID == "" {
					profileID = e.Config.Profile.ID
				}
				if err := e.Repo.UpsertProfileConfig(ctx, profileID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProfileAndConfig(cmd.Context(), workspace, viper.GetString("profile"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("STRESSLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("STRESSLINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Stressline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (local only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProfileAndConfig(ctx, workspace, viper.GetString("profile"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
