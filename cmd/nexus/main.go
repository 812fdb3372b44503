package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nexus/internal/app"
	"nexus/internal/config"
	"nexus/internal/domain"
	"nexus/internal/engine"
	"nexus/internal/metrics"
	"nexus/internal/server"
	"nexus/internal/watcher"
	"nexus/internal/ws"
)

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Nexus brief pipeline",
	Long: `Nexus moves briefs from idea to shipped build.
- Queue: pipeline-queue.json holds every brief and its status (pending-review -> queued -> speccing -> building -> qa -> shipped).
- Approve writes the spec brief, reject archives it, rollback reverts the build commit and records what broke.
- Action items come from retro notes ('nexus action import') and become briefs when approved.
- Ideas are spec briefs dropped into the spec-briefs directory; 'nexus watch' picks them up.
- Every change lands in activity-feed.json and in the audit trail in .nexus/nexus.db.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// initConfig loads the workspace .env before viper reads the environment.
// Variables already set in the process win.
func initConfig() {
	envFile := filepath.Join(viper.GetString("workspace"), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %s: %v\n", envFile, err)
	}
	viper.SetEnvPrefix("NEXUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded on activity (defaults to the configured operator)")
	rootCmd.PersistentFlags().Bool("force", false, "allow status changes outside the transition graph")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(briefCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(ideaCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func actor() string { return viper.GetString("actor") }

// --- queue ---

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect and edit the pipeline queue"}
	q.AddCommand(queueListCmd())
	q.AddCommand(queueCreateCmd())
	q.AddCommand(queueSetStatusCmd())
	return q
}

func queueListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue briefs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.ListQueue(ctx)
				if err != nil {
					return err
				}
				if status != "" {
					filtered := []domain.QueueBrief{}
					for _, b := range view.Briefs {
						if b.Status == status {
							filtered = append(filtered, b)
						}
					}
					view.Briefs = filtered
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				tw := newTable("ID", "Title", "Status", "Source", "Priority", "Updated")
				for _, b := range view.Briefs {
					tw.AppendRow(table.Row{b.ID, b.Title, b.Status, b.Source, b.Priority, b.UpdatedAt})
				}
				tw.Render()
				if len(view.ActionItems) > 0 {
					fmt.Printf("\n%d open action items for %s (nexus action list)\n", len(view.ActionItems), e.Config.Operator)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func queueCreateCmd() *cobra.Command {
	var opts engine.BriefCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a brief to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Actor = actor()
				b, err := e.CreateBrief(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "brief title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "brief description")
	cmd.Flags().StringVar(&opts.Source, "source", "", "manual, retro or research")
	cmd.Flags().StringVar(&opts.SourceRef, "source-ref", "", "originating document")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "HIGH, MED or LOW")
	cmd.Flags().StringVar(&opts.Complexity, "complexity", "", "HIGH, MED or LOW")
	cmd.Flags().StringVar(&opts.Assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status (default queued)")
	return cmd
}

func queueSetStatusCmd() *cobra.Command {
	var commit string
	cmd := &cobra.Command{
		Use:   "set-status <brief-id> <status>",
		Short: "Set a brief's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.SetQueueStatus(ctx, engine.StatusUpdate{
					ID:          args[0],
					Status:      args[1],
					BuildCommit: commit,
					Force:       viper.GetBool("force"),
					Actor:       actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&commit, "build-commit", "", "commit that shipped the brief")
	return cmd
}

// --- brief ---

func briefCmd() *cobra.Command {
	b := &cobra.Command{Use: "brief", Short: "Move a brief through the pipeline"}
	b.AddCommand(briefApproveCmd())
	b.AddCommand(briefRejectCmd())
	b.AddCommand(briefDeferCmd())
	b.AddCommand(briefRollbackCmd())
	b.AddCommand(briefListCmd())
	b.AddCommand(briefShowCmd())
	b.AddCommand(briefActivityCmd())
	b.AddCommand(briefFeedbackCmd())
	return b
}

func briefApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <brief-id>",
		Short: "Approve a brief (pending-review -> queued, otherwise -> speccing)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Approve(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printResult(res, res.Note)
			})
		},
	}
}

func briefRejectCmd() *cobra.Command {
	var reason, comment string
	cmd := &cobra.Command{
		Use:   "reject <brief-id>",
		Short: "Reject a brief and archive its spec file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Reject(ctx, engine.RejectOptions{BriefID: args[0], Reason: reason, Comment: comment, Actor: actor()})
				if err != nil {
					return err
				}
				msg := "Brief rejected"
				if res.ArchivedFile != nil {
					msg += "; spec archived to " + *res.ArchivedFile
				}
				return printResult(res, msg)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "short rejection reason")
	cmd.Flags().StringVar(&comment, "comment", "", "longer comment")
	return cmd
}

func briefDeferCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "defer <brief-id>",
		Short: "Defer a brief",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Defer(ctx, args[0], note, actor())
				if err != nil {
					return err
				}
				return printResult(res, res.Note)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "why it waits")
	return cmd
}

func briefRollbackCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "rollback <brief-id>",
		Short: "Revert a brief's build commit and record what broke",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Rollback(ctx, args[0], comment, actor())
				if err != nil {
					return err
				}
				if !viper.GetBool("json") && res.RevertOutput != "" {
					fmt.Println(strings.TrimSpace(res.RevertOutput))
				}
				return printResult(res, res.Note)
			})
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "what broke (required)")
	return cmd
}

func briefListCmd() *cobra.Command {
	var status, source string
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List durable brief records from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.ListBriefs(ctx, status, source, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable("ID", "Title", "Status", "Source", "Commit", "Updated")
				for _, b := range rows {
					tw.AppendRow(table.Row{b.ID, b.Title, b.Status, b.Source, shortCommit(b.BuildCommit), b.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&source, "source", "", "source filter")
	cmd.Flags().IntVar(&n, "n", 50, "number of rows")
	return cmd
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	return c
}

func briefShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <brief-id>",
		Short: "Show the durable brief record and its feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetBrief(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
}

func briefActivityCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "activity <brief-id>",
		Short: "Audit trail of a brief, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.BriefActivity(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable("ID", "Time", "Type", "Agent", "Message")
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.TS, r.Type, r.Agent, r.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of rows")
	return cmd
}

func briefFeedbackCmd() *cobra.Command {
	var in engine.FeedbackInput
	cmd := &cobra.Command{
		Use:   "feedback <brief-id>",
		Short: "Rate a shipped brief (great, ok or needs-work)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.Actor = actor()
				fb, err := e.RecordFeedback(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(fb)
			})
		},
	}
	cmd.Flags().StringVar(&in.Rating, "rating", "", "great, ok or needs-work")
	cmd.Flags().StringSliceVar(&in.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&in.Comment, "comment", "", "comment")
	return cmd
}

// --- action items ---

func actionCmd() *cobra.Command {
	a := &cobra.Command{Use: "action", Short: "Retro action items"}
	a.AddCommand(actionListCmd())
	for _, verb := range []string{"approve", "reject", "defer"} {
		a.AddCommand(actionDecideCmd(verb))
	}
	a.AddCommand(actionImportCmd())
	return a
}

func actionListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List action items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListActions(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Task", "Assignee", "Status", "Priority", "Brief")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Task, it.Assignee, it.Status, it.Priority, it.BriefID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func actionDecideCmd(verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <action-item-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " an action item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ActOnActionItem(ctx, args[0], verb, actor())
				if err != nil {
					return err
				}
				return printResult(res, res.Note)
			})
		},
	}
}

func actionImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <retro.md>",
		Short: "Import action items from retro notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ImportRetro(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printResult(res, fmt.Sprintf("%d added, %d already known", len(res.Added), res.Skipped))
			})
		},
	}
}

// --- ideas ---

func ideaCmd() *cobra.Command {
	i := &cobra.Command{Use: "idea", Short: "Research ideas (spec briefs)"}
	i.AddCommand(ideaListCmd())
	i.AddCommand(ideaCreateCmd())
	i.AddCommand(ideaApproveCmd())
	i.AddCommand(ideaRejectCmd())
	i.AddCommand(ideaParkCmd())
	i.AddCommand(ideaBuildCmd())
	i.AddCommand(ideaReviewCmd())
	i.AddCommand(ideaStatsCmd())
	return i
}

func ideaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List ideas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ideas := e.ListIdeas(ctx)
				if viper.GetBool("json") {
					return printJSON(ideas)
				}
				keys := make([]string, 0, len(ideas))
				for k := range ideas {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				tw := newTable("ID", "Title", "Status", "Priority", "Brief")
				for _, k := range keys {
					en := ideas[k]
					tw.AppendRow(table.Row{k, en.Title, en.Status, en.Priority, en.BriefID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ideaCreateCmd() *cobra.Command {
	var in engine.IdeaInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a new spec brief",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.Actor = actor()
				res, err := e.CreateIdea(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "idea title")
	cmd.Flags().StringArrayVar(&in.Bullets, "bullet", nil, "bullet point (repeatable)")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "HIGH, MED or LOW")
	cmd.Flags().StringVar(&in.Complexity, "complexity", "", "HIGH, MED or LOW")
	cmd.Flags().StringVar(&in.SourceURL, "source-url", "", "where the idea came from")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes")
	return cmd
}

func ideaApproveCmd() *cobra.Command {
	var in engine.IdeaApproval
	cmd := &cobra.Command{
		Use:   "approve <idea>",
		Short: "Approve an idea and queue it for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.Actor = actor()
				res, err := e.ApproveIdea(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printResult(res, res.Note+" ("+res.BriefID+")")
			})
		},
	}
	cmd.Flags().StringVar(&in.Priority, "priority", "", "override priority")
	cmd.Flags().StringVar(&in.Complexity, "complexity", "", "override complexity")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes")
	return cmd
}

func ideaRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <idea>",
		Short: "Reject an idea",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RejectIdea(ctx, args[0], reason, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func ideaParkCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "park <idea>",
		Short: "Park an idea",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ParkIdea(ctx, args[0], note, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note")
	return cmd
}

func ideaBuildCmd() *cobra.Command {
	var in engine.IdeaBuild
	cmd := &cobra.Command{
		Use:   "build <idea> <specced|building|shipped>",
		Short: "Record build progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.Status = args[1]
				in.Actor = actor()
				res, err := e.SetIdeaBuild(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.BuildID, "build-id", "", "build identifier")
	cmd.Flags().StringVar(&in.BuildStatus, "build-status", "", "free-form build status")
	return cmd
}

func ideaReviewCmd() *cobra.Command {
	var (
		in     engine.IdeaReview
		rating int
	)
	cmd := &cobra.Command{
		Use:   "review <idea> <success|partial|failed>",
		Short: "Record the outcome of a shipped idea",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.Outcome = args[1]
				in.Actor = actor()
				if cmd.Flags().Changed("rating") {
					in.Rating = &rating
				}
				res, err := e.ReviewIdea(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.Note, "note", "", "review note")
	cmd.Flags().IntVar(&rating, "rating", 0, "rating from 1 to 5")
	return cmd
}

func ideaStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Idea and queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.IdeaStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable("Metric", "Value")
				tw.AppendRow(table.Row{"Ideas", s.Total})
				tw.AppendRow(table.Row{"Approval rate", percent(s.ApprovalRate)})
				tw.AppendRow(table.Row{"Avg time to ship", s.AvgTimeToShip})
				tw.AppendRow(table.Row{"Success rate", fmt.Sprintf("%s of %d reviewed", percent(s.SuccessRate), s.Reviewed)})
				tw.AppendRow(table.Row{"Completion rate", percent(s.CompletionRate)})
				for _, st := range domain.QueueStatuses {
					if n := s.Queue[st]; n > 0 {
						tw.AppendRow(table.Row{"Queue " + st, n})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- feed ---

func feedCmd() *cobra.Command {
	f := &cobra.Command{Use: "feed", Short: "Activity feed"}
	f.AddCommand(feedTailCmd())
	return f
}

func feedTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest feed entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.ListFeed(n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("Time", "Type", "Agent", "Message")
				for _, en := range entries {
					tw.AppendRow(table.Row{en.Timestamp, en.Type, en.Agent, en.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration (nexus.yml)",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default nexus.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s already exists (use --overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate nexus.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				if perr := printJSON(out); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- token ---

func tokenCmd() *cobra.Command {
	var (
		subject    string
		ttl        time.Duration
		saveSecret bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		Long:  "Signs an HS256 token with auth.jwt_secret (or NEXUS_JWT_SECRET). With --save-secret a new secret is generated and stored in the workspace .env first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			secret := strings.TrimSpace(os.Getenv("NEXUS_JWT_SECRET"))
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if saveSecret {
				buf := make([]byte, 32)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				secret = hex.EncodeToString(buf)
				if err := setEnvValue(filepath.Join(workspace, ".env"), "NEXUS_JWT_SECRET", secret); err != nil {
					return err
				}
			}
			if secret == "" {
				return fmt.Errorf("no jwt secret configured; set auth.jwt_secret or NEXUS_JWT_SECRET, or pass --save-secret")
			}
			if subject == "" {
				subject = cfg.Operator
			}
			token, err := server.IssueToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token, "subject": subject})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "token subject, recorded as the activity agent (default operator)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime; 0 never expires")
	cmd.Flags().BoolVar(&saveSecret, "save-secret", false, "generate a secret and store it in .env")
	return cmd
}

// --- serve / watch ---

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		watch          bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			hub := ws.NewHub()
			go hub.Run(ctx)
			m := metrics.New()
			e := a.Engine
			e.Notifier = hub
			e.Metrics = m

			handler, err := server.New(server.Config{
				Engine:      e,
				BasePath:    basePath,
				Auth:        server.AuthConfig{JWTSecret: a.Config.Auth.JWTSecret},
				CORSOrigins: a.Config.Server.CORSOrigins,
				Hub:         hub,
				Metrics:     m,
			})
			if err != nil {
				return err
			}
			if server.StartWebhooks(ctx, e, a.Logger) {
				a.Logger.Info("webhook delivery enabled", "hooks", len(a.Config.Webhooks))
			}
			if watch || a.Config.Watcher.Enabled {
				w, err := specWatcher(a, e)
				if err != nil {
					return err
				}
				go func() {
					if err := w.Run(ctx); err != nil {
						a.Logger.Error("watcher stopped", "err", err)
					}
				}()
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			if a.Config.Auth.JWTSecret == "" {
				a.Logger.Warn("auth disabled; set auth.jwt_secret or NEXUS_JWT_SECRET to require bearer tokens")
			}
			a.Logger.Info("serving Nexus API", "addr", addr, "base_path", basePath, "docs", "/docs", "metrics", "/metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&watch, "watch", false, "also watch the spec-briefs directory")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Track new spec briefs as ideas until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			w, err := specWatcher(a, a.Engine)
			if err != nil {
				return err
			}
			return w.Run(cmd.Context())
		},
	}
}

func specWatcher(a *app.App, e engine.Engine) (watcher.Watcher, error) {
	dir := config.Resolve(a.Workspace, a.Config.Paths.SpecBriefs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return watcher.Watcher{}, err
	}
	return watcher.Watcher{
		Dir:      dir,
		Debounce: a.Config.Debounce(),
		Logger:   a.Logger,
		Ingest: func(ctx context.Context, path string) error {
			_, err := e.IngestSpecBrief(ctx, path)
			return err
		},
	}, nil
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"), nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func percent(r float64) string {
	return fmt.Sprintf("%.0f%%", r*100)
}

// printResult prints v as JSON with --json, otherwise the one-line summary.
func printResult(v any, summary string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(summary)
	return nil
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
