package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"creditline/internal/aggregate"
	"creditline/internal/app"
	"creditline/internal/config"
	"creditline/internal/domain"
	"creditline/internal/engine"
	"creditline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Creditline CLI",
	Long: `Creditline mirrors warehouse snapshots into a local store and credits completed work to people.
- sync: pull projects, persons, tasks, completion history, reviews and time tracking into the local store.
- stats: per-trainer, per-team-lead and per-project metrics computed from the last completed sync.
- constants: per-project AHT values and time-tracking corrections.
- serve: read-only HTTP API plus the periodic sync schedule.`,
	SilenceUsage: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("warehouse-dir", "", "serve warehouse queries from fixture files in this directory")
	flags.String("warehouse-url", "", "warehouse query endpoint")
	flags.String("constants-file", "", "project constants YAML imported at startup")
	bind := map[string]string{
		"workspace":      "workspace",
		"json":           "json",
		"log.level":      "log-level",
		"warehouse.dir":  "warehouse-dir",
		"warehouse.url":  "warehouse-url",
		"constants_file": "constants-file",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func registerCommands() {
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(constantsCmd())
	rootCmd.AddCommand(serveCmd())
}

func syncCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ok := domain.ParseSyncMode(mode)
			if !ok {
				return fmt.Errorf("invalid --mode %q (expected full|incremental)", mode)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.RunSync(ctx, m)
				if err != nil {
					return err
				}
				if err := printStatus(st); err != nil {
					return err
				}
				if st.Status != domain.RunCompleted {
					return fmt.Errorf("sync %s failed: %s", st.RunID, st.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(domain.SyncFull), "sync mode (full|incremental)")
	cmd.AddCommand(syncStatusCmd())
	cmd.AddCommand(syncRunsCmd())
	return cmd
}

func syncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Show the status of a sync run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.GetSyncStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
}

func syncRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Engine.Events.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				counts, err := a.Engine.TableCounts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": runs, "tables": counts})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Run", "Mode", "Status", "Started", "Completed", "Error"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Mode, r.Status, r.StartedAt, deref(r.CompletedAt), r.Error})
				}
				tw.Render()
				names := make([]string, 0, len(counts))
				for name := range counts {
					names = append(names, name)
				}
				sort.Strings(names)
				ct := newTable()
				ct.AppendHeader(table.Row{"Table", "Rows"})
				for _, name := range names {
					ct.AppendRow(table.Row{name, counts[name]})
				}
				ct.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stats", Short: "Show metrics from the last completed sync"}
	levels := []struct {
		use, short string
		fetch      func(*engine.Engine) func(context.Context, aggregate.Filter) (engine.Stats, error)
	}{
		{"trainers", "Per-trainer metrics", func(e *engine.Engine) func(context.Context, aggregate.Filter) (engine.Stats, error) { return e.TrainerStats }},
		{"team-leads", "Per-team-lead metrics", func(e *engine.Engine) func(context.Context, aggregate.Filter) (engine.Stats, error) { return e.TeamLeadStats }},
		{"projects", "Per-project metrics", func(e *engine.Engine) func(context.Context, aggregate.Filter) (engine.Stats, error) { return e.ProjectStats }},
	}
	for _, lvl := range levels {
		var project, from, to, bucket string
		sub := &cobra.Command{
			Use:   lvl.use,
			Short: lvl.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				f, err := aggregate.ParseFilter(project, from, to, bucket)
				if err != nil {
					return err
				}
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					stats, err := lvl.fetch(a.Engine)(ctx, f)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(stats)
					}
					printRows(stats)
					return nil
				})
			},
		}
		sub.Flags().StringVar(&project, "project", "", "project id")
		sub.Flags().StringVar(&from, "from", "", "range start (YYYY-MM-DD or RFC3339)")
		sub.Flags().StringVar(&to, "to", "", "range end; a plain date includes that day")
		sub.Flags().StringVar(&bucket, "bucket", "all", "time bucket (all|day|week|month)")
		cmd.AddCommand(sub)
	}
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	cmd.AddCommand(&cobra.Command{
		Use:   "attribution <task_id>",
		Short: "Show who is credited for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tc, err := a.Engine.TaskAttribution(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tc)
				}
				fmt.Printf("task %s (project %s, status %s) outcomes: %s\n", tc.TaskID, tc.ProjectID, tc.CurrentStatus, strings.Join(tc.Outcomes, ", "))
				tw := newTable()
				tw.AppendHeader(table.Row{"Person", "First", "New", "Rework", "Last", "Delivered", "Queue", "Approved", "Approved Rework"})
				for _, r := range tc.Records {
					tw.AppendRow(table.Row{r.PersonID, r.IsFirstAuthor, r.NewUnitCount, r.ReworkUnitCount, r.IsLastCompleter, r.Delivered, r.InQueue, r.Approved, r.ApprovedRework})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func constantsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "constants", Short: "Manage project constants"}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Replace project constants from a YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.ImportConstants(ctx, c); err != nil {
					return err
				}
				fmt.Printf("imported constants for %d project(s)\n", len(c.Projects))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the constants each loaded project aggregates with",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				effective, err := a.Engine.EffectiveConstants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					c, err := a.Engine.Repo.LoadConstants(ctx)
					if err != nil && !errors.Is(err, repo.ErrNotFound) {
						return err
					}
					return printJSON(map[string]any{"document": c, "projects": effective})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Project", "Name", "New AHT", "Rework AHT", "Defaulted", "Hours Booked To"})
				for _, p := range effective {
					tw.AppendRow(table.Row{p.ProjectID, p.Name, p.NewTaskAHT, p.ReworkAHT, strings.Join(p.Defaulted, ", "), p.TimeTrackingProject})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the sync schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				viper.Set("server.addr", addr)
			}
			if cmd.Flags().Changed("base-path") {
				viper.Set("server.base_path", basePath)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				if !noSchedule && a.Settings.Sync.Interval > 0 {
					go func() {
						if err := a.Engine.Schedule(ctx, a.Settings.Sync.Interval); err != nil && !errors.Is(err, context.Canceled) {
							a.Log.Error().Err(err).Msg("sync schedule stopped")
						}
					}()
				}
				srv := &http.Server{Addr: a.Settings.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info().Str("addr", srv.Addr).Str("base_path", a.Settings.Server.BasePath).Msg("serving API (OpenAPI at /openapi.json, docs at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "do not run periodic syncs")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	s, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, s, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printStatus(st domain.SyncStatus) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	fmt.Printf("run %s (%s): %s, %d records loaded\n", st.RunID, st.Mode, st.Status, st.RecordsLoaded)
	if st.Error != "" {
		fmt.Println("error:", st.Error)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Table", "Status", "Loaded", "Skipped", "Error"})
	for _, e := range st.Tables {
		tw.AppendRow(table.Row{e.TargetTable, e.Status, e.RecordsLoaded, e.RecordsSkipped, e.ErrorMessage})
	}
	tw.Render()
	return nil
}

func printRows(s engine.Stats) {
	fmt.Printf("snapshot from run %s\n", s.RunID)
	tw := newTable()
	tw.AppendHeader(table.Row{"Entity", "Name", "Bucket", "Unique", "New", "Rework", "Total", "Avg Rework", "Rework %", "Rating", "Reviews", "AHT Hours", "Logged", "Efficiency", "Approved", "Appr. Rework", "Delivered", "In Queue"})
	var walk func(rows []domain.AggregateRow, depth int)
	walk = func(rows []domain.AggregateRow, depth int) {
		for _, r := range rows {
			name := r.Name
			if name == "" {
				name = r.Email
			}
			tw.AppendRow(table.Row{
				strings.Repeat("  ", depth) + r.EntityID, name, r.TimeBucket,
				r.UniqueTasks, r.NewTasks, r.Rework, r.TotalSubmissions,
				ratio(r.AvgRework), ratio(r.ReworkPercent), ratio(r.AvgRating), r.ReviewCount,
				fmt.Sprintf("%.1f", r.AccountedHours), fmt.Sprintf("%.1f", r.LoggedHours), ratio(r.Efficiency),
				r.Approved, r.ApprovedRework, r.Delivered, r.InQueue,
			})
			walk(r.Children, depth+1)
		}
	}
	walk(s.Rows, 0)
	tw.Render()
}

func ratio(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
