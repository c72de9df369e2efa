// Package main is the entry point for the sourcectl operator CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/alqutdigital/sourcewatch/internal/agent"
	"github.com/alqutdigital/sourcewatch/internal/app"
	"github.com/alqutdigital/sourcewatch/internal/config"
	"github.com/alqutdigital/sourcewatch/internal/storage"
	"github.com/alqutdigital/sourcewatch/pkg/logger"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "sourcectl",
		Short:         "Manage and query tracked sources",
		Long:          "CLI for registering web sources, refreshing their extracted content and asking questions against them.",
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newAddCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newDeactivateCmd())
	rootCmd.AddCommand(newRefreshCmd())
	rootCmd.AddCommand(newAskCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newArchiveCmd())

	return rootCmd.ExecuteContext(ctx)
}

// ============================
// Shared setup
// ============================

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Keep stdout for command output.
	log := logger.New(logger.Config{
		Level:  getLogLevel(cfg),
		Format: "text",
		Output: os.Stderr,
	})
	log.SetDefault()
	return cfg, log, nil
}

func getLogLevel(cfg *config.Config) string {
	if os.Getenv("LOG_LEVEL") == "" {
		return "warn"
	}
	return cfg.Log.Level
}

// withApp builds the component graph, runs fn and closes everything.
func withApp(ctx context.Context, opts app.Options, fn func(*app.App) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, log.Logger, opts)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.Warn("failed to close components", "error", err)
		}
	}()

	return fn(a)
}

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
}

// chunkProgress returns an orchestrator progress callback that lazily
// creates a bar once the chunk count is known.
func chunkProgress(description string) func(done, total int) {
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = newProgressBar(total, description)
		}
		_ = bar.Set(done)
	}
}

// ============================
// Commands
// ============================

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := app.OpenStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}

func newAddCmd() *cobra.Command {
	var extractNow bool

	cmd := &cobra.Command{
		Use:   "add URL...",
		Short: "Register sources",
		Example: `  # Register and extract immediately
  sourcectl add https://example.com/pricing https://example.com/changelog --extract`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{Events: true, Archive: true}, func(a *app.App) error {
				rows, err := a.Service.Register(cmd.Context(), args, extractNow)
				if err != nil {
					return err
				}
				return printSources(cmd.OutOrStdout(), rows)
			})
		},
	}

	cmd.Flags().BoolVarP(&extractNow, "extract", "e", false, "Extract the sources immediately")
	return cmd
}

func newListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sources with their latest extraction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(a *app.App) error {
				rows, err := a.Service.Sources(cmd.Context(), all)
				if err != nil {
					return err
				}
				return printSources(cmd.OutOrStdout(), rows)
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include inactive sources")
	return cmd
}

func newDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate URL...",
		Short: "Stop tracking sources without deleting their history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(a *app.App) error {
				sources, err := a.Service.Deactivate(cmd.Context(), args)
				if err != nil {
					return err
				}
				for _, src := range sources {
					fmt.Fprintf(cmd.OutOrStdout(), "deactivated %d %s\n", src.ID, src.URL)
				}
				return nil
			})
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-extract every active source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.DefaultOptions(), func(a *app.App) error {
				outcomes, err := a.Service.Refresh(cmd.Context(), chunkProgress("Refreshing sources"))

				succeeded := 0
				for _, o := range outcomes {
					if o.Success {
						succeeded++
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d sources: %d succeeded, %d failed\n",
					len(outcomes), succeeded, len(outcomes)-succeeded)
				return err
			})
		},
	}
}

func newAskCmd() *cobra.Command {
	var full, jsonOutput bool

	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Gather fresh evidence for a question",
		Example: `  sourcectl ask "what changed in the pricing page?"
  sourcectl ask --full --json "compare the enterprise plans"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			return withApp(cmd.Context(), app.DefaultOptions(), func(a *app.App) error {
				answer, err := a.Service.Ask(cmd.Context(), question, full)
				if err != nil {
					return err
				}
				if jsonOutput {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(answer)
				}
				printAnswer(cmd.OutOrStdout(), answer)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&full, "full", "f", false, "Request full page content instead of excerpts")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history SOURCE_ID",
		Short: "Show the extraction history of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid source id %q", args[0])
			}
			return withApp(cmd.Context(), app.Options{}, func(a *app.App) error {
				pages, err := a.Store.ListExtractedPages(cmd.Context(), id, limit)
				if err != nil {
					return err
				}
				printHistory(cmd.OutOrStdout(), pages)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of entries")
	return cmd
}

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect raw extraction responses kept in object storage",
	}
	cmd.AddCommand(newArchiveListCmd())
	cmd.AddCommand(newArchiveShowCmd())
	return cmd
}

func withArchive(ctx context.Context, fn func(*storage.ResponseArchive) error) error {
	return withApp(ctx, app.Options{Archive: true}, func(a *app.App) error {
		if a.Objects == nil {
			return fmt.Errorf("object storage is not available (check STORAGE_ENABLED and STORAGE_ENDPOINT)")
		}
		return fn(a.Objects)
	})
}

func newArchiveListCmd() *cobra.Command {
	var day string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List responses archived on a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if day != "" {
				parsed, err := time.Parse(time.DateOnly, day)
				if err != nil {
					return fmt.Errorf("invalid day %q, want YYYY-MM-DD", day)
				}
				at = parsed
			}
			return withArchive(cmd.Context(), func(archive *storage.ResponseArchive) error {
				runs, err := archive.ListRuns(cmd.Context(), at)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSIZE\tSTORED\tKEY")
				for _, r := range runs {
					fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", r.RunID, r.Size, r.StoredAt.Local().Format(time.DateTime), r.Key)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&day, "day", "d", "", "Day in UTC as YYYY-MM-DD (default today)")
	return cmd
}

func newArchiveShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show KEY",
		Short: "Print an archived response body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd.Context(), func(archive *storage.ResponseArchive) error {
				body, err := archive.Fetch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(append(body, '\n'))
				return err
			})
		},
	}
}

// ============================
// Output
// ============================

func printSources(out io.Writer, rows []storage.SourceWithLatest) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tURL\tACTIVE\tLAST EXTRACTED\tTITLE")
	for _, row := range rows {
		extracted, title := "-", ""
		if row.Latest != nil {
			extracted = row.Latest.ExtractedAt.Local().Format(time.DateTime)
			title = row.Latest.Title
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\n", row.ID, row.URL, row.Active, extracted, title)
	}
	return tw.Flush()
}

func printAnswer(out io.Writer, answer *agent.Answer) {
	fmt.Fprintf(out, "query #%d  mode=%s  reason=%q\n", answer.ChatQueryID, answer.Decision.Mode, answer.Decision.Reason)
	if len(answer.Decision.SearchQueries) > 0 {
		fmt.Fprintf(out, "search queries: %s\n", strings.Join(answer.Decision.SearchQueries, " | "))
	}
	if answer.Decision.GenerationFailed {
		fmt.Fprintf(out, "query generation failed (%s), used objective only\n", answer.Decision.GenerationStatus)
	}
	if answer.Failed > 0 {
		fmt.Fprintf(out, "%d sources failed to extract\n", answer.Failed)
	}

	for i, ev := range answer.Evidence {
		fmt.Fprintf(out, "\n[%d] %s\n", i+1, ev.URL)
		if ev.Title != "" {
			fmt.Fprintf(out, "    %s\n", ev.Title)
		}
		fmt.Fprintln(out, ev.Content)
		if ev.Truncated {
			fmt.Fprintln(out, "    (truncated)")
		}
	}
	if len(answer.Evidence) == 0 {
		fmt.Fprintln(out, "\nno evidence")
	}
}

func printHistory(out io.Writer, pages []storage.ExtractedPage) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAGE\tRUN\tEXTRACTED\tSTATUS\tDETAIL")
	for _, p := range pages {
		status, detail := "ok", p.Title
		if p.Failed() {
			status, detail = "error", p.ErrorType
			if p.HTTPStatus != 0 {
				detail = fmt.Sprintf("%s (%d)", p.ErrorType, p.HTTPStatus)
			}
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", p.ID, p.RunID, p.ExtractedAt.Local().Format(time.DateTime), status, detail)
	}
	tw.Flush()
}
