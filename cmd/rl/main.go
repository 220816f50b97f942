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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reviewline/internal/analysis"
	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
	"reviewline/internal/server"
	"reviewline/internal/stats"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reviewline CLI",
	Long: `Reviewline collects rating-and-review submissions and runs AI analysis on them.
- Submission: one rating (1-5) plus an optional review text.
- Analysis: the model produces a summary, recommended actions, and a user-facing response.
- Status: pending while analysis runs, then success or failed; failed submissions can be retried.
- Stats: counts by rating, sentiment buckets, status counts, success rate, and average rating,
  recomputed from the stored submissions every time.
- Event log: journal of submissions, retries, and analysis outcomes; view with 'rl log tail'.`,
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
	viper.SetEnvPrefix("REVIEWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func submitCmd() *cobra.Command {
	var rating int
	var review, userID string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a rating and review for analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAnalysisEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Submit(ctx, engine.SubmitOptions{
					Rating:     rating,
					ReviewText: review,
					UserID:     userID,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				s := out.Submission
				fmt.Printf("Submission %s: %s\n", s.ID, s.AIStatus)
				if s.AISummary != nil {
					fmt.Printf("Summary: %s\n", *s.AISummary)
				}
				for _, a := range s.AIActions {
					fmt.Printf("  - %s\n", a)
				}
				if s.AIResponse != nil {
					fmt.Printf("Response: %s\n", *s.AIResponse)
				}
				if out.AnalysisErr != "" {
					fmt.Printf("Analysis failed: %s (retry with 'rl retry %s')\n", out.AnalysisErr, s.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "rating from 1 to 5")
	cmd.Flags().StringVar(&review, "review", "", "review text")
	cmd.Flags().StringVar(&userID, "user-id", "", "end-user identifier")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func listCmd() *cobra.Command {
	var limit int
	var since string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if limit <= 0 {
					limit = e.Config.Limits.DefaultListLimit
				}
				items, err := e.Repo.ListSubmissions(ctx, limit, since)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Rating", "Sentiment", "Status", "Retries", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Rating, domain.Sentiment(s.Rating), s.AIStatus, s.RetryCount, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum submissions to return")
	cmd.Flags().StringVar(&since, "since", "", "only submissions created at or after this RFC3339 timestamp")
	return cmd
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSubmission(ctx, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func retryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry analysis for a failed submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAnalysisEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Retry(ctx, strings.TrimSpace(args[0]), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if out.AnalysisErr != "" {
					fmt.Printf("Analysis failed again: %s\n", out.AnalysisErr)
				}
				return printJSONOrTable(out.Submission)
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregated submission statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if limit <= 0 {
					limit = e.Config.Limits.MaxListLimit
				}
				items, err := e.Repo.ListSubmissions(ctx, limit, "")
				if err != nil {
					return err
				}
				st := stats.Compute(items)
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Submissions: %d\n", st.Total)
				fmt.Printf("Average rating: %.2f\n", st.AverageRating)
				fmt.Printf("Success rate: %.1f%%\n", st.SuccessRate*100)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rating", "Count"})
				for r := 1; r <= 5; r++ {
					tw.AppendRow(table.Row{r, st.CountsByRating[r]})
				}
				tw.Render()
				fmt.Println("Sentiment:")
				for _, k := range []string{domain.SentimentPositive, domain.SentimentNeutral, domain.SentimentNegative} {
					fmt.Printf("  %s: %d\n", k, st.SentimentCounts[k])
				}
				fmt.Println("Status:")
				for _, k := range []string{domain.StatusPending, domain.StatusSuccess, domain.StatusFailed} {
					fmt.Printf("  %s: %d\n", k, st.StatusCounts[k])
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "window size")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event journal"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
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

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(conf)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default reviewline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
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
			conf, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			analyzer, err := analysis.NewFromConfig(cmd.Context(), conf)
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v; analyses will be recorded as failed\n", err)
				analyzer = nil
			}
			e := engine.New(conn, conf, analyzer)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
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
			fmt.Printf("Serving Reviewline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
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
	conf, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, conf, nil)
	return fn(ctx, e)
}

func withAnalysisEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	conf, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	analyzer, err := analysis.NewFromConfig(ctx, conf)
	if err != nil {
		// Submissions are still recorded; their analyses land as failed.
		fmt.Fprintf(os.Stderr, "warning: %v; analyses will be recorded as failed\n", err)
		analyzer = nil
	}
	e := engine.New(conn, conf, analyzer)
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
	return fn(ctx, repo.Repo{DB: conn})
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
