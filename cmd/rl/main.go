package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"runline/internal/app"
	"runline/internal/config"
	"runline/internal/db"
	"runline/internal/migrate"
	"runline/internal/plugin"
	"runline/internal/repo"
	"runline/internal/server"
	runlinesdk "runline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Runline CLI",
	Long: `Runline hosts plugin runs: traceable, cancellable, resumable executions
of plugin entries, with live progress and an append-only export log.

- serve starts the host: HTTP API, SSE channels, webhooks.
- run commands talk to a running host over its API.
- apikey and token commands work directly on the workspace.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("RUNLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080/v1", "API base URL for run commands")
	rootCmd.PersistentFlags().String("api-key", "", "admin API key for run commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for run commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noDemo bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the run host",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			a, err := app.Open(cmd.Context(), workspace, log)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.RecoverOrphans(cmd.Context()); err != nil {
				return err
			}
			if !noDemo {
				if err := registerDemoPlugin(a); err != nil {
					return err
				}
			}
			handler, err := server.New(server.Config{
				Controller: a.Controller,
				Registry:   a.Registry,
				Repo:       a.Repo,
				Bus:        a.Bus,
				Blobs:      a.Blobs,
				App:        a.Config,
				BasePath:   basePath,
				Log:        log,
			})
			if err != nil {
				return err
			}
			defer handler.Close()
			srv := &http.Server{Addr: addr, Handler: handler}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				log.Info("serving", "addr", addr, "base_path", basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noDemo, "no-demo", false, "skip registering the demo plugin")
	return cmd
}

// registerDemoPlugin installs a small built-in plugin so a fresh workspace
// has something to run: demo/echo returns its args, demo/sleep reports
// progress over a configurable duration and honors cancellation.
func registerDemoPlugin(a *app.App) error {
	err := a.Registry.Register(plugin.Manifest{
		PluginID: "demo",
		Entries: []plugin.Entry{
			{
				EntryID: "echo",
				ArgsSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"message": map[string]any{"type": "string"},
					},
				},
			},
			{
				EntryID: "sleep",
				ArgsSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"duration_s": map[string]any{"type": "number", "minimum": 0},
					},
				},
			},
		},
	})
	if err != nil {
		return err
	}
	a.Adapter.Bind("demo", "echo", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		rc.Status("echo", "echoing args")
		msg, _ := rc.Args()["message"].(string)
		ref, err := rc.ExportText("text", msg, nil)
		if err != nil {
			return nil, err
		}
		rc.Progress(1)
		return &plugin.Outcome{
			Result:     map[string]any{"message": msg},
			ResultRefs: []string{ref},
		}, nil
	})
	a.Adapter.Bind("demo", "sleep", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		seconds, _ := rc.Args()["duration_s"].(float64)
		if seconds <= 0 {
			seconds = 1
		}
		total := time.Duration(seconds * float64(time.Second))
		const ticks = 20
		rc.Status("sleeping", fmt.Sprintf("sleeping %s", total))
		for i := 1; i <= ticks; i++ {
			if rc.Cancelled() {
				return nil, plugin.ErrCancelRequested
			}
			select {
			case <-rc.Context().Done():
				return nil, rc.Context().Err()
			case <-time.After(total / ticks):
			}
			rc.Progress(float64(i) / ticks)
			rc.Step(i, ticks)
		}
		return &plugin.Outcome{Result: map[string]any{"slept_s": seconds}}, nil
	})
	return nil
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
		Long:  "Runs go queued -> running -> succeeded/failed/canceled/timeout. These commands talk to a running host (see --server, --api-key).",
	}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runRetryCmd())
	run.AddCommand(runExportCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	var req runlinesdk.CreateRunRequest
	var argsJSON string
	var wait bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &req.Args); err != nil {
					return fmt.Errorf("parse --args-json: %w", err)
				}
			}
			c := newClient()
			var r runlinesdk.Run
			var err error
			if wait {
				r, err = c.CreateRunSync(cmd.Context(), req)
			} else {
				r, err = c.CreateRun(cmd.Context(), req)
			}
			if err != nil {
				return err
			}
			return printRun(r)
		},
	}
	cmd.Flags().StringVar(&req.PluginID, "plugin", "", "plugin id")
	cmd.Flags().StringVar(&req.EntryID, "entry", "", "entry id")
	cmd.Flags().StringVar(&argsJSON, "args-json", "", "entry args as JSON object")
	cmd.Flags().StringVar(&req.TaskID, "task", "", "correlation task id")
	cmd.Flags().StringVar(&req.TraceID, "trace", "", "trace id")
	cmd.Flags().StringVar(&req.IdempotencyKey, "idempotency-key", "", "idempotency key")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the run is terminal")
	_ = cmd.MarkFlagRequired("plugin")
	_ = cmd.MarkFlagRequired("entry")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newClient().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRun(r)
		},
	}
	return cmd
}

func runListCmd() *cobra.Command {
	var f runlinesdk.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := newClient().ListRuns(cmd.Context(), f)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(page)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"RUN", "PLUGIN", "ENTRY", "STATUS", "PROGRESS", "STAGE", "ATTEMPT"})
			for _, r := range page.Items {
				progress := ""
				if r.Progress != nil {
					progress = fmt.Sprintf("%.0f%%", *r.Progress*100)
				}
				stage := ""
				if r.Stage != nil {
					stage = *r.Stage
				}
				tw.AppendRow(table.Row{r.RunID, r.PluginID, r.EntryID, r.Status, progress, stage, r.Attempt})
			}
			tw.Render()
			if page.NextCursor != "" {
				fmt.Printf("next: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	cmd.Flags().StringVar(&f.PluginID, "plugin", "", "plugin id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&f.Cursor, "cursor", "", "continuation cursor")
	return cmd
}

func runCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newClient().CancelRun(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printRun(r)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancel reason")
	return cmd
}

func runRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Retry a terminal run as a fresh attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newClient().RetryRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRun(r)
		},
	}
	return cmd
}

func runExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Replay a run's export log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().ListExport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"SEQ", "TYPE", "DESCRIPTION", "CONTENT"})
			for _, it := range items {
				tw.AppendRow(table.Row{it.Seq, it.Type, strVal(it.Description), exportContent(it)})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage admin API keys",
		Long:  "API keys grant admin access to the HTTP API. The key value is shown once at creation; only its hash is stored.",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw, err := server.NewAPIKey()
				if err != nil {
					return err
				}
				key := repo.APIKey{
					ID:        uuid.NewString(),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: float64(time.Now().UnixNano()) / 1e9,
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := map[string]any{"id": key.ID, "name": key.Name, "key": raw}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("id:   %s\nname: %s\nkey:  %s\n", key.ID, key.Name, raw)
				fmt.Println("store the key now; it is not shown again")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "NAME", "CREATED"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, formatUnix(k.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
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

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "Run-scoped tokens",
	}
	tok.AddCommand(tokenIssueCmd())
	return tok
}

func tokenIssueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue <run-id>",
		Short: "Mint a run-scoped token from the workspace auth secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return fmt.Errorf("auth.secret is not set in %s; offline tokens need a fixed secret", config.Path(viper.GetString("workspace")))
			}
			runID := args[0]
			signed, exp, err := server.IssueRunToken(cfg.Auth.Secret, runID, cfg.RunTokenTTL())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": signed, "run_id": runID, "expires_at": float64(exp.UnixNano()) / 1e9})
			}
			fmt.Println(signed)
			return nil
		},
		Args: cobra.ExactArgs(1),
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = c.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func newClient() *runlinesdk.Client {
	c := runlinesdk.New(viper.GetString("server"))
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	return c
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
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
	return fn(ctx, repo.Repo{DB: conn})
}

func printRun(r runlinesdk.Run) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	b, _ := json.MarshalIndent(r, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func exportContent(it runlinesdk.ExportItem) string {
	switch {
	case it.Text != nil:
		if len(*it.Text) > 60 {
			return (*it.Text)[:57] + "..."
		}
		return *it.Text
	case it.URL != nil:
		return *it.URL
	case it.BinaryURL != nil:
		return *it.BinaryURL
	case it.Binary != nil:
		return fmt.Sprintf("<%d bytes inline>", len(*it.Binary)*3/4)
	}
	return ""
}

func formatUnix(ts float64) string {
	return time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
}
