package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"issuesync/internal/app"
	"issuesync/internal/config"
	"issuesync/internal/engine"
	"issuesync/internal/extract"
	"issuesync/internal/logging"
	"issuesync/internal/marker"
	"issuesync/internal/report"
	"issuesync/internal/server"
)

var logger = zerolog.Nop()

var rootCmd = &cobra.Command{
	Use:   "issuesync",
	Short: "Keep tracker issues in sync with [GitHubIssue] markers in source code",
	Long: `issuesync scans C# sources for [GitHubIssue(type, status, title, description)]
attributes and reconciles them with the issues of one GitHub repository.

- scan:  list the declarations found under the scan root.
- plan:  compute the create/update/close operations without touching the tracker.
- sync:  apply the plan. Issues carry a fingerprint marker in their body so that
         only issues issuesync created are ever updated or closed.
- runs:  every plan and sync pass is recorded under .issuesync/ for later review.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.New("issuesync", viper.GetString("log-level"), viper.GetBool("log-json"))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ISSUESYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding issuesync.yml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded on runs and events")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit JSON logs on stderr")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID, repository string
	var useTOML, force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default issuesync.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if projectID == "" {
				abs, err := filepath.Abs(workspace)
				if err != nil {
					return err
				}
				projectID = filepath.Base(abs)
			}
			if existing, err := config.LoadOptional(workspace); err != nil {
				return err
			} else if existing != nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", config.Path(workspace))
			}
			cfg := config.Default(projectID)
			path := filepath.Join(workspace, config.FileName)
			data := []byte(config.GenerateDefault(projectID))
			if useTOML {
				path = filepath.Join(workspace, config.TOMLFileName)
				var buf strings.Builder
				if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
					return err
				}
				data = []byte(buf.String())
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			if repository != "" {
				if err := setEnvValue(filepath.Join(workspace, ".env"), config.DefaultRepositoryEnv, repository); err != nil {
					return err
				}
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (defaults to the workspace directory name)")
	cmd.Flags().StringVar(&repository, "repository", "", "owner/name stored as GITHUB_REPOSITORY in .env")
	cmd.Flags().BoolVar(&useTOML, "toml", false, "write issuesync.toml instead of YAML")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			creds, err := cfg.LoadCredentials(workspace)
			if err != nil {
				return fmt.Errorf("config ok, credentials incomplete: %w", err)
			}
			fmt.Printf("%s is valid (repository %s)\n", config.Path(workspace), creds.Repository)
			return nil
		},
	})
	return cfgCmd
}

func scanCmd() *cobra.Command {
	var root, out string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List [GitHubIssue] declarations under the scan root",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), app.Options{}, func(ctx context.Context, s *app.Session) error {
				res, err := s.Engine.Scan(ctx, root)
				if err != nil {
					return err
				}
				if out != "" {
					if err := writeJSONFile(out, res.Declarations); err != nil {
						return err
					}
					logger.Info().Str("path", out).Int("declarations", len(res.Declarations)).Msg("declarations written")
				}
				if viper.GetBool("json") {
					return printJSON(scanView(res))
				}
				report.Declarations(os.Stdout, res.Declarations)
				report.Errors(os.Stdout, res.Errors)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "scan root (defaults to scan.root)")
	cmd.Flags().StringVar(&out, "out", "", "also write declarations to this JSON file (e.g. issues.json)")
	return cmd
}

func planCmd() *cobra.Command {
	var root, remote string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the operations a sync would perform",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := app.Options{Tracker: app.TrackerGitHub}
			if remote != "" {
				opts = app.Options{Tracker: app.TrackerSnapshot, SnapshotPath: remote}
			}
			return withSession(cmd.Context(), opts, func(ctx context.Context, s *app.Session) error {
				pass, err := s.Engine.Plan(ctx, engine.PassOptions{Root: root, ActorID: viper.GetString("actor-id")})
				return printPass(pass, err)
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "scan root (defaults to scan.root)")
	cmd.Flags().StringVar(&remote, "remote", "", "plan against a JSON snapshot of remote issues instead of GitHub")
	return cmd
}

func syncCmd() *cobra.Command {
	var root string
	var dryRun bool
	var concurrency int
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Create, update and close tracker issues to match the sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), app.Options{Tracker: app.TrackerGitHub}, func(ctx context.Context, s *app.Session) error {
				if cmd.Flags().Changed("concurrency") {
					s.Config.Sync.Concurrency = concurrency
				}
				pass, err := s.Engine.Sync(ctx, engine.PassOptions{Root: root, ActorID: viper.GetString("actor-id"), DryRun: dryRun})
				if perr := printPass(pass, err); perr != nil {
					return perr
				}
				if pass.Run.Failures > 0 {
					return fmt.Errorf("%d operations failed (run %s)", pass.Run.Failures, pass.Run.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "scan root (defaults to scan.root)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan only; do not touch the tracker")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max in-flight tracker calls (defaults to sync.concurrency)")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect recorded plan and sync runs"}
	var mode string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), app.Options{}, func(ctx context.Context, s *app.Session) error {
				items, err := s.Engine.ListRuns(ctx, mode, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				report.Runs(os.Stdout, items)
				return nil
			})
		},
	}
	list.Flags().StringVar(&mode, "mode", "", "filter by mode (plan or sync)")
	list.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), app.Options{}, func(ctx context.Context, s *app.Session) error {
				detail, err := s.Engine.GetRun(ctx, args[0])
				if err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				report.RunDetail(os.Stdout, detail)
				return nil
			})
		},
	}
	runs.AddCommand(list, show)
	return runs
}

func eventsCmd() *cobra.Command {
	evts := &cobra.Command{Use: "events", Short: "Read the event log"}
	var limit int
	var evtType, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), app.Options{}, func(ctx context.Context, s *app.Session) error {
				items, err := s.Engine.ListEvents(ctx, limit, 0, evtType, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				report.Events(os.Stdout, items)
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "max events")
	tail.Flags().StringVar(&evtType, "type", "", "filter by event type (e.g. issue.created)")
	tail.Flags().StringVar(&entityID, "entity", "", "filter by entity id (run id or issue number)")
	evts.AddCommand(tail)
	return evts
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), app.Options{}, func(ctx context.Context, s *app.Session) error {
				created, err := s.Engine.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				fmt.Printf("id:  %s\nkey: %s\nThe key is shown once; store it now.\n", created.ID, created.Key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), app.Options{}, func(ctx context.Context, s *app.Session) error {
				actor := viper.GetString("actor-id")
				if all {
					actor = ""
				}
				items, err := s.Engine.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				report.APIKeys(os.Stdout, items)
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "list keys of every actor")
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), app.Options{}, func(ctx context.Context, s *app.Session) error {
				if err := s.Engine.RevokeAPIKey(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return fmt.Errorf("revoke %s: %w", args[0], err)
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), app.Options{Tracker: app.TrackerGitHub}, func(ctx context.Context, s *app.Session) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("ISSUESYNC_JWT_SECRET"), Logger: &logger}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("ISSUESYNC_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: s.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, s.Engine, logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving issuesync API; OpenAPI at <base>/openapi.json, docs at <base>/docs, metrics at /metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withSession(ctx context.Context, opts app.Options, fn func(context.Context, *app.Session) error) error {
	opts.Workspace = viper.GetString("workspace")
	opts.Logger = logger
	s, err := app.Open(opts)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// printPass renders a pass and passes err through. A nothing-to-reconcile
// pass still prints its scan errors.
func printPass(pass engine.Pass, err error) error {
	if pass.Run.ID == "" {
		return err
	}
	if viper.GetBool("json") {
		if perr := printJSON(pass); perr != nil {
			return perr
		}
	} else {
		report.Pass(os.Stdout, pass)
	}
	return err
}

type scanOutput struct {
	Files        int                  `json:"files"`
	Declarations []marker.Declaration `json:"declarations"`
	Errors       []string             `json:"errors"`
}

func scanView(res extract.Result) scanOutput {
	out := scanOutput{Files: res.Files, Declarations: res.Declarations, Errors: []string{}}
	if out.Declarations == nil {
		out.Declarations = []marker.Declaration{}
	}
	for _, err := range res.Errors {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// setEnvValue sets key in the dotenv file at path, keeping other entries.
func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}
