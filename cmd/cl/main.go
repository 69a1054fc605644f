package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"creditline/internal/app"
	"creditline/internal/config"
	"creditline/internal/db"
	"creditline/internal/domain"
	"creditline/internal/repo"
	"creditline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Creditline CLI",
	Long: `Creditline takes emissions monitoring reports through verification and
turns verified reductions into carbon credits on a ledger.
- Workspace: the .creditline directory holding the database and stored reports.
- Workflow: submission -> initial-review -> verifier-assignment -> verification -> credit-calculation.
- Credits: estimated from a verified report, minted when credit-calculation completes.
- Ledger: mint, lease and burn are submitted as pending transactions and resolved by the watcher.
- Event log: every change, view with 'cl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return loadWorkspaceEnv(workspace)
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
	viper.SetEnvPrefix("CREDITLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("role", "admin", "actor role (admin, developer, verifier, buyer)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(creditsCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadWorkspaceEnv reads <workspace>/.env written by 'cl user login'. Values
// there rank below flags and environment variables.
func loadWorkspaceEnv(workspace string) error {
	v := viper.New()
	v.SetConfigFile(filepath.Join(workspace, ".env"))
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read workspace .env: %w", err)
	}
	for _, key := range []string{"actor-id", "role"} {
		if val := v.GetString(envKey(key)); val != "" {
			viper.SetDefault(key, val)
		}
	}
	return nil
}

func envKey(key string) string {
	return "CREDITLINE_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage creditline.yml",
		Long:  "Config is the rulebook: roles and permissions, step guards, methodologies, confirmation timing and backends.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default creditline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate creditline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.EventLog(ctx, currentActor(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("CREDITLINE_JWT_SECRET is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				log := logger()
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, TokenTTL: ttl, Logger: log},
				})
				if err != nil {
					return err
				}
				loopCtx, cancel := context.WithCancel(ctx)
				wait := a.Start(loopCtx)
				defer func() {
					cancel()
					wait()
				}()
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				log.Info("serving creditline api", "addr", addr, "base_path", basePath, "chain_id", a.Config.Ledger.ChainID)
				fmt.Printf("Serving Creditline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&ttl, "token-ttl", 12*time.Hour, "bearer token lifetime")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func logger() *slog.Logger {
	return app.NewLogger(os.Stderr, viper.GetString("log-level"), viper.GetString("log-format"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: logger()})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// currentActor is the local operator. The CLI trusts the workspace owner;
// permissions still apply to the chosen role.
func currentActor() domain.Actor {
	return domain.Actor{ID: viper.GetString("actor-id"), Role: domain.Role(viper.GetString("role"))}
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
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

func readReport(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
