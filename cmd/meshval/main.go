package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"meshval/internal/app"
	"meshval/internal/config"
	"meshval/internal/ctxlog"
	"meshval/internal/depgraph"
	"meshval/internal/diag"
	"meshval/internal/domain"
	"meshval/internal/engine"
	"meshval/internal/repo"
	"meshval/internal/server"
	"meshval/internal/specfile"
)

var rootCmd = &cobra.Command{
	Use:   "meshval",
	Short: "meshval spec validator",
	Long: `meshval checks a structured software spec before anything is generated from it.
- Spec: a YAML or JSON document declaring entities, commands, derived values, state machines, sagas, policies, scenarios and requirements.
- Validation: structure, references, expression types and workflow consistency, reported as diagnostics with stable codes; validity is binary.
- Fix patches: auto-fixable diagnostics carry a JSON-pointer patch.
- Impact: the dependency graph answers which derived values and commands a change to one field affects.
- Workspace: the .meshval directory holding config.yaml and the database of stored specs, versions, backups and validation runs.
- Generators must only consume specs whose latest run is valid ('meshval spec gate').`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code. A nil err exits silently.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error { return e.err }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		code := 1
		var ee exitError
		if errors.As(err, &ee) {
			code = ee.code
			if ee.err == nil {
				os.Exit(code)
			}
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(code)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MESHVAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.Int("max-depth", 0, "maximum expression nesting depth (0 keeps the config value)")
	flags.Bool("strict", false, "treat warnings as blocking")
	flags.StringSlice("preset", nil, "extra validator presets")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	for _, name := range []string{"workspace", "json", "actor-id", "max-depth", "strict", "preset", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(impactCmd())
	rootCmd.AddCommand(specCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath, err := app.InitWorkspace(workspace, force)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Printf("Initialized meshval workspace (config: %s)\n", cfgPath)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func validateCmd() *cobra.Command {
	var specID string
	cmd := &cobra.Command{
		Use:   "validate <file|->",
		Short: "Validate a spec document (exit 0 valid, 1 invalid, 2 usage or I/O error)",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return exitError{code: 2, err: fmt.Errorf("validate takes exactly one file argument")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := specfile.Load(args[0])
			if err != nil {
				return exitError{code: 2, err: err}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				var rep engine.Report
				if specID != "" {
					if _, _, err := e.SaveSpec(ctx, specID, doc, actor); err != nil {
						return exitError{code: 2, err: err}
					}
					rep, err = e.ValidateSpec(ctx, specID, 0, actor)
				} else {
					rep, err = e.ValidateDocument(ctx, doc, actor)
				}
				if err != nil {
					return exitError{code: 2, err: err}
				}
				if err := printReport(rep); err != nil {
					return exitError{code: 2, err: err}
				}
				if !rep.Run.Valid {
					return exitError{code: 1}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&specID, "store", "", "also store the document as the next version of this spec id")
	return cmd
}

func impactCmd() *cobra.Command {
	var node, specID string
	var version int
	cmd := &cobra.Command{
		Use:   "impact [file|-]",
		Short: "Show what a change to one node affects",
		Long:  "Node may be a graph id (field:Account.balance), Entity.field, an entity, a derived value or a command name.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if node == "" {
				return fmt.Errorf("--node required")
			}
			if (specID == "") == (len(args) == 0) {
				return fmt.Errorf("give either a file argument or --spec")
			}
			var doc any
			if len(args) == 1 {
				var err error
				if doc, err = specfile.Load(args[0]); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var rep engine.ImpactReport
				var err error
				if specID != "" {
					rep, err = e.Impact(ctx, specID, version, node)
				} else {
					rep, err = e.ImpactOf(ctx, doc, node)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("%s (%s)\n", rep.Node.ID, rep.Node.Path)
				tw := newTable(table.Row{"Relation", "Kind", "Name", "Path"})
				appendNodes(tw, "impacted", rep.Impacted)
				appendNodes(tw, "depends on", rep.Dependencies)
				appendNodes(tw, "written by", rep.Writers)
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "node to analyze")
	cmd.Flags().StringVar(&specID, "spec", "", "stored spec id instead of a file")
	cmd.Flags().IntVar(&version, "version", 0, "stored version (0 for current)")
	return cmd
}

func appendNodes(tw table.Writer, relation string, nodes []*depgraph.Node) {
	for _, n := range nodes {
		tw.AppendRow(table.Row{relation, n.Kind, n.Name, n.Path})
	}
}

func specCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "spec", Short: "Manage stored specs"}
	cmd.AddCommand(specPutCmd())
	cmd.AddCommand(specGetCmd())
	cmd.AddCommand(specListCmd())
	cmd.AddCommand(specHistoryCmd())
	cmd.AddCommand(specValidateCmd())
	cmd.AddCommand(specGateCmd())
	cmd.AddCommand(specBackupCmd())
	cmd.AddCommand(specRestoreCmd())
	cmd.AddCommand(specDeleteCmd())
	return cmd
}

func specPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <id> <file|->",
		Short: "Store a document as the next version of a spec",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := specfile.Load(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, created, err := e.SaveSpec(ctx, args[0], doc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					v.Document = nil
					return printJSON(map[string]any{"version": v, "created": created})
				}
				if created {
					fmt.Printf("Stored %s version %d (%s)\n", v.SpecID, v.Version, shortHash(v.ContentHash))
				} else {
					fmt.Printf("%s unchanged at version %d\n", v.SpecID, v.Version)
				}
				return nil
			})
		},
	}
}

func specGetCmd() *cobra.Command {
	var version int
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print a stored spec document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetSpec(ctx, args[0], version)
				if err != nil {
					return err
				}
				if asYAML {
					var plain any
					if err := json.Unmarshal(v.Document, &plain); err != nil {
						return err
					}
					out, err := yaml.Marshal(plain)
					if err != nil {
						return err
					}
					_, err = os.Stdout.Write(out)
					return err
				}
				doc, err := specfile.DecodeJSON(v.Document)
				if err != nil {
					return err
				}
				return printJSON(doc)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version (0 for current)")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print YAML instead of JSON")
	return cmd
}

func specListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored specs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				specs, err := r.ListSpecs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(specs)
				}
				tw := newTable(table.Row{"ID", "Version", "Hash", "Updated"})
				for _, s := range specs {
					tw.AppendRow(table.Row{s.ID, s.CurrentVersion, shortHash(s.ContentHash), s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func specHistoryCmd() *cobra.Command {
	var runs int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show versions, backups and recent validation runs of a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.History(ctx, args[0], runs)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				fmt.Printf("%s at version %d\n\nVersions\n", h.Spec.ID, h.Spec.CurrentVersion)
				vt := newTable(table.Row{"Version", "Hash", "Actor", "Created"})
				for _, v := range h.Versions {
					vt.AppendRow(table.Row{v.Version, shortHash(v.ContentHash), v.ActorID, v.CreatedAt})
				}
				vt.Render()
				fmt.Println("\nBackups")
				bt := newTable(table.Row{"ID", "Version", "Label", "Created"})
				for _, b := range h.Backups {
					bt.AppendRow(table.Row{b.ID, b.Version, b.Label, b.CreatedAt})
				}
				bt.Render()
				fmt.Println("\nRuns")
				renderRuns(h.Runs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&runs, "runs", 10, "number of runs to show")
	return cmd
}

func specValidateCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "validate <id>",
		Short: "Validate a stored spec version (exit 0 valid, 1 invalid)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.ValidateSpec(ctx, args[0], version, viper.GetString("actor-id"))
				if err != nil {
					return exitError{code: 2, err: err}
				}
				if err := printReport(rep); err != nil {
					return exitError{code: 2, err: err}
				}
				if !rep.Run.Valid {
					return exitError{code: 1}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version (0 for current)")
	return cmd
}

func specGateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gate <id>",
		Short: "Fail unless the current version has a valid validation run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.GenerateGate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					run.Result = nil
					return printJSON(run)
				}
				fmt.Printf("%s version %d passed validation (run %s)\n", run.SpecID, run.Version, run.ID)
				return nil
			})
		},
	}
}

func specBackupCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "backup <id>",
		Short: "Snapshot the current version of a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Backup(ctx, args[0], label, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				b.Document = nil
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("Backup %s of %s version %d (%s)\n", b.ID, b.SpecID, b.Version, b.Label)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "backup label")
	return cmd
}

func specRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id> <backup-id>",
		Short: "Restore a backup as the newest version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Restore(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				v.Document = nil
				if viper.GetBool("json") {
					return printJSON(v)
				}
				fmt.Printf("%s is at version %d\n", v.SpecID, v.Version)
				return nil
			})
		},
	}
}

func specDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a spec with its versions, backups and runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteSpec(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Inspect validation runs"}
	var limit int
	list := &cobra.Command{
		Use:   "list <spec-id>",
		Short: "List validation runs of a spec, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetSpec(ctx, args[0]); err != nil {
					return fmt.Errorf("spec %s: %w", args[0], err)
				}
				runs, err := r.ListRuns(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				renderRuns(runs)
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "number of runs")
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a validation run with its diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				var res diag.Result
				if err := json.Unmarshal(run.Result, &res); err != nil {
					return fmt.Errorf("decode run result: %w", err)
				}
				renderDiagnostics(os.Stdout, res)
				fmt.Println(runSummary(run))
				return nil
			})
		},
	}
	cmd.AddCommand(list, show)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var f repo.EventFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Spec", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.SpecID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.SpecID, "spec", "", "spec id filter")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.AddCommand(tail)
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Manage API keys"}
	var name string
	var scopes []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name, scopes)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("Created key %s for %s with scopes %s\n", key.ID, key.ActorID, strings.Join(key.Scopes, ","))
				fmt.Printf("Secret (shown once): %s\n", secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")
	create.Flags().StringSliceVar(&scopes, "scope", []string{"*"}, "granted scopes")
	var actor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				renderKeys(keys)
				return nil
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "only keys of this actor")
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			overrides().Apply(cfg)
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "<redacted>"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func serveCmd() *cobra.Command {
	var basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logger := ctxlog.FromContext(ctx)
				authCfg := server.AuthConfig{
					JWTSecret:  e.Config.Server.JWTSecret,
					Disabled:   noAuth,
					LocalActor: viper.GetString("actor-id"),
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				if server.StartWebhooks(ctx, e, logger) {
					logger.Info("webhook delivery started", "webhooks", len(e.Config.Server.Webhooks))
				}
				addr := e.Config.Server.Addr
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving meshval API", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (overrides server.jwt_secret)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "accept unauthenticated requests as the local actor")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func overrides() app.Overrides {
	return app.Overrides{
		MaxDepth:  viper.GetInt("max-depth"),
		Strict:    viper.GetBool("strict"),
		Presets:   viper.GetStringSlice("preset"),
		JWTSecret: viper.GetString("jwt-secret"),
		Addr:      viper.GetString("addr"),
		LogLevel:  viper.GetString("log-level"),
		LogFormat: viper.GetString("log-format"),
	}
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	o := overrides()
	ctx = ctxlog.WithLogger(ctx, app.NewLogger(o.LogLevel, o.LogFormat, os.Stderr))
	ws, err := app.OpenWorkspace(ctx, viper.GetString("workspace"), o)
	if err != nil {
		return err
	}
	defer ws.Close()
	ctx = ctxlog.WithLogger(ctx, app.NewLogger(ws.Config.Log.Level, ws.Config.Log.Format, os.Stderr))
	return fn(ctx, ws)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		return fn(ctx, engine.New(ws.DB, ws.Config))
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		return fn(ctx, repo.Repo{DB: ws.DB})
	})
}

func printReport(rep engine.Report) error {
	if viper.GetBool("json") {
		return printJSON(rep)
	}
	renderDiagnostics(os.Stdout, rep.Result.Result)
	fmt.Println(runSummary(rep.Run))
	return nil
}

func renderDiagnostics(w io.Writer, res diag.Result) {
	all := append(append([]diag.Diagnostic{}, res.Errors...), res.Warnings...)
	if len(all) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Severity", "Code", "Path", "Message", "Fix"})
	for _, d := range all {
		fix := ""
		if d.FixPatch != nil {
			fix = d.FixPatch.Op + " " + d.FixPatch.Path
		}
		tw.AppendRow(table.Row{d.Severity, d.Code, d.Path, d.Message, fix})
	}
	tw.Render()
}

func runSummary(run domain.ValidationRun) string {
	status := "valid"
	if !run.Valid {
		status = "INVALID"
	}
	target := "document"
	if run.SpecID != "" {
		target = fmt.Sprintf("%s v%d", run.SpecID, run.Version)
	}
	return fmt.Sprintf("%s: %s (%d error(s), %d warning(s), fingerprint %s)",
		target, status, run.ErrorCount, run.WarningCount, shortHash(run.Fingerprint))
}

func renderRuns(runs []domain.ValidationRun) {
	tw := newTable(table.Row{"ID", "Version", "Valid", "Errors", "Warnings", "Actor", "Created"})
	for _, r := range runs {
		tw.AppendRow(table.Row{r.ID, r.Version, r.Valid, r.ErrorCount, r.WarningCount, r.ActorID, r.CreatedAt})
	}
	tw.Render()
}

func renderKeys(keys []domain.APIKey) {
	tw := newTable(table.Row{"ID", "Actor", "Name", "Scopes", "Last used", "Revoked"})
	for _, k := range keys {
		tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Scopes, ","), k.LastUsedAt, k.RevokedAt})
	}
	tw.Render()
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
