package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"realmcore/internal/app"
	"realmcore/internal/bridge"
	"realmcore/internal/config"
	"realmcore/internal/db"
	"realmcore/internal/domain"
	"realmcore/internal/migrate"
	"realmcore/internal/repo"
	"realmcore/internal/scheduler"
	"realmcore/internal/server"
	"realmcore/internal/trigger"
)

var rootCmd = &cobra.Command{
	Use:   "realm",
	Short: "Realmcore CLI",
	Long: `Realmcore runs a persistent multiplayer text world.
Commands flow through a durable action queue into an append-only event log;
triggers, mob reactions and the heartbeat are driven off committed events.
Use 'realm serve' to start a world, 'realm trigger import' to load content,
and 'realm log tail' to watch the event log.`,
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
	viper.SetEnvPrefix("REALM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("world", "", "world key (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("world", rootCmd.PersistentFlags().Lookup("world"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(worldCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var worldKey string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default realm.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(worldKey)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&worldKey, "world-key", "midgard", "world key for the generated config")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations OK")
			return nil
		},
	}
}

func worldCmd() *cobra.Command {
	world := &cobra.Command{Use: "world", Short: "Manage worlds"}
	world.AddCommand(worldCreateCmd())
	world.AddCommand(worldListCmd())
	return world
}

func worldCreateCmd() *cobra.Command {
	var key, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a world",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = key
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				id, err := r.InsertWorld(ctx, domain.World{
					Key:       key,
					Name:      name,
					Status:    "active",
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				})
				if err != nil {
					return err
				}
				w, err := r.GetWorld(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "world key")
	cmd.Flags().StringVar(&name, "name", "", "world name")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func worldListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List worlds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				worlds, err := r.ListWorlds(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(worlds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Key", "Name", "Created"})
				for _, w := range worlds {
					tw.AppendRow(table.Row{w.ID, w.Key, w.Name, w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func triggerCmd() *cobra.Command {
	trg := &cobra.Command{
		Use:   "trigger",
		Short: "Manage triggers",
		Long:  "Triggers bind scripted reactions to commands and committed events. Import them from a YAML manifest, list them in dispatch order, or validate a match expression.",
	}
	trg.AddCommand(triggerImportCmd())
	trg.AddCommand(triggerListCmd())
	trg.AddCommand(triggerValidateCmd())
	return trg
}

func triggerImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a YAML trigger manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				created, updated, err := server.ImportManifest(ctx, rt.Repo, rt.World.ID, string(data))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"created": created, "updated": updated})
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML manifest")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func triggerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List triggers in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				triggers, err := rt.Repo.ListTriggers(ctx, repo.TriggerFilters{WorldID: rt.World.ID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(triggers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Scope", "Kind", "Event", "Match", "Active"})
				for _, t := range triggers {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Scope, t.Kind, t.Event, t.Match, t.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func triggerValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <expression>",
		Short: "Validate a trigger match expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := trigger.ValidateExpression(args[0])
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("expression OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only record of everything that happened in the world, in commit order.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, actor string
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if after == 0 {
					head, err := rt.Repo.LatestEventID(ctx, rt.World.ID)
					if err != nil {
						return err
					}
					after = head - int64(n)
					if after < 0 {
						after = 0
					}
				}
				events, err := rt.Repo.ListEvents(ctx, repo.EventFilters{
					WorldID:  rt.World.ID,
					Type:     evtType,
					ActorKey: actor,
					After:    after,
					Limit:    n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Actor", "Text", "Created"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.Type, e.ActorKey, e.Text, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&actor, "actor", "", "actor key filter")
	cmd.Flags().Int64Var(&after, "after", 0, "start after this event id")
	return cmd
}

func execCmd() *cobra.Command {
	var actorKey string
	cmd := &cobra.Command{
		Use:   "exec <text>",
		Short: "Submit a command as an actor and print the committed events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := domain.ParseActorRef(actorKey)
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.SubmitCommand(ctx, domain.Command{
					Actor: actor,
					Type:  "cmd.text",
					Text:  text,
				}, rt.World.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().StringVar(&actorKey, "actor", "", "actor key, e.g. player.1")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the world: HTTP API, game sockets, scheduler and bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default("")
			}
			if worldKey := viper.GetString("world"); worldKey != "" {
				cfg.World.Key = worldKey
			}
			logger := log.New(os.Stderr, "realm ", log.LstdFlags)
			rt, err := app.Build(cmd.Context(), conn, cfg, logger)
			if err != nil {
				return err
			}

			jwtSecret := cfg.Auth.JWTSecret
			if env := os.Getenv("REALM_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" {
				return fmt.Errorf("auth.jwt_secret or REALM_JWT_SECRET is required for bearer auth")
			}
			ingressToken := cfg.Bridge.IngressToken
			if env := os.Getenv("REALM_AI_INGRESS_TOKEN"); env != "" {
				ingressToken = env
			}

			hub := server.NewHub()
			hub.Logger = logger
			rt.Publisher.Subscribe(hub)

			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				Hub:      hub,
				WorldID:  rt.World.ID,
				WorldKey: rt.World.Key,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:    jwtSecret,
					IngressToken: ingressToken,
					Logger:       logger,
				},
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sched := &scheduler.Scheduler{
				Repo:   rt.Repo,
				Engine: rt.Engine,
				Router: rt.Router,
				Config: cfg,
				Logger: logger,
			}
			go func() {
				if err := sched.Run(ctx, rt.World.ID); err != nil && !errors.Is(err, context.Canceled) {
					logger.Printf("scheduler stopped: %v", err)
				}
			}()
			bridge.Start(ctx, &bridge.Forwarder{
				Repo:     rt.Repo,
				Config:   cfg,
				WorldID:  rt.World.ID,
				WorldKey: rt.World.Key,
				Logger:   logger,
			})

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving world %q on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", rt.World.Key, addr, basePath)
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

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("")
	}
	if worldKey := viper.GetString("world"); worldKey != "" {
		cfg.World.Key = worldKey
	}
	logger := log.New(os.Stderr, "realm ", log.LstdFlags)
	rt, err := app.Build(ctx, conn, cfg, logger)
	if err != nil {
		return err
	}
	return fn(ctx, rt)
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
