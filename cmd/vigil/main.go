package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vigil/internal/config"
	"vigil/internal/db"
	"vigil/internal/domain"
	"vigil/internal/engine"
	"vigil/internal/migrate"
	"vigil/internal/notify"
	"vigil/internal/repo"
	"vigil/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Vigil dead-man's switch",
	Long: `Vigil watches for your activity and releases documents to trusted
recipients if you stop responding.

- Activity: heartbeats and check-ins prove you are around ('vigil checkin').
- Trigger: after the configured days of silence, Vigil opens a verification
  window and sends you a one-time code.
- Verification: submit the code to reset the countdown, or your kill-switch
  secret to disarm permanently ('vigil verify').
- Release: if the window closes with no answer, documents go out to every
  recipient over email, SMS and WhatsApp, each with an access code.`,
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
	viper.SetEnvPrefix("VIGIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(checkinCmd())
	rootCmd.AddCommand(heartbeatCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(killSwitchCmd())
	rootCmd.AddCommand(armCmd())
	rootCmd.AddCommand(disarmCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(recipientCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(deliveryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates the .vigil directory, the database, and a config template to fill in.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			dir, err := db.EnsureWorkspace(workspace)
			if err != nil {
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
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o600); err != nil {
					return err
				}
				fmt.Printf("Wrote config template to %s\n", cfgPath)
			}
			fmt.Printf("Workspace initialized at %s\n", dir)
			fmt.Println("Edit the config, then set a kill switch: vigil killswitch set")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show trigger status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRow(table.Row{"State", rep.State})
				if rep.LastActivity != nil {
					tw.AppendRow(table.Row{"Last activity", *rep.LastActivity})
				} else {
					tw.AppendRow(table.Row{"Last activity", "none"})
				}
				tw.AppendRow(table.Row{"Days inactive", rep.DaysInactive})
				if rep.State == domain.StateIdle {
					tw.AppendRow(table.Row{"Days remaining", rep.DaysRemaining})
				}
				if rep.Deadline != nil {
					tw.AppendRow(table.Row{"Verification deadline", *rep.Deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func checkinCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Record a manual check-in",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.RecordActivity(ctx, domain.ActivityManualCheckin, "cli", note)
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "optional note")
	return cmd
}

func heartbeatCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Record an automated heartbeat",
		Long:  "Intended for cron or device scripts that report activity on your behalf.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.RecordActivity(ctx, domain.ActivityHeartbeat, source, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "cron", "heartbeat source label")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <code-or-secret>",
		Short: "Submit a verification code or kill-switch secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitResponse(ctx, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.Disarmed:
					fmt.Println("Kill switch accepted. Vigil is permanently disarmed.")
				case res.Accepted:
					fmt.Println("Verification accepted. Countdown reset.")
				default:
					fmt.Printf("Rejected: %s\n", res.Reason)
				}
				return nil
			})
		},
	}
	return cmd
}

func killSwitchCmd() *cobra.Command {
	ks := &cobra.Command{Use: "killswitch", Short: "Kill-switch secret management"}
	var secret string
	set := &cobra.Command{
		Use:   "set",
		Short: "Set or replace the kill-switch secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetKillSwitch(ctx, secret); err != nil {
					return err
				}
				fmt.Println("Kill-switch secret stored. Keep it somewhere safe and memorable.")
				return nil
			})
		},
	}
	set.Flags().StringVar(&secret, "secret", "", "kill-switch secret (min 8 characters)")
	_ = set.MarkFlagRequired("secret")
	ks.AddCommand(set)
	return ks
}

func armCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "arm",
		Short: "Re-arm monitoring from a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Arm(ctx); err != nil {
					return err
				}
				rep, err := e.Status(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
}

func disarmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disarm",
		Short: "Permanently disarm the switch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Disarm(ctx); err != nil {
					return err
				}
				fmt.Println("Vigil is disarmed. Use 'vigil arm' to start monitoring again.")
				return nil
			})
		},
	}
}

func monitorCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the monitoring loop",
		Long:  "Evaluates inactivity on the configured interval until interrupted. Use --once for a single tick from cron.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if once {
					return e.Evaluate(ctx)
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				m := engine.NewMonitor(e, e.Log)
				if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one evaluation tick and exit")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the Vigil API and runs the monitoring loop in the background.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("VIGIL_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("VIGIL_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				m := engine.NewMonitor(e, e.Log)
				go m.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Vigil API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

func recipientCmd() *cobra.Command {
	rec := &cobra.Command{Use: "recipient", Short: "Configured recipients"}
	rec.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config.Recipients)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Email", "Phone", "WhatsApp", "Language"})
				for _, r := range e.Config.Recipients {
					tw.AppendRow(table.Row{r.Name, r.Email, r.Phone, r.WhatsApp, r.Language})
				}
				tw.Render()
				return nil
			})
		},
	})
	return rec
}

func documentCmd() *cobra.Command {
	doc := &cobra.Command{Use: "document", Short: "Configured documents"}
	doc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config.Documents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Description", "Locator"})
				for _, d := range e.Config.Documents {
					tw.AppendRow(table.Row{d.Name, d.Description, d.Locator})
				}
				tw.Render()
				return nil
			})
		},
	})
	return doc
}

func deliveryCmd() *cobra.Command {
	del := &cobra.Command{Use: "delivery", Short: "Delivery outcomes"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List delivery attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDeliveries(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Recipient", "Document", "Channel", "Status", "When"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.Recipient, d.Document, d.Channel, d.Status, d.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "max rows")
	retry := &cobra.Command{
		Use:   "retry",
		Short: "Retry failed deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.RetryFailedDeliveries(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Retried %d recipient/document pairs\n", n)
				return nil
			})
		},
	}
	del.AddCommand(list)
	del.AddCommand(retry)
	return del
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: activity, state transitions, and deliveries.",
	}
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for i := len(items) - 1; i >= 0; i-- {
					e := items[i]
					fmt.Printf("%s  %-20s  %s\n", e.TS, e.Type, e.Payload)
				}
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 50, "max events")
	log.AddCommand(tail)
	return log
}

func apiKeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "API key management"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("API key %s created. Secret (shown once):\n%s\n", key.ID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	ak.AddCommand(create)
	ak.AddCommand(list)
	ak.AddCommand(del)
	return ak
}

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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	log := newLogger()
	e := engine.New(conn, cfg, notify.New(cfg, log), log)
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
