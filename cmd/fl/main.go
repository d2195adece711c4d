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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldline/internal/app"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/jobs"
	"fieldline/internal/paris"
	"fieldline/internal/repo"
	"fieldline/internal/server"
	"fieldline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fieldline CLI",
	Long: `Fieldline tracks field-service missions through a validated status workflow.
- Missions move BROUILLON -> PUBLIÉE -> CONFIRMÉE -> EN_COURS -> TERMINÉE
  (with BLOQUÉE and ANNULÉE as detours), never any other way.
- Every attempt, accepted or rejected, lands in the append-only workflow log.
- Retried transitions are idempotent: the first outcome is cached and replayed.
- Confirmation is gated on business hours, evaluated in Europe/Paris.`,
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
	viper.SetEnvPrefix("FIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "admin", "workflow role (planificateur, technicien, admin)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(clockCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(maintenanceCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default fieldline.yml",
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
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	return cfg
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionTransitionCmd())
	m.AddCommand(missionNextCmd())
	m.AddCommand(missionTimelineCmd())
	m.AddCommand(missionRiskCmd())
	m.AddCommand(missionArchiveCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var client, site, desc, assignee, scheduledAt, reference string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission in BROUILLON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				m, err := a.Engine.CreateMission(ctx, workflow.MissionCreateOptions{
					Reference:   reference,
					ClientName:  client,
					SiteAddress: site,
					Description: desc,
					AssigneeID:  assignee,
					ScheduledAt: scheduledAt,
					ActorID:     viper.GetString("actor-id"),
					ActorRole:   viper.GetString("role"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client name")
	cmd.Flags().StringVar(&site, "site", "", "site address")
	cmd.Flags().StringVar(&desc, "description", "", "intervention description")
	cmd.Flags().StringVar(&assignee, "assignee", "", "technician actor id")
	cmd.Flags().StringVar(&scheduledAt, "scheduled-at", "", "scheduled slot (RFC3339 or 'YYYY-MM-DD HH:MM' Paris time)")
	cmd.Flags().StringVar(&reference, "reference", "", "mission reference (generated when empty)")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				m, err := a.Engine.Repo.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionListCmd() *cobra.Command {
	var status, assignee string
	var includeArchived bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				missions, err := a.Engine.Repo.ListMissions(ctx, repo.MissionFilters{
					Status:          status,
					AssigneeID:      assignee,
					IncludeArchived: includeArchived,
					Limit:           limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Reference", "Client", "Status", "Assignee", "Scheduled"})
				for _, m := range missions {
					assignee := ""
					if m.AssigneeID != nil {
						assignee = *m.AssigneeID
					}
					scheduled := ""
					if m.ScheduledAt != nil {
						if t, err := time.Parse(time.RFC3339, *m.ScheduledAt); err == nil {
							scheduled = paris.FormatDatetime(t)
						}
					}
					tw.AppendRow(table.Row{m.ID, m.Reference, m.ClientName, m.Status, assignee, scheduled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	cmd.Flags().BoolVar(&includeArchived, "archived", false, "include archived missions")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func missionTransitionCmd() *cobra.Command {
	var reason, at string
	cmd := &cobra.Command{
		Use:   "transition <id> <target-status>",
		Short: "Apply a status transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.ApplyTransition(ctx, workflow.TransitionOptions{
					MissionID:    args[0],
					TargetStatus: args[1],
					ActorID:      viper.GetString("actor-id"),
					ActorRole:    viper.GetString("role"),
					Reason:       reason,
					At:           at,
				})
				if err != nil {
					return err
				}
				if res.Cached {
					fmt.Println("(already applied; returning cached outcome)")
				}
				return printJSONOrTable(res.Mission)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the workflow log")
	cmd.Flags().StringVar(&at, "at", "", "timestamp for the business-hours gate")
	return cmd
}

func missionNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <id>",
		Short: "List transitions available to the current role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rules, err := a.Engine.AvailableTransitions(ctx, args[0], viper.GetString("role"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"To", "Description", "Business hours"})
				for _, r := range rules {
					tw.AppendRow(table.Row{r.ToStatus, r.Description, r.BusinessHours})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func missionTimelineCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "timeline <id>",
		Short: "Show the mission's workflow log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				entries, err := a.Engine.Timeline(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Actor", "Role", "OK", "Error", "Reason"})
				for _, e := range entries {
					ok := "✓"
					if !e.Success {
						ok = "✗"
					}
					tw.AppendRow(table.Row{e.TS, e.FromStatus, e.ToStatus, e.ActorID, e.ActorRole, ok, e.ErrorCode, e.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries (0 = all)")
	return cmd
}

func missionRiskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "risk <id>",
		Short: "Compute the mission's risk score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				report, err := a.Monitor.RiskScore(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func missionArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a mission (soft delete)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.Repo.ArchiveMission(ctx, args[0], time.Now().UTC().Format(time.RFC3339))
			})
		},
	}
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Show the transition table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rules := a.Engine.Table.List()
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"From", "To", "Roles", "Business hours", "Description"})
				for _, r := range rules {
					tw.AppendRow(table.Row{r.FromStatus, r.ToStatus, strings.Join(r.AllowedRoles, ","), r.BusinessHours, r.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func clockCmd() *cobra.Command {
	clock := &cobra.Command{Use: "clock", Short: "Business-hours clock"}
	var at string
	check := &cobra.Command{
		Use:   "check",
		Short: "Check a timestamp against business hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			t := paris.Now()
			if at != "" {
				if t, err = paris.ParseTimestamp(at); err != nil {
					return err
				}
			}
			window := cfg.Window()
			return printJSONOrTable(map[string]any{
				"at":             paris.FormatDatetime(t),
				"business_hours": paris.IsBusinessHours(t, window),
				"window":         window.String(),
			})
		},
	}
	check.Flags().StringVar(&at, "at", "", "timestamp to check (defaults to now)")
	clock.AddCommand(check)
	clock.AddCommand(&cobra.Command{
		Use:   "now",
		Short: "Show the current Paris time",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(paris.FormatDatetime(paris.Now()))
			return nil
		},
	})
	return clock
}

func monitorCmd() *cobra.Command {
	mon := &cobra.Command{Use: "monitor", Short: "Monitoring and anomaly scans"}
	mon.AddCommand(&cobra.Command{
		Use:   "anomalies",
		Short: "Scan for anomalies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				anomalies, err := a.Monitor.DetectAnomalies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(anomalies)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Severity", "Mission", "Description", "Action"})
				for _, an := range anomalies {
					tw.AppendRow(table.Row{an.AnomalyType, an.Severity, an.MissionID, an.Description, an.ActionRequired})
				}
				tw.Render()
				return nil
			})
		},
	})
	var date string
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Daily activity stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				day := time.Now()
				if date != "" {
					var err error
					if day, err = time.Parse("2006-01-02", date); err != nil {
						return fmt.Errorf("--date must be YYYY-MM-DD")
					}
				}
				s, err := a.Monitor.DailyStats(ctx, day)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	stats.Flags().StringVar(&date, "date", "", "day to report (YYYY-MM-DD, defaults to today)")
	mon.AddCommand(stats)
	mon.AddCommand(&cobra.Command{
		Use:   "snapshot",
		Short: "Current monitoring counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				snap, err := a.Monitor.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	})
	return mon
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actor, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				raw := uuid.New().String() + uuid.New().String()
				id := uuid.New().String()
				if err := a.Engine.Repo.InsertAPIKey(ctx, id, actor, role, name, repo.HashAPIKey(raw)); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": id, "key": raw, "actor_id": actor, "role": role})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id the key acts as")
	create.Flags().StringVar(&role, "key-role", "", "workflow role for the key")
	create.Flags().StringVar(&name, "name", "", "display name")
	_ = create.MarkFlagRequired("actor")
	_ = create.MarkFlagRequired("key-role")
	key.AddCommand(create)
	key.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

func maintenanceCmd() *cobra.Command {
	m := &cobra.Command{Use: "maintenance", Short: "Cleanup sweeps"}
	m.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Dispatch notifications and purge expired records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				dispatch, err := a.Dispatcher.DispatchPending(ctx, 100)
				if err != nil {
					return err
				}
				idem, err := a.Engine.Idem.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				notif, err := a.Engine.Notify.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"dispatch":      dispatch,
					"idempotency":   idem,
					"notifications": notif,
				})
			})
		},
	})
	return m
}

func jobsCmd() *cobra.Command {
	j := &cobra.Command{Use: "jobs", Short: "Recurring maintenance jobs"}
	var once bool
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				sched := &jobs.Scheduler{
					Engine:     a.Engine,
					Monitor:    a.Monitor,
					Dispatcher: a.Dispatcher,
					Config:     a.Config,
					Logger:     a.Logger,
				}
				if once {
					sched.RunOnce()
					return nil
				}
				if err := sched.Start(); err != nil {
					return err
				}
				defer sched.Stop()
				stop := make(chan os.Signal, 1)
				signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
				select {
				case <-ctx.Done():
				case <-stop:
				}
				return nil
			})
		},
	}
	run.Flags().BoolVar(&once, "once", false, "run every job once and exit")
	j.AddCommand(run)
	return j
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("FIELDLINE_JWT_SECRET"),
					AllowLegacyActorHeader: allowLegacyActor,
					Logger:                 a.Logger,
				}
				if authCfg.JWTSecret == "" && !allowLegacyActor {
					return fmt.Errorf("FIELDLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:     a.Engine,
					Monitor:    a.Monitor,
					Dispatcher: a.Dispatcher,
					BasePath:   basePath,
					Auth:       authCfg,
				})
				if err != nil {
					return err
				}
				sched := &jobs.Scheduler{
					Engine:     a.Engine,
					Monitor:    a.Monitor,
					Dispatcher: a.Dispatcher,
					Config:     a.Config,
					Logger:     a.Logger,
				}
				if err := sched.Start(); err != nil {
					return err
				}
				defer sched.Stop()
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving fieldline API")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8484", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (local use)")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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
