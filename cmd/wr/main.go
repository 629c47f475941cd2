package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workroom/internal/app"
	"workroom/internal/config"
	"workroom/internal/domain"
	"workroom/internal/engine"
	"workroom/internal/hub"
	"workroom/internal/logging"
	"workroom/internal/metrics"
	"workroom/internal/repo"
	"workroom/internal/retention"
	"workroom/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wr",
	Short: "Workroom CLI",
	Long: `Workroom runs private rooms where a client and a worker discuss one task.
- Room: one per task, with exactly two participants (client and worker).
- Messages: text and attachments, stored in the workspace and pushed live to connected participants.
- Finalisation: each side finalises once; when both have, the room is locked and becomes read-only.
- Retention: locked rooms are purged after the configured window.
- Event log: every change is recorded, view with 'wr log tail'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("WORKROOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/workroom.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human readable logs")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level", "log-pretty"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(roomCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(retentionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workroom.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				return printJSON(ws.Config)
			})
		},
	}
	cfg.AddCommand(initCmd, showCmd)
	return cfg
}

func roomCmd() *cobra.Command {
	rm := &cobra.Command{Use: "room", Short: "Manage rooms"}
	rm.AddCommand(roomCreateCmd())
	rm.AddCommand(roomListCmd())
	rm.AddCommand(roomShowCmd())
	rm.AddCommand(roomFinaliseCmd())
	return rm
}

func roomCreateCmd() *cobra.Command {
	var opts engine.RoomCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the room for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				rm, err := e.CreateRoom(ctx, opts)
				if err != nil {
					return err
				}
				return printRooms([]domain.Room{rm})
			})
		},
	}
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client actor id")
	cmd.Flags().StringVar(&opts.WorkerID, "worker", "", "worker actor id")
	return cmd
}

func roomListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rooms the actor participates in",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RoomListOptions{ActorID: viper.GetString("actor-id"), Limit: limit}
			switch state {
			case "":
			case "open", "locked":
				locked := state == "locked"
				opts.Locked = &locked
			default:
				return fmt.Errorf("--state must be open or locked")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rooms, err := e.ListRooms(ctx, opts)
				if err != nil {
					return err
				}
				return printRooms(rooms)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "open or locked")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rooms")
	return cmd
}

func roomShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <room-id>",
		Short: "Show a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rm, err := e.GetRoom(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rm)
				}
				n, err := e.Repo.CountMessages(ctx, rm.ID)
				if err != nil {
					return err
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"ID", rm.ID},
					{"Task", rm.TaskID},
					{"Client", finalisedMark(rm.ClientID, rm.ClientFinalised)},
					{"Worker", finalisedMark(rm.WorkerID, rm.WorkerFinalised)},
					{"State", roomState(rm)},
					{"Messages", n},
					{"Created", humanTime(rm.CreatedAt)},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func roomFinaliseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalise <room-id>",
		Short: "Finalise the room for the acting participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rm, err := e.FinaliseRoom(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRooms([]domain.Room{rm})
			})
		},
	}
}

func messageCmd() *cobra.Command {
	msg := &cobra.Command{Use: "message", Short: "Read and send messages"}
	msg.AddCommand(messageListCmd())
	msg.AddCommand(messageSendCmd())
	return msg
}

func messageListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <room-id>",
		Short: "List messages oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.ListMessages(ctx, args[0], viper.GetString("actor-id"), limit, nil)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					bodies := make([]domain.MessageBody, 0, len(msgs))
					for _, m := range msgs {
						bodies = append(bodies, m.Body())
					}
					return printJSON(bodies)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Sent", "From", "Text", "Attachments"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{humanize.Time(time.UnixMilli(m.CreatedAt)), m.SenderID, m.Text, attachmentSummary(m.Attachments)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "max messages")
	return cmd
}

func messageSendCmd() *cobra.Command {
	var text string
	var files []string
	cmd := &cobra.Command{
		Use:   "send <room-id>",
		Short: "Post a message with optional files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.PostMessageOptions{RoomID: args[0], SenderID: viper.GetString("actor-id"), Text: text}
			for _, path := range files {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				opts.Uploads = append(opts.Uploads, engine.Upload{
					Name:        filepath.Base(path),
					ContentType: mime.TypeByExtension(filepath.Ext(path)),
					Data:        data,
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.PostMessage(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m.Body())
				}
				fmt.Printf("sent %s (%s)\n", m.ID, attachmentSummary(m.Attachments))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.Flags().StringArrayVar(&files, "file", nil, "file to attach (repeatable)")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Room", "Actor", "Payload"})
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.ID, humanTime(ev.TS), ev.Type, ev.RoomID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.RoomID, "room", "", "room filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key for %s (shown once):\n%s\n", key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List the actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Name, humanTime(key.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	k.AddCommand(create, list, revoke)
	return k
}

func tokenCmd() *cobra.Command {
	var name string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the actor (needs WORKROOM_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), name, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func retentionCmd() *cobra.Command {
	r := &cobra.Command{Use: "retention", Short: "Purge locked rooms"}
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one retention pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				runner, err := retention.New(ws.Engine, ws.Config.Retention, newLogger())
				if err != nil {
					return err
				}
				n, err := runner.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("purged %d room(s)\n", n)
				return nil
			})
		},
	}
	r.AddCommand(run)
	return r
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				log := newLogger()
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					return fmt.Errorf("WORKROOM_JWT_SECRET is required for bearer auth")
				}
				if addr == "" {
					addr = ws.Config.Server.Addr
				}
				if basePath == "" {
					basePath = ws.Config.Server.BasePath
				}
				m := metrics.New()
				h := hub.New(hub.Options{
					TypingRPS:   ws.Config.RateLimit.TypingRPS,
					TypingBurst: ws.Config.RateLimit.TypingBurst,
					Metrics:     m,
					Log:         log.With().Str("component", "hub").Logger(),
				})
				e := ws.Engine
				e.Notifier = h
				e.Metrics = m
				e.Log = log.With().Str("component", "engine").Logger()

				handler, err := server.New(server.Config{
					Engine:   e,
					Hub:      h,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret: secret,
						DevLogin:  devLogin,
						Logger:    log,
					},
					Metrics:        m,
					Log:            log,
					OriginPatterns: origins,
				})
				if err != nil {
					return err
				}

				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()
				server.StartWebhookDispatcher(ctx, e, log.With().Str("component", "webhooks").Logger(), m)
				if ws.Config.Retention.Enabled {
					runner, err := retention.New(e, ws.Config.Retention, log.With().Str("component", "retention").Logger())
					if err != nil {
						return err
					}
					go runner.Run(ctx)
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.Info().Str("addr", addr).Str("base_path", basePath).Bool("dev_login", devLogin).Msg("serving workroom API")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable password-less token minting at /auth/dev/login")
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "allowed browser origins for push connections")
	return cmd
}

// --- helpers ---

func newLogger() zerolog.Logger {
	return logging.New(os.Stderr, viper.GetString("log-level"), viper.GetBool("log-pretty"))
}

func withWorkspace(fn func(*app.Workspace) error) error {
	ws, err := app.Open(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ws)
}

// loadConfig reads the config without opening the workspace database.
func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(viper.GetString("workspace"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(func(ws *app.Workspace) error {
		return fn(ctx, ws.Engine)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printRooms(rooms []domain.Room) error {
	if viper.GetBool("json") {
		return printJSON(rooms)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Task", "Client", "Worker", "State", "Created"})
	for _, rm := range rooms {
		tw.AppendRow(table.Row{
			rm.ID,
			rm.TaskID,
			finalisedMark(rm.ClientID, rm.ClientFinalised),
			finalisedMark(rm.WorkerID, rm.WorkerFinalised),
			roomState(rm),
			humanTime(rm.CreatedAt),
		})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func roomState(rm domain.Room) string {
	if rm.Locked() {
		if rm.FinalisedAt != nil {
			return "locked " + humanTime(*rm.FinalisedAt)
		}
		return "locked"
	}
	return "open"
}

func finalisedMark(actorID string, finalised bool) string {
	if finalised {
		return actorID + " ✓"
	}
	return actorID
}

func humanTime(rfc3339 string) string {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return humanize.Time(t)
}

func attachmentSummary(atts []domain.Attachment) string {
	parts := make([]string, 0, len(atts))
	for _, a := range atts {
		if a.Size > 0 {
			parts = append(parts, fmt.Sprintf("%s [%s, %s]", a.Name, a.Kind, humanize.Bytes(uint64(a.Size))))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s [%s]", a.Name, a.Kind))
	}
	return strings.Join(parts, ", ")
}
