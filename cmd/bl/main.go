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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bookline/internal/app"
	"bookline/internal/config"
	"bookline/internal/db"
	"bookline/internal/domain"
	"bookline/internal/engine"
	"bookline/internal/engine/auth"
	"bookline/internal/obs"
	"bookline/internal/repo"
	"bookline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:     "bl",
	Short:   "Bookline CLI",
	Version: obs.Version,
	Long: `Bookline books shared infrastructure by timeslot.
- Infrastructure: a bookable resource with optional questions asked at booking time.
- Timeslot: one window on one day; it becomes the booking record once claimed.
- Booking: available -> pending -> approved or rejected; pending and approved bookings can be cancelled.
- Action links: each pending booking gets one approve and one reject link, each usable once.
- Event log: every change is recorded; view it with 'bl log tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(infraCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(reserveCmd())
	rootCmd.AddCommand(bookingCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var siteID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create bookline.yml and the database, and make the current actor an admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault(siteID)), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor := viper.GetString("actor-id")
				if err := ws.Engine.Auth.Grant(ctx, actor, auth.RoleAdmin); err != nil {
					return err
				}
				fmt.Printf("workspace ready at %s; %s is admin\n", db.Path(workspace), actor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site-id", "bookline", "site identifier")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect bookline.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate bookline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func infraCmd() *cobra.Command {
	infra := &cobra.Command{Use: "infra", Short: "Manage infrastructures"}
	infra.AddCommand(infraCreateCmd())
	infra.AddCommand(infraListCmd())
	infra.AddCommand(infraShowCmd())
	question := &cobra.Command{Use: "question", Short: "Manage booking questions"}
	question.AddCommand(questionAddCmd())
	infra.AddCommand(question)
	return infra
}

func infraCreateCmd() *cobra.Command {
	var opts engine.InfrastructureOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create infrastructure",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Name == "" {
				return fmt.Errorf("--name required")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				opts.ActorID = viper.GetString("actor-id")
				if err := ws.Engine.Auth.RequireAdmin(ctx, opts.ActorID, nil); err != nil {
					return err
				}
				in, err := ws.Engine.CreateInfrastructure(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "infrastructure id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	return cmd
}

func infraListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List infrastructures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.ListInfrastructures(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Pending", "Approved", "Available")
				for _, in := range items {
					counts, err := ws.Engine.Repo.CountByStatus(ctx, in.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{in.ID, in.Name, counts[domain.StatusPending], counts[domain.StatusApproved], counts[domain.StatusAvailable]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func infraShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show infrastructure with questions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				in, err := ws.Engine.Repo.GetInfrastructure(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
}

func questionAddCmd() *cobra.Command {
	var q domain.Question
	cmd := &cobra.Command{
		Use:   "add <infrastructure-id>",
		Short: "Add a question asked at booking time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor := viper.GetString("actor-id")
				if err := ws.Engine.Auth.RequireAdmin(ctx, actor, nil); err != nil {
					return err
				}
				added, err := ws.Engine.AddQuestion(ctx, args[0], q, actor)
				if err != nil {
					return err
				}
				return printJSON(added)
			})
		},
	}
	cmd.Flags().StringVar(&q.ID, "id", "", "question id used as answer key")
	cmd.Flags().StringVar(&q.Label, "label", "", "question text")
	cmd.Flags().StringVar(&q.Kind, "kind", domain.QuestionText, "text, number, dropdown or document")
	cmd.Flags().StringSliceVar(&q.Options, "option", nil, "dropdown option (repeatable)")
	cmd.Flags().BoolVar(&q.Required, "required", false, "answer required")
	return cmd
}

func scheduleCmd() *cobra.Command {
	sch := &cobra.Command{Use: "schedule", Short: "Open timeslots"}
	var from, to string
	var weekdays, windows []string
	gen := &cobra.Command{
		Use:   "generate <infrastructure-id>",
		Short: "Create available timeslots for a date range",
		Long:  "Windows and weekdays default to the schedule section of bookline.yml. Existing windows are skipped.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ScheduleOptions{InfrastructureID: args[0], From: from, To: to}
			if opts.To == "" {
				opts.To = opts.From
			}
			for _, name := range weekdays {
				d, ok := config.ParseWeekday(name)
				if !ok {
					return fmt.Errorf("unknown weekday %s", name)
				}
				opts.Weekdays = append(opts.Weekdays, d)
			}
			for _, w := range windows {
				start, end, ok := strings.Cut(w, "-")
				if !ok {
					return fmt.Errorf("window %q must be HH:MM-HH:MM", w)
				}
				opts.Windows = append(opts.Windows, config.Window{Start: start, End: end})
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				opts.ActorID = viper.GetString("actor-id")
				if err := ws.Engine.Auth.RequireAdmin(ctx, opts.ActorID, nil); err != nil {
					return err
				}
				res, err := ws.Engine.GenerateSchedule(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("created %d timeslots, skipped %d\n", res.Created, res.Skipped)
				return nil
			})
		},
	}
	gen.Flags().StringVar(&from, "from", time.Now().Format(time.DateOnly), "first day (YYYY-MM-DD)")
	gen.Flags().StringVar(&to, "to", "", "last day (YYYY-MM-DD), defaults to --from")
	gen.Flags().StringSliceVar(&weekdays, "weekday", nil, "weekday to include (repeatable: mon, tue, ...)")
	gen.Flags().StringSliceVar(&windows, "window", nil, "window HH:MM-HH:MM (repeatable)")
	sch.AddCommand(gen)
	return sch
}

func slotsCmd() *cobra.Command {
	slots := &cobra.Command{Use: "slots", Short: "Timeslots"}
	var limit int
	list := &cobra.Command{
		Use:   "list <infrastructure-id>",
		Short: "List available timeslots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if _, err := ws.Engine.Repo.GetInfrastructure(ctx, nil, args[0]); err != nil {
					return err
				}
				var items []domain.Timeslot
				for slot, err := range ws.Engine.AvailableSlots(ctx, args[0]) {
					if err != nil {
						return err
					}
					items = append(items, slot)
					if limit > 0 && len(items) == limit {
						break
					}
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Date", "Start", "End")
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Date, s.StartTime, s.EndTime})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max rows (0 for all)")
	slots.AddCommand(list)
	return slots
}

func reserveCmd() *cobra.Command {
	var req engine.ReserveRequest
	var asUser bool
	var answers []string
	cmd := &cobra.Command{
		Use:   "reserve <timeslot-id>",
		Short: "Request a booking as the current actor or as a guest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TimeslotID = args[0]
			if asUser {
				req.UserID = viper.GetString("actor-id")
			}
			for _, a := range answers {
				k, v, ok := strings.Cut(a, "=")
				if !ok {
					return fmt.Errorf("answer %q must be question-id=value", a)
				}
				if req.Answers == nil {
					req.Answers = map[string]string{}
				}
				req.Answers[k] = v
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				b, err := ws.Engine.Reserve(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().BoolVar(&asUser, "as-user", false, "book as --actor-id instead of a guest")
	cmd.Flags().StringVar(&req.GuestName, "guest-name", "", "guest name")
	cmd.Flags().StringVar(&req.GuestEmail, "guest-email", "", "guest email")
	cmd.Flags().StringVar(&req.Purpose, "purpose", "", "purpose of the booking")
	cmd.Flags().StringArrayVar(&answers, "answer", nil, "answer as question-id=value (repeatable)")
	return cmd
}

func bookingCmd() *cobra.Command {
	b := &cobra.Command{Use: "booking", Short: "Manage bookings"}
	b.AddCommand(bookingListCmd())
	b.AddCommand(bookingShowCmd())
	b.AddCommand(bookingDecideCmd(domain.ActionApprove))
	b.AddCommand(bookingDecideCmd(domain.ActionReject))
	b.AddCommand(bookingCancelCmd())
	return b
}

func bookingListCmd() *cobra.Command {
	var f repo.TimeslotFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListBookings(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Infrastructure", "Date", "Window", "Status", "Requester")
				for _, t := range items {
					requester := ""
					switch {
					case t.UserID != nil:
						requester = *t.UserID
					case t.GuestEmail != nil:
						requester = *t.GuestEmail + " (guest)"
					}
					tw.AppendRow(table.Row{t.ID, t.InfrastructureID, t.Date, t.StartTime + "-" + t.EndTime, t.Status, requester})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.InfrastructureID, "infra", "", "infrastructure filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.UserID, "user", "", "user filter")
	cmd.Flags().StringVar(&f.GuestEmail, "guest-email", "", "guest email filter")
	cmd.Flags().StringVar(&f.DateFrom, "from", "", "first day")
	cmd.Flags().StringVar(&f.DateTo, "to", "", "last day")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func bookingShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a booking and its action tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				b, err := ws.Engine.GetBooking(ctx, args[0])
				if err != nil {
					return err
				}
				tokens, err := ws.Engine.Repo.ListTokens(ctx, nil, b.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"booking": b, "tokens": tokens})
			})
		},
	}
}

func bookingDecideCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a pending booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor := viper.GetString("actor-id")
				if err := ws.Engine.Auth.RequireAdmin(ctx, actor, nil); err != nil {
					return err
				}
				b, err := ws.Engine.Decide(ctx, args[0], action, actor)
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
}

func bookingCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or approved booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor := viper.GetString("actor-id")
				admin, err := ws.Engine.Auth.IsAdmin(ctx, actor, nil)
				if err != nil {
					return err
				}
				b, err := ws.Engine.Cancel(ctx, args[0], engine.CancelOptions{ActorID: actor, IsAdmin: admin, Reason: reason})
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason sent to the requester")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Action tokens"}
	var action string
	issue := &cobra.Command{
		Use:   "issue <booking-id>",
		Short: "Issue a fresh action link for a pending booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor := viper.GetString("actor-id")
				if err := ws.Engine.Auth.RequireAdmin(ctx, actor, nil); err != nil {
					return err
				}
				issued, err := ws.Engine.IssueToken(ctx, args[0], action, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issued)
				}
				fmt.Println(issued.URL)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&action, "action", domain.ActionApprove, "approve or reject")
	tok.AddCommand(issue)
	tok.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired and long-consumed tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				n, err := ws.Engine.SweepExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d tokens\n", n)
				return nil
			})
		},
	})
	return tok
}

func actionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "action <approve|reject> <token>",
		Short: "Execute an emailed action link locally",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				out, err := ws.Engine.Execute(ctx, args[1], args[0])
				if current, ok := engine.CurrentStatus(err); ok {
					fmt.Printf("booking %s was already processed (status %s)\n", out.BookingID, current)
					return nil
				}
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
}

func adminCmd() *cobra.Command {
	adm := &cobra.Command{Use: "admin", Short: "Admin role management"}
	adm.AddCommand(&cobra.Command{
		Use:   "grant <actor-id>",
		Short: "Make an actor an admin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return ws.Engine.Auth.Grant(ctx, args[0], auth.RoleAdmin)
			})
		},
	})
	adm.AddCommand(&cobra.Command{
		Use:   "revoke <actor-id>",
		Short: "Remove the admin role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return ws.Engine.Auth.Revoke(ctx, args[0], auth.RoleAdmin)
			})
		},
	})
	return adm
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				plain, key, err := ws.Engine.Auth.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	keys.AddCommand(create)

	var filter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.ListAPIKeys(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Actor", "Name", "Created")
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filter, "actor", "", "actor filter")
	keys.AddCommand(list)
	keys.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return ws.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return keys
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "Credentials"}
	var roles []string
	var ttl time.Duration
	tok := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id with BOOKLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			token, err := server.SignToken(env.JWTSecret, viper.GetString("actor-id"), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	tok.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	tok.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	a.AddCommand(tok)
	return a
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every infrastructure, schedule, booking and token change, newest first.",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				events, err := ws.Engine.Repo.LatestEvents(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor")
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(cmd.Context(), viper.GetString("workspace"), app.Options{LogOutput: os.Stderr, Tracing: true})
			if err != nil {
				return err
			}
			defer ws.Close(context.Background())
			if ws.Env.JWTSecret == "" {
				return fmt.Errorf("%s_JWT_SECRET is required for bearer auth", config.EnvPrefix)
			}
			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: basePath,
				Logger:   ws.Logger,
				Auth: server.AuthConfig{
					JWTSecret:              ws.Env.JWTSecret,
					AllowLegacyActorHeader: legacyHeader,
					DevLogin:               devLogin,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			ws.Logger.Info("serving bookline", "addr", addr, "base_path", basePath, "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose the dev login endpoint")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	return cmd
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), app.Options{LogOutput: os.Stderr})
	if err != nil {
		return err
	}
	defer ws.Close(context.Background())
	return fn(ctx, ws)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
