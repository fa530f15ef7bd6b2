package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/account"
	"github.com/zulandar/switchboard/internal/api"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/executor"
	"github.com/zulandar/switchboard/internal/platform"
	"github.com/zulandar/switchboard/internal/platform/discord"
	"github.com/zulandar/switchboard/internal/platform/slack"
	"github.com/zulandar/switchboard/internal/poller"
	"github.com/zulandar/switchboard/internal/ratelimit"
	"github.com/zulandar/switchboard/internal/reconciler"
	"github.com/zulandar/switchboard/internal/secrets"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/webhook"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Switchboard server",
		Long:  "Starts the full engine: polling scheduler, webhook ingestion, retry reconciler, and the HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

// engine holds every wired subsystem of a running Switchboard instance.
type engine struct {
	db       *gorm.DB
	rdb      *redis.Client
	hub      *events.Hub
	store    *store.Store
	exec     *executor.Executor
	registry *platform.Registry
	accounts *account.Service
	sched    *poller.Scheduler
	queue    *webhook.RetryQueue
	webhooks *webhook.Handler
	recon    *reconciler.Reconciler
	api      *api.Server
}

// buildEngine wires every subsystem from configuration. Nothing is
// started yet; the caller owns seeding and lifecycle.
func buildEngine(cfg *config.Config, out io.Writer) (*engine, error) {
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})

	box, err := secrets.NewBox(cfg.SecretKey)
	if err != nil {
		return nil, err
	}

	hub := events.NewHub()

	st, err := store.New(store.Opts{DB: gormDB, Box: box, Hub: hub})
	if err != nil {
		return nil, err
	}

	budgets := make(map[string]ratelimit.Budget, len(cfg.Platforms))
	push := make(map[string]bool)
	for _, p := range cfg.Platforms {
		budgets[p.Name] = ratelimit.Budget{MaxRequests: p.MaxRequests, Window: p.Window()}
		if p.Push {
			push[p.Name] = true
		}
	}

	limiter, err := ratelimit.New(rdb, budgets)
	if err != nil {
		return nil, err
	}

	exec, err := executor.New(executor.Opts{Limiter: limiter, DB: gormDB})
	if err != nil {
		return nil, err
	}

	registry, err := platform.NewRegistry(
		slack.New(slack.AdapterOpts{}),
		discord.New(discord.AdapterOpts{}),
	)
	if err != nil {
		return nil, err
	}

	accounts, err := account.New(account.Opts{DB: gormDB, Box: box, Push: push})
	if err != nil {
		return nil, err
	}

	sched, err := poller.New(poller.Opts{
		DB:            gormDB,
		Registry:      registry,
		Exec:          exec,
		Store:         st,
		Creds:         accounts,
		Interval:      cfg.Poll.Interval(),
		ErrorBackoff:  cfg.Poll.ErrorBackoff(),
		Lookback:      cfg.Poll.FirstRunLookback(),
		PushPlatforms: push,
		Out:           out,
	})
	if err != nil {
		return nil, err
	}
	accounts.AttachScheduler(sched)

	queue, err := webhook.NewQueue(webhook.QueueOpts{Redis: rdb})
	if err != nil {
		return nil, err
	}

	verifiers, err := buildVerifiers(cfg)
	if err != nil {
		return nil, err
	}

	var handler *webhook.Handler
	if len(verifiers) > 0 {
		handler, err = webhook.New(webhook.Opts{DB: gormDB, Store: st, Queue: queue, Verifiers: verifiers})
		if err != nil {
			return nil, err
		}
	}

	recon, err := reconciler.New(reconciler.Opts{
		DB:        gormDB,
		Queue:     queue,
		Store:     st,
		Scheduler: sched,
		Push:      push,
		Out:       out,
	})
	if err != nil {
		return nil, err
	}

	srv, err := api.New(api.Opts{
		DB:       gormDB,
		Store:    st,
		Hub:      hub,
		Syncer:   sched,
		Exec:     exec,
		Registry: registry,
		Creds:    accounts,
		Webhooks: handler,
	})
	if err != nil {
		return nil, err
	}

	return &engine{
		db:       gormDB,
		rdb:      rdb,
		hub:      hub,
		store:    st,
		exec:     exec,
		registry: registry,
		accounts: accounts,
		sched:    sched,
		queue:    queue,
		webhooks: handler,
		recon:    recon,
		api:      srv,
	}, nil
}

// buildVerifiers maps each platform with a webhook secret to its
// configured verification scheme.
func buildVerifiers(cfg *config.Config) (map[string]webhook.Verifier, error) {
	verifiers := make(map[string]webhook.Verifier)
	for _, p := range cfg.Platforms {
		if p.WebhookSecret == "" {
			continue
		}
		var (
			v   webhook.Verifier
			err error
		)
		switch p.WebhookScheme {
		case config.SchemeToken:
			v, err = webhook.NewStaticTokenVerifier(p.WebhookSecret)
		case config.SchemeBearer:
			v, err = webhook.NewBearerVerifier(p.WebhookSecret)
		default:
			v, err = webhook.NewSignatureVerifier(p.WebhookSecret)
		}
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", p.Name, err)
		}
		verifiers[p.Name] = v
	}
	return verifiers, nil
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	eng, err := buildEngine(cfg, out)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.sched.Seed(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Polling %d account(s)\n", eng.sched.PendingCount())

	eng.recon.Start()
	defer eng.recon.Stop()
	defer eng.sched.Close()

	return eng.api.Start(ctx, api.StartOpts{Port: cfg.HTTP.Port, Out: out})
}
