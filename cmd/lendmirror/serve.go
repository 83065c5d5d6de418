package main

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"lendmirror/internal/backfill"
	"lendmirror/internal/chain"
	"lendmirror/internal/config"
	"lendmirror/internal/liquidation"
	"lendmirror/internal/live"
	"lendmirror/internal/notify"
	"lendmirror/internal/observability"
	"lendmirror/internal/projector"
	"lendmirror/internal/server"
	"lendmirror/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the mirror: sync, live tracking, risk checks and the query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateChain(); err != nil {
		return err
	}

	log := observability.NewLogger("serve")
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Postgres ---
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info().Msg("postgres connected")

	if err := store.NewMigrator(st.DB(), cfg.MigrationsDir).Up(ctx); err != nil {
		return err
	}
	log.Info().Msg("migrations applied")

	// --- Chain ---
	client, err := chain.Dial(ctx, chain.Config{
		WSEndpoint:    cfg.ChainWSEndpoint,
		HTTPEndpoint:  cfg.ChainHTTPEndpoint,
		PoolAddress:   cfg.PoolAddress,
		OracleAddress: cfg.OracleAddress,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	// --- NATS ---
	nc, js, err := notify.Connect(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := notify.EnsureStream(ctx, js); err != nil {
		return err
	}
	log.Info().Msg("nats connected")

	// --- Notification fanout ---
	hub := notify.NewHub(metrics)
	go hub.Run(ctx)
	fanout := notify.NewFanout(notify.NewNATSPublisher(js, metrics), hub)

	// --- Projection pipeline ---
	proj := projector.New(client, st, metrics, cfg.DedupCacheSize)
	engine := backfill.NewEngine(client, proj, st, metrics)

	recalc := liquidation.NewRecalculator(client, st, fanout, metrics)
	if err := recalc.Prime(ctx); err != nil {
		return err
	}

	// --- Startup gap recovery ---
	var syncedTo uint64
	if cfg.BackfillOnStart {
		from, to, err := engine.ResolveRange(ctx, 0, 0)
		if err != nil {
			return err
		}
		if from == 0 && to > cfg.BackfillLookback {
			from = to - cfg.BackfillLookback
		}
		report, err := engine.SyncRange(ctx, from, to)
		if err != nil {
			return err
		}
		if len(report.Failures) > 0 {
			log.Warn().
				Int("fetch_failures", len(report.Failures)).
				Msg("startup sync left gaps, run backfill to fill them")
		}
		syncedTo = to
	}

	// --- Live tracking ---
	listener := live.NewListener(client, proj, cfg.PollInterval, metrics)
	if err := listener.Start(ctx, syncedTo); err != nil {
		return err
	}
	defer listener.Stop()

	// --- Scheduled risk recheck ---
	if err := recalc.Run(ctx); err != nil {
		log.Warn().Err(err).Msg("initial liquidation check failed")
	}
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.RecheckSchedule, func() {
		if err := recalc.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("scheduled liquidation check failed")
		}
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	// --- HTTP API ---
	srv := server.New(cfg.HTTPAddr, st, recalc, listener, hub, health, metrics)
	health.SetReady(true)
	log.Info().Msg("mirror ready")

	return srv.Run(ctx)
}
