package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opspulse/opspulse/internal/alert"
	"github.com/opspulse/opspulse/internal/budget"
	"github.com/opspulse/opspulse/internal/cache"
	"github.com/opspulse/opspulse/internal/cascade"
	"github.com/opspulse/opspulse/internal/config"
	"github.com/opspulse/opspulse/internal/event"
	"github.com/opspulse/opspulse/internal/ingest"
	httpapi "github.com/opspulse/opspulse/internal/interfaces/http"
	"github.com/opspulse/opspulse/internal/metrics"
	"github.com/opspulse/opspulse/internal/persistence"
	"github.com/opspulse/opspulse/internal/persistence/postgres"
	"github.com/opspulse/opspulse/internal/ranking"
	"github.com/opspulse/opspulse/internal/rollup"
	"github.com/opspulse/opspulse/internal/snapshot"
	"github.com/opspulse/opspulse/internal/tenant"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the analytics service",
		Long:  "Starts the ingest pipeline, rollup aggregator, snapshot scheduler and HTTP API, and blocks until SIGINT/SIGTERM.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mset := metrics.NewSet()

	// Redis backs dedupe and the snapshot cache when configured; without it
	// both fall back to process-local equivalents.
	var redisClient *redis.Client
	var dedupe rollup.DedupeStore
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		defer redisClient.Close()
		dedupe = cache.NewRedisDedupe(redisClient, cfg.Rollup.Retention)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	} else {
		dedupe = rollup.NewMemoryDedupe(cfg.Rollup.Retention)
		log.Info().Msg("running with in-process dedupe")
	}

	store := rollup.NewMemoryStore()
	snaps := snapshot.NewStore()

	// Downstream consumers of merged events.
	errSource := cascade.NewMemorySource(errorSourceRetention)
	detector := cascade.NewDetector(errSource, cfg.Cascade)

	alerts := alert.NewDispatcher(alert.LogSink{})
	limits := budget.StaticResolver(cfg.Budgets.Limits)
	trackers := make(map[budget.WindowKind]*budget.Tracker, len(cfg.Budgets.Windows))
	for _, kind := range cfg.Budgets.Windows {
		trackers[kind] = budget.NewTracker(kind, limits, alerts.Emit)
	}

	defs := make([]snapshot.Definition, 0, len(cfg.Snapshots))
	for _, d := range cfg.Snapshots {
		defs = append(defs, snapshot.Definition{
			ID:        d.ID,
			Tier:      d.Tier,
			Staleness: d.Staleness,
			Builder:   snapshot.NewSummaryBuilder(store, d.Window, d.SourceGranularity()),
		})
	}
	scheduler := snapshot.NewScheduler(snaps, store, defs, cfg.Scheduler, mset)

	opts := []rollup.Option{
		rollup.WithDirtyNotifier(scheduler),
		rollup.WithMetrics(mset),
		rollup.WithMergedHandler(errSource.Record),
		rollup.WithMergedHandler(func(ev event.Event) {
			for kind, tracker := range trackers {
				st, err := tracker.Accumulate(context.Background(), ev.TenantID, 1)
				if err != nil {
					continue
				}
				mset.BudgetState(ev.TenantID, string(kind), int(st.State))
			}
		}),
	}

	// Optional durable mirror.
	var eventsRepo persistence.EventsRepo
	var rollupsRepo persistence.RollupsRepo
	if cfg.Postgres.DSN != "" {
		db, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return err
		}
		eventsRepo = postgres.NewEventsRepo(db, cfg.Postgres.Timeout)
		rollupsRepo = postgres.NewRollupsRepo(db, cfg.Postgres.Timeout)
		opts = append(opts, rollup.WithMergedHandler(func(ev event.Event) {
			if err := eventsRepo.Insert(context.Background(), ev); err != nil {
				log.Debug().Err(err).Str("event_id", ev.ID).Msg("durable event insert failed")
			}
		}))
		log.Info().Msg("postgres connected")

		// Serve from the last committed state rather than an empty window.
		if err := restoreRollups(ctx, store, rollupsRepo, cfg.Rollup); err != nil {
			log.Warn().Err(err).Msg("rollup restore incomplete")
		}
		if err := warmErrorSource(ctx, errSource, eventsRepo, rollupsRepo); err != nil {
			log.Warn().Err(err).Msg("cascade source warm-up incomplete")
		}
	}

	agg := rollup.NewAggregator(store, dedupe, cfg.Rollup, opts...)
	agg.Start(ctx)

	reconciler := rollup.NewReconciler(store, cfg.Reconcile.Interval, cfg.Reconcile.Lookback, mset)
	go reconciler.Run(ctx)
	go scheduler.Run(ctx)

	if rollupsRepo != nil {
		go mirrorRollups(ctx, store, rollupsRepo, cfg.Rollup)
	}
	if eventsRepo != nil {
		go purgeEvents(ctx, eventsRepo, cfg.Rollup.Retention)
	}

	var snapCache *cache.SnapshotCache
	if redisClient != nil {
		snapCache = cache.NewSnapshotCache(redisClient, 10*time.Minute)
		snaps.OnInstall(func(snap *snapshot.Snapshot) {
			if err := snapCache.Put(context.Background(), snap); err != nil {
				log.Debug().Err(err).Str("snapshot", snap.Key.String()).Msg("snapshot cache write failed")
			}
		})
	}

	pipeline := ingest.NewPipeline(agg, cfg.Ingest)

	if cfg.Kafka.Enabled() {
		source := ingest.NewKafkaSource(cfg.Kafka, pipeline)
		go func() {
			if err := source.Run(ctx); err != nil {
				log.Error().Err(err).Msg("kafka source stopped")
			}
		}()
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka source started")
	}

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Host:         cfg.HTTP.Host,
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}, httpapi.Deps{
		Pipeline:   pipeline,
		Snapshots:  snaps,
		Scheduler:  scheduler,
		Ranker:     ranking.NewEngine(cfg.Ranking),
		Resolver:   tenant.StaticResolver(cfg.Principals),
		Detector:   detector,
		Budgets:    trackers,
		RankSource: defs[0].ID,
		Metrics:    mset.Handler(),
	})
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}
	log.Info().Msg("service stopped")
	return nil
}

// errorSourceRetention bounds how far back the in-memory cascade source
// keeps error events, and how far the startup warm-up reads.
const errorSourceRetention = 24 * time.Hour

// restoreRollups loads committed buckets from the durable mirror into the
// in-process store, so a restarted node serves its retention window
// without replaying the raw stream.
func restoreRollups(ctx context.Context, store *rollup.MemoryStore, repo persistence.RollupsRepo, cfg rollup.Config) error {
	tenants, err := repo.Tenants(ctx)
	if err != nil {
		return err
	}
	to := time.Now().UTC().Add(time.Minute)
	from := to.Add(-cfg.Retention)

	var restored int
	for _, tenantID := range tenants {
		for _, g := range cfg.Granularities {
			buckets, err := repo.Range(ctx, tenantID, "", g, persistence.TimeRange{From: from, To: to})
			if err != nil {
				return err
			}
			if err := store.Load(ctx, buckets); err != nil {
				return err
			}
			restored += len(buckets)
		}
	}
	log.Info().Int("buckets", restored).Int("tenants", len(tenants)).Msg("rollups restored from durable mirror")
	return nil
}

// warmErrorSource replays recent durable error events into the in-memory
// cascade source so traversal keeps working across restarts.
func warmErrorSource(ctx context.Context, source *cascade.MemorySource, events persistence.EventsRepo, rollups persistence.RollupsRepo) error {
	tenants, err := rollups.Tenants(ctx)
	if err != nil {
		return err
	}
	to := time.Now().UTC().Add(time.Minute)
	from := to.Add(-errorSourceRetention)

	var loaded int
	for _, tenantID := range tenants {
		evs, err := events.ListErrors(ctx, tenantID, persistence.TimeRange{From: from, To: to}, 10000)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			source.Record(ev)
		}
		loaded += len(evs)
	}
	log.Info().Int("events", loaded).Msg("cascade source warmed from durable events")
	return nil
}

// mirrorRollups periodically upserts recently touched buckets to the
// durable store so a restarted node can reload committed rollups.
func mirrorRollups(ctx context.Context, store rollup.Store, repo persistence.RollupsRepo, cfg rollup.Config) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tenants, err := store.Tenants(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("rollup mirror could not enumerate tenants")
				continue
			}
			to := time.Now().UTC().Add(time.Minute)
			from := to.Add(-cfg.GracePeriod - 2*time.Hour)
			var written int
			for _, tenantID := range tenants {
				for _, g := range cfg.Granularities {
					buckets, err := store.Range(ctx, tenantID, "", g, from, to)
					if err != nil {
						log.Warn().Err(err).Str("tenant", tenantID).Msg("rollup mirror read failed")
						continue
					}
					for _, b := range buckets {
						if err := repo.Upsert(ctx, b); err != nil {
							log.Warn().Err(err).Str("bucket", b.Key.String()).Msg("rollup mirror write failed")
							continue
						}
						written++
					}
				}
			}
			if written > 0 {
				log.Debug().Int("buckets", written).Msg("rollups mirrored")
			}
		}
	}
}

// purgeEvents drops durable raw events past retention once an hour.
func purgeEvents(ctx context.Context, repo persistence.EventsRepo, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.PurgeOlderThan(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				log.Warn().Err(err).Msg("event purge failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("purged", n).Msg("expired events purged")
			}
		}
	}
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		log.Info().Msg("no config file given, using defaults")
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	log.Info().Str("path", configPath).Msg("configuration loaded")
	return cfg, nil
}
