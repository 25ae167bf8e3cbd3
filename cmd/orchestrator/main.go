package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/splax/deployctl/internal/app/migrate"
	"github.com/splax/deployctl/internal/clock"
	"github.com/splax/deployctl/internal/docker"
	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/events"
	httpx "github.com/splax/deployctl/internal/http"
	"github.com/splax/deployctl/internal/repository"
	"github.com/splax/deployctl/internal/repository/memory"
	"github.com/splax/deployctl/internal/repository/postgres"
	"github.com/splax/deployctl/internal/service/auth"
	"github.com/splax/deployctl/internal/service/canary"
	"github.com/splax/deployctl/internal/service/infra"
	"github.com/splax/deployctl/internal/service/orchestrator"
	"github.com/splax/deployctl/internal/service/pipeline"
	"github.com/splax/deployctl/internal/service/webhook"
	"github.com/splax/deployctl/internal/ws"
	"github.com/splax/deployctl/pkg/config"
	"github.com/splax/deployctl/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// simulationRands holds one generator per simulated component. The components run in
// separate goroutines and each only locks its own generator, so none may be shared.
type simulationRands struct {
	increment *rand.Rand
	canary    *rand.Rand
	infra     *rand.Rand
}

func newSimulationRands(seed int64) simulationRands {
	return simulationRands{
		increment: rand.New(rand.NewSource(seed)),
		canary:    rand.New(rand.NewSource(seed + 1)),
		infra:     rand.New(rand.NewSource(seed + 2)),
	}
}

func main() {
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("orchestrator", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := memory.New()
	var history repository.HistoryRepository = store
	var dbHealth func(context.Context) error
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		history = postgres.NewHistoryStore(pool)
		dbHealth = pool.Ping
	} else {
		log.Info("DATABASE_URL not set, deployment history kept in memory")
	}

	seed := cfg.SimulationSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnds := newSimulationRands(seed)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	instruments := orchestrator.NewInstruments(registry)

	hub := ws.NewHub()
	defer hub.Close()
	bus := events.NewBus(log)
	bus.Subscribe(events.LogSink(log))
	bus.Subscribe(hub)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		redisLimiter, err := httpx.NewRedisRateLimiter(ctx, rdb, log)
		if err != nil {
			log.Warn("redis unavailable, events stay local and rate limits in memory", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
			redisEvents := events.NewAsyncSink(events.NewRedisPublisher(rdb, cfg.EventsChannel), cfg.EventsBuffer, log)
			defer redisEvents.Close()
			bus.Subscribe(redisEvents)
		}
	}

	templates := orchestrator.DefaultTemplates()
	if cfg.TemplatesPath != "" {
		loaded, err := orchestrator.LoadTemplates(cfg.TemplatesPath)
		if err != nil {
			log.Error("failed to load pipeline templates", "path", cfg.TemplatesPath, "error", err)
			os.Exit(1)
		}
		templates = loaded
	}

	inventory := infra.DefaultInventory()
	if cfg.InventoryPath != "" {
		loaded, err := infra.LoadInventory(cfg.InventoryPath)
		if err != nil {
			log.Error("failed to load infrastructure inventory", "path", cfg.InventoryPath, "error", err)
			os.Exit(1)
		}
		inventory = loaded
	}

	var source infra.UtilizationSource = infra.NewSimulatedSource(rnds.infra, 0)
	if cfg.DockerHost != "" {
		dockerCli, err := docker.New(cfg.DockerHost)
		if err != nil {
			log.Warn("docker client unavailable, simulating utilization", "error", err)
		} else {
			defer dockerCli.Close()
			if err := dockerCli.Ping(ctx); err != nil {
				log.Warn("docker daemon unreachable", "host", cfg.DockerHost, "error", err)
			}
			source = infra.DockerSource{Reader: dockerCli, Fallback: source}
		}
	}

	clk := clock.Real()
	monitor, err := infra.NewMonitor(infra.Options{
		Source:   source,
		Clock:    clk,
		Logger:   log,
		OnChange: orchestrator.ResourceChangeHandler(bus, instruments),
	}, inventory)
	if err != nil {
		log.Error("invalid infrastructure inventory", "error", err)
		os.Exit(1)
	}

	svc := orchestrator.New(orchestrator.Config{
		TickInterval:       cfg.TickInterval,
		CanaryTickInterval: cfg.CanaryTickInterval,
		InfraPollInterval:  cfg.InfraPollInterval,
		AutoRollback:       cfg.AutoRollback,
		Templates:          templates,
	}, orchestrator.Deps{
		Pipelines: store,
		Canaries:  store,
		History:   history,
		Engine: pipeline.NewEngine(pipeline.Options{
			Increment: pipeline.Random(cfg.ProgressIncrementMin, cfg.ProgressIncrementMax, rnds.increment),
			Now:       clk.Now,
		}),
		Canary: canary.New(canary.Options{
			DefaultRamp: domain.RampPolicy{
				StepPercent:  cfg.RampStepPercent,
				MaxPercent:   cfg.RampMaxPercent,
				StepInterval: cfg.RampStepInterval,
			},
			Rand: rnds.canary,
			Now:  clk.Now,
		}),
		Infra:       monitor,
		Bus:         bus,
		Instruments: instruments,
		Clock:       clk,
		Logger:      log,
	})

	if len(cfg.OperatorKeys) == 0 {
		log.Warn("OPERATOR_KEYS empty, API is unauthenticated")
	}
	router := httpx.NewRouter(httpx.Options{
		Logger:     log,
		Service:    svc,
		Auth:       auth.New(cfg.OperatorKeys, cfg.JWTSecret, cfg.TokenTTL, log),
		Webhook:    webhook.New(cfg.WebhookSecret),
		Hub:        hub,
		Limiter:    limiter,
		ReadLimit:  cfg.RateLimitPerMinute,
		Registerer: registry,
		Gatherer:   registry,
		DBHealth:   dbHealth,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		log.Info("orchestrator starting", "addr", cfg.Addr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("orchestrator stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("orchestrator stopped")
}
