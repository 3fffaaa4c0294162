package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alexanderramin/dayplan/internal/cache"
	"github.com/alexanderramin/dayplan/internal/cli"
	"github.com/alexanderramin/dayplan/internal/compliance"
	"github.com/alexanderramin/dayplan/internal/config"
	"github.com/alexanderramin/dayplan/internal/db"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/eventbus"
	"github.com/alexanderramin/dayplan/internal/logger"
	"github.com/alexanderramin/dayplan/internal/metrics"
	"github.com/alexanderramin/dayplan/internal/notify"
	"github.com/alexanderramin/dayplan/internal/remote"
	"github.com/alexanderramin/dayplan/internal/rules"
	"github.com/alexanderramin/dayplan/internal/service"
	"github.com/alexanderramin/dayplan/internal/syncq"
	"github.com/alexanderramin/dayplan/internal/vault"
	"github.com/alexanderramin/dayplan/internal/worker"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// remoteStore is the backing store as the queue and the probe see it.
type remoteStore interface {
	syncq.Remote
	Ping(ctx context.Context) error
}

func run() error {
	ctx := context.Background()

	// Config file: DAYPLAN_CONFIG, else ./dayplan.yaml when present.
	cfgPath := os.Getenv("DAYPLAN_CONFIG")
	if cfgPath == "" {
		if _, err := os.Stat("dayplan.yaml"); err == nil {
			cfgPath = "dayplan.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logOpts := logger.Options{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()),
		Out:     os.Stderr,
	}
	newLog := func(component string) logger.Logger {
		return logger.NewZerologLogger(component, logOpts)
	}
	log := newLog("dayplan")

	database, err := db.OpenDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	secret, err := vault.DecodeSecret(cfg.Device.Secret)
	if err != nil || len(secret) < vault.MinSecretLen {
		secret = []byte(cfg.Device.Secret)
	}
	sealer, err := vault.NewSealer(vault.Session{
		TenantID: cfg.Device.TenantID,
		DeviceID: cfg.Device.DeviceID,
		Secret:   secret,
	})
	if err != nil {
		return fmt.Errorf("creating sealer: %w", err)
	}

	reg, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	// Wire storage and sync
	store := cache.New(database, sealer, cfg.Cache, cache.WithLogger(newLog("cache")))

	rem, closeRemote, err := openRemote(ctx, cfg.Sync.RemoteDSN)
	if err != nil {
		return err
	}
	defer closeRemote()

	queue := syncq.New(database, sealer, rem, store,
		syncq.WithLogger(newLog("sync")),
		syncq.WithMetrics(reg),
		syncq.WithRetryPolicy(cfg.Sync.RetryPolicy()),
	)
	store.SetEvictionGuard(queue)

	// Wire labor rules
	static, err := rules.NewStatic(cfg.Rules.DefaultJurisdiction, ruleSets(cfg))
	if err != nil {
		return fmt.Errorf("loading labor rules: %w", err)
	}
	var ruleSource rules.Source = static
	if cfg.Rules.Redis.Addr != "" {
		client := rules.NewRedisClient(cfg.Rules.Redis.Addr, cfg.Rules.Redis.Password, cfg.Rules.Redis.DB)
		defer client.Close()
		ruleSource = rules.NewKVSource(rules.NewRedisKV(client), cfg.Rules.Redis.Prefix, static,
			rules.WithTTL(time.Duration(cfg.Rules.Redis.TTLSec)*time.Second),
			rules.WithKVLogger(newLog("rules")),
		)
	}

	// Wire notifications
	sinks := notify.Fanout{notify.LogSink{Log: newLog("notify")}}
	if cfg.Notify.MQTT.Broker != "" {
		mqttSink, err := notify.NewMQTTSink(cfg.Notify.MQTT, newLog("mqtt"))
		if err != nil {
			return fmt.Errorf("connecting to notification broker: %w", err)
		}
		defer mqttSink.Close()
		sinks = append(sinks, mqttSink)
	}

	monitor := compliance.NewMonitor(store, ruleSource, sinks,
		compliance.WithLogger(newLog("compliance")),
		compliance.WithObserver(reg),
	)

	buses := eventbus.NewBuses()
	defer buses.Close()

	observers := service.UseCaseObservers{reg}
	if strings.EqualFold(cfg.Logging.Level, "debug") {
		observers = append(observers, service.NewLogUseCaseObserver(os.Stderr))
	}
	plans := service.NewDayPlanService(store, queue, ruleSource,
		service.WithLogger(newLog("service")),
		service.WithStatusPublisher(buses.Status),
		service.WithDefaultJurisdiction(cfg.Rules.DefaultJurisdiction),
		service.WithObservers(observers...),
	)

	runner := worker.New(worker.Config{
		TenantID:           cfg.Device.TenantID,
		SyncInterval:       cfg.Sync.Interval(),
		ComplianceInterval: cfg.Compliance.Interval(),
		ProbeInterval:      cfg.Sync.Interval() / 2,
	}, queue, monitor,
		worker.WithLogger(newLog("worker")),
		worker.WithProbe(rem),
		worker.WithStatusBus(buses.Status),
	)

	app := &cli.App{
		Plans:      plans,
		Sync:       queue,
		Compliance: monitor,
		Remote:     rem,
		Worker:     &daemon{worker: runner, metricsAddr: cfg.Metrics.Addr, log: log},
		Actor: service.Actor{
			ID:       cfg.Device.UserID,
			Role:     domain.Role(cfg.Device.Role),
			TenantID: cfg.Device.TenantID,
		},
		HighWaterPct: cfg.Cache.HighWaterPct,
	}

	return cli.NewRootCmd(app).ExecuteContext(ctx)
}

// openRemote connects to PostgreSQL when dsn is set and falls back to an
// in-process store otherwise.
func openRemote(ctx context.Context, dsn string) (remoteStore, func(), error) {
	if dsn == "" {
		return remote.NewMemory(), func() {}, nil
	}
	conn, err := remote.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to backing store: %w", err)
	}
	pg := remote.NewPostgres(conn)
	if err := pg.Migrate(ctx); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrating backing store: %w", err)
	}
	return pg, func() { _ = conn.Close() }, nil
}

// ruleSets overlays configured sets on the builtin table and applies the
// grace override.
func ruleSets(cfg *config.Config) map[string]domain.LaborRuleSet {
	sets := rules.Builtin()
	for name, rs := range cfg.Rules.Sets {
		sets[name] = rs
	}
	if g := cfg.Compliance.GraceMinutes; g > 0 {
		for name, rs := range sets {
			rs.ViolationGraceMin = g
			sets[name] = rs
		}
	}
	return sets
}

// daemon runs the background worker alongside the metrics endpoint.
type daemon struct {
	worker      *worker.Runner
	metricsAddr string
	log         logger.Logger
}

func (d *daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.worker.Run(ctx) })
	if d.metricsAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, d.metricsAddr, prometheus.DefaultGatherer, d.log) })
	}
	return g.Wait()
}
