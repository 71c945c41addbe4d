package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ridernav/internal/api"
	"ridernav/internal/buildinfo"
	"ridernav/internal/clock"
	"ridernav/internal/config"
	"ridernav/internal/dispatch"
	"ridernav/internal/events"
	"ridernav/internal/insertion"
	"ridernav/internal/logging"
	"ridernav/internal/metrics"
	"ridernav/internal/model"
	"ridernav/internal/service"
	"ridernav/internal/solver"
	"ridernav/internal/store"
	"ridernav/internal/travel"
	"ridernav/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("api stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	zone, err := cfg.Location()
	if err != nil {
		return err
	}
	dayStart, err := cfg.DayStart()
	if err != nil {
		return err
	}
	cal := clock.NewCalendar(clock.System{}, dayStart, zone)
	depot := model.GeoPoint{Lat: cfg.Depot.Lat, Lng: cfg.Depot.Lng}
	est := travel.NewEstimator(cfg.Travel.DetourFactor, cfg.Travel.Calibration, cfg.Travel.Jitter, 0)
	metrics.RegisterDefault()

	// Store: Postgres when configured, memory otherwise.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		st = pg
		log.Info("using postgres store")
	} else {
		st = store.NewMemory()
		log.Info("using in-memory store")
	}

	// Redis fans ledger events out across instances and serializes pickups.
	var broker api.EventBroker = api.NewBroker()
	var seq service.Sequencer = service.NewLocalSequencer()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		broker = api.NewRedisBroker(rdb, log)
		seq = service.NewRedisSequencer(rdb)
		log.Info("using redis broker and sequencer")
	}

	sinks := events.NewMulti(log, api.BrokerSink{Broker: broker}, webhooks.NewPublisher(st))
	if len(cfg.Kafka.Brokers) > 0 {
		k := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() { _ = k.Close() }()
		sinks.Add(k)
		log.Info("publishing events to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	if cfg.AMQP.URL != "" {
		a, err := events.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		sinks.Add(a)
		log.Info("publishing rider notifications to amqp", zap.String("queue", cfg.AMQP.Queue))
	}

	runner := solver.NewGateway(
		solver.NewProcess(cfg.Solver.DispatchBinary, cfg.Solver.PickupBinary, cfg.Solver.DebugDir),
		cfg.Solver.Timeout, log)

	svc := service.New(service.Options{
		Store:      st,
		Dispatcher: &dispatch.Engine{Solver: runner, Travel: est, Calendar: cal, Depot: depot},
		Inserter:   &insertion.Engine{Solver: runner, Travel: est, Calendar: cal, Depot: depot},
		Routes:     est,
		Calendar:   cal,
		Depot:      depot,
		Events:     sinks,
		Seq:        seq,
		Log:        log,
	})

	srv, err := api.NewServer(api.Options{
		Service:   svc,
		Store:     st,
		Broker:    broker,
		Log:       log,
		RateRPS:   cfg.Rate.RPS,
		RateBurst: cfg.Rate.Burst,
		Settings: map[string]any{
			"port":            cfg.Port,
			"dayStartUtc":     cfg.DayStartUTC,
			"localTz":         cfg.LocalTZ,
			"depot":           depot,
			"solverTimeout":   cfg.Solver.Timeout.String(),
			"rateRps":         cfg.Rate.RPS,
			"rateBurst":       cfg.Rate.Burst,
			"hasDatabaseUrl":  cfg.DatabaseURL != "",
			"hasRedisUrl":     cfg.RedisURL != "",
			"kafkaEnabled":    len(cfg.Kafka.Brokers) > 0,
			"amqpEnabled":     cfg.AMQP.URL != "",
			"webhookAttempts": cfg.WebhookMaxAttempts,
		},
	})
	if err != nil {
		return err
	}

	worker := webhooks.NewWorker(st, cfg.WebhookMaxAttempts, log.Named("webhooks"))
	go worker.Run(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           logMiddleware(log, srv.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("API listening", zap.String("addr", httpSrv.Addr), zap.String("version", buildinfo.Version))
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func logMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("request",
			zap.String("remote", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("dur", time.Since(start)))
	})
}
