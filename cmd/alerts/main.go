package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis_rate/v10"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pricealerts/internal/alerts"
	"pricealerts/internal/config"
	"pricealerts/internal/feed"
	"pricealerts/internal/handlers"
	"pricealerts/internal/kv"
	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/notify"
	"pricealerts/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file; empty reads PA_* env vars only")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}

	cfg, err := config.Load(*configPath, *configPath == "")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("alerts service failed", zap.Error(err))
	}
	lg.Info("alerts service stopped")
}

func run(cfg config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			lg.Error("failed to shutdown tracer", zap.Error(err))
		}
	}()

	var redisClient *redis.Client
	if cfg.Redis.Enabled || cfg.Persistence.Backend == "redis" {
		redisClient, err = kv.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	kvStore, closeKV, err := openKV(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeKV()

	store := alerts.NewStore(ctx, kvStore, lg.Named("store"),
		alerts.WithKey(cfg.Persistence.Key),
		alerts.WithSaveTimeout(cfg.Persistence.SaveTimeout),
		alerts.WithMaxRetries(cfg.Persistence.MaxRetries),
	)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := store.Close(sctx); err != nil {
			lg.Error("failed to flush alert store", zap.Error(err))
		}
	}()

	broker := handlers.NewBroker(lg.Named("sse"), cfg.Notify.SSEClientBuffer)
	dispatcher := notify.NewDispatcher(buildSinks(cfg, lg, redisClient, broker), lg.Named("notify"), notify.DispatcherConfig{
		QueueSize: cfg.Notify.QueueSize,
		Workers:   cfg.Notify.Workers,
		Timeout:   cfg.Notify.Timeout,
	})
	// Workers outlive ctx so alerts fired while shutting down are still
	// delivered; Close drains them.
	dispatcher.Start(context.Background())
	defer dispatcher.Close()

	evaluator := alerts.NewEvaluator(store, dispatcher, lg.Named("evaluator"))

	var apiOpts []handlers.Option
	if redisClient != nil {
		apiOpts = append(apiOpts, handlers.WithCreateLimit(redis_rate.NewLimiter(redisClient), cfg.RateLimit.CreatePerMinute))
	}
	mux := http.NewServeMux()
	handlers.NewAPI(store, evaluator, lg.Named("http"), apiOpts...).Register(mux)
	broker.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("alerts service starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if redisClient != nil {
		g.Go(func() error { return broker.Subscribe(gctx, redisClient, cfg.Notify.Channel) })
	}
	if err := startFeed(gctx, g, cfg, lg, evaluator); err != nil {
		stop()
		_ = g.Wait()
		return err
	}

	return g.Wait()
}

// openKV returns a nil store when persistence is disabled.
func openKV(ctx context.Context, cfg config.Config, redisClient *redis.Client) (kv.Store, func(), error) {
	noop := func() {}
	switch cfg.Persistence.Backend {
	case "none":
		return nil, noop, nil
	case "", "memory":
		return kv.NewMemoryStore(), noop, nil
	case "redis":
		return kv.NewRedisStore(redisClient), noop, nil
	case "postgres":
		db, err := kv.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, noop, err
		}
		store := kv.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
}

// buildSinks fans out to the log, SSE clients (directly, or through Redis
// when several instances share a channel), and the optional webhook and
// Telegram chat.
func buildSinks(cfg config.Config, lg *zap.Logger, redisClient *redis.Client, broker *handlers.Broker) notify.Sink {
	sinks := notify.MultiSink{notify.LogSink{Logger: lg.Named("alerts")}}
	if redisClient != nil {
		sinks = append(sinks, notify.NewRedisSink(redisClient, cfg.Notify.Channel))
	} else {
		sinks = append(sinks, broker)
	}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookRPS, nil))
	}
	if cfg.Notify.TelegramToken != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.Notify.TelegramToken)
		if err != nil {
			lg.Error("telegram notifications disabled", zap.Error(err))
		} else {
			sinks = append(sinks, notify.NewTelegramSink(bot, cfg.Notify.TelegramChatID))
		}
	}
	return sinks
}

func startFeed(ctx context.Context, g *errgroup.Group, cfg config.Config, lg *zap.Logger, evaluator *alerts.Evaluator) error {
	ticks := make(chan models.Tick, cfg.Feed.BatchSize)
	batcher := feed.NewBatcher(evaluator, cfg.Feed.BatchSize, cfg.Feed.FlushInterval, cfg.Feed.Source, lg.Named("batcher"))

	switch cfg.Feed.Source {
	case "", "none":
		return nil
	case "kafka":
		consumer, err := feed.NewKafkaConsumer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		src := feed.NewKafkaSource(consumer, cfg.Kafka.Topic, lg.Named("kafka"))
		g.Go(func() error {
			defer close(ticks)
			defer consumer.Close()
			return src.Run(ctx, ticks)
		})
	case "coinbase":
		reader := feed.NewCoinbaseReader(cfg.Feed.CoinbaseURL, cfg.Feed.ProductIDs, lg.Named("coinbase"))
		g.Go(func() error {
			defer close(ticks)
			return reader.Run(ctx, ticks)
		})
	default:
		return fmt.Errorf("unknown feed source %q", cfg.Feed.Source)
	}

	g.Go(func() error { return batcher.Run(ctx, ticks) })
	return nil
}
