// Command ingestion reads Coinbase trade matches and publishes them to Kafka
// as PriceUpdate messages for the alerts service.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pricealerts/internal/config"
	"pricealerts/internal/feed"
	"pricealerts/internal/logger"
	"pricealerts/internal/models"
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

	producer, err := feed.NewKafkaProducer(cfg.Kafka)
	if err != nil {
		lg.Fatal("failed to create kafka producer", zap.Error(err))
	}
	defer producer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticks := make(chan models.Tick, 256)
	reader := feed.NewCoinbaseReader(cfg.Feed.CoinbaseURL, cfg.Feed.ProductIDs, lg.Named("coinbase"))
	publisher := feed.NewKafkaPublisher(producer, cfg.Kafka.Topic, "coinbase")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ticks)
		return reader.Run(gctx, ticks)
	})
	g.Go(func() error {
		for t := range ticks {
			if err := publisher.Publish(t); err != nil {
				lg.Error("error producing kafka message", zap.String("symbol", t.Symbol), zap.Error(err))
				continue
			}
			lg.Debug("sent to kafka", zap.String("symbol", t.Symbol), zap.String("price", t.Price.String()))
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case e := <-producer.Events():
				if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
					lg.Warn("kafka delivery failed", zap.Error(m.TopicPartition.Error))
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		lg.Error("ingestion stopped with error", zap.Error(err))
	}
	if remaining := producer.Flush(5000); remaining > 0 {
		lg.Warn("unflushed kafka messages", zap.Int("remaining", remaining))
	}
	lg.Info("ingestion stopped")
}
