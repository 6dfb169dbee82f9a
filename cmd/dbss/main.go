// Command dbss runs a single Database State Server instance: a State
// Server variant that lazily materializes Distributed Objects from a
// MongoDB-backed store.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "go.uber.org/automaxprocs"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/config"
	"github.com/ksmit799/Ardos-sub000/internal/dbdriver"
	"github.com/ksmit799/Ardos-sub000/internal/dbss"
	"github.com/ksmit799/Ardos-sub000/internal/dclass"
	"github.com/ksmit799/Ardos-sub000/internal/logging"
	"github.com/ksmit799/Ardos-sub000/internal/metrics"
)

func main() {
	configPath := flag.String("config", "astrond.yaml", "path to the cluster YAML configuration")
	debug := flag.Bool("debug", false, "enable debug logging (overrides log-level)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, Service: "dbss"})
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting database state server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mongoCtx, mongoCancel := context.WithTimeout(ctx, 10*time.Second)
	defer mongoCancel()
	client, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.DatabaseServer.MongoURI))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mongodb")
	}
	defer client.Disconnect(context.Background())

	store := dbdriver.NewStore(client.Database(cfg.DatabaseServer.MongoDB), cfg.DatabaseServer.GenerateMin, cfg.DatabaseServer.GenerateMax)

	fatalCh := make(chan error, 1)
	onFatal := func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	}

	table, bus, err := channel.NewAMQPTable(ctx, channel.AMQPConfig{
		Host:     cfg.MessageDirector.RabbitMQHost,
		Port:     cfg.MessageDirector.RabbitMQPort,
		User:     cfg.MessageDirector.RabbitMQUser,
		Password: cfg.MessageDirector.RabbitMQPassword,
	}, log, onFatal)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer bus.Close()

	dc := dclass.NewStaticRegistry(nil, 0)

	d := dbss.New(log, bus, table, cfg.DBStateServer.Channel, dc, store)

	if cfg.DBStateServer.HasRange() {
		// This instance owns every DoId in the configured range directly,
		// not just its control channel: messages addressed to any resident
		// or not-yet-activated object in range reach HandleDatagram without
		// a per-object Subscribe first.
		table.SubscribeRange(channel.Channel(cfg.DBStateServer.RangeMin), channel.Channel(cfg.DBStateServer.RangeMax), d)
		log.Info().Uint64("range_min", cfg.DBStateServer.RangeMin).Uint64("range_max", cfg.DBStateServer.RangeMax).Msg("owning do id range")
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down database state server")
	case err := <-fatalCh:
		log.Fatal().Err(err).Msg("broker connection lost, exiting")
	}
}
