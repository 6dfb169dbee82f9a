// Command stateserver runs a single State Server instance: the in-memory
// authority for live Distributed Objects bound to one configured channel.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/config"
	"github.com/ksmit799/Ardos-sub000/internal/dclass"
	"github.com/ksmit799/Ardos-sub000/internal/logging"
	"github.com/ksmit799/Ardos-sub000/internal/metrics"
	"github.com/ksmit799/Ardos-sub000/internal/stateserver"
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

	log := logging.New(logging.Options{Level: cfg.LogLevel, Service: "stateserver"})
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting state server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	pool := channel.NewWorkerPool(8, 4096, log)
	pool.Start(ctx)
	table.WithWorkerPool(pool)
	go reportDroppedDeliveries(ctx, pool, log)

	// A real deployment wires a DC-loader-produced Registry here; none is
	// implemented by this module (see internal/dclass), so an empty
	// StaticRegistry stands in until one is configured.
	dc := dclass.NewStaticRegistry(nil, 0)

	ss, err := stateserver.New(ctx, log, bus, table, cfg.StateServer.Channel, dc,
		stateserver.WithMetrics(metrics.ObjectsLive.WithLabelValues("stateserver"), metrics.ObjectSize.WithLabelValues("stateserver")))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start state server")
	}
	_ = ss

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
		log.Info().Msg("shutting down state server")
	case err := <-fatalCh:
		log.Fatal().Err(err).Msg("broker connection lost, exiting")
	}
}

// reportDroppedDeliveries periodically syncs the dispatch worker pool's
// drop counter into the worker-queue-dropped metric.
func reportDroppedDeliveries(ctx context.Context, pool *channel.WorkerPool, log zerolog.Logger) {
	defer logging.RecoverPanic(log, "reportDroppedDeliveries")

	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	var last int64
	for {
		select {
		case <-t.C:
			dropped := pool.Dropped()
			if delta := dropped - last; delta > 0 {
				metrics.WorkerQueueDropped.WithLabelValues("stateserver").Add(float64(delta))
			}
			last = dropped
		case <-ctx.Done():
			return
		}
	}
}
