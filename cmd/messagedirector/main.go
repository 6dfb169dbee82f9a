// Command messagedirector runs a minimal Message Director process: it
// dials the AMQP broker, declares the cluster's shared topic exchange, and
// exits fatally if that connection drops — exactly the failure policy
// spec.md assigns to the bus, since all cluster state lives in the broker
// and a process with no working publish/subscribe is useless.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/config"
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

	log := logging.New(logging.Options{Level: cfg.LogLevel, Service: "messagedirector"})
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting message director")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatalCh := make(chan error, 1)

	bus, err := channel.DialAMQP(ctx, channel.AMQPConfig{
		Host:      cfg.MessageDirector.RabbitMQHost,
		Port:      cfg.MessageDirector.RabbitMQPort,
		User:      cfg.MessageDirector.RabbitMQUser,
		Password:  cfg.MessageDirector.RabbitMQPassword,
		QueueName: "messagedirector",
	}, log, func(ch channel.Channel, data []byte) {}, func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer bus.Close()

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
		log.Info().Msg("shutting down message director")
	case err := <-fatalCh:
		log.Fatal().Err(err).Msg("broker connection lost, exiting")
	}
}
