// Command clientagent runs a single Client Agent instance: the websocket
// trust boundary between external game clients and the rest of the
// cluster.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"
	_ "go.uber.org/automaxprocs"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/clientagent"
	"github.com/ksmit799/Ardos-sub000/internal/config"
	"github.com/ksmit799/Ardos-sub000/internal/dclass"
	"github.com/ksmit799/Ardos-sub000/internal/logging"
	"github.com/ksmit799/Ardos-sub000/internal/metrics"
	"github.com/ksmit799/Ardos-sub000/internal/platform"
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

	log := logging.New(logging.Options{Level: cfg.LogLevel, Service: "clientagent"})
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting client agent")

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

	// A real deployment wires a DC-loader-produced Registry here; none is
	// implemented by this module (see internal/dclass). The expected
	// handshake hash comes directly from configuration until one is.
	dc := dclass.NewStaticRegistry(nil, cfg.ClientAgent.DCHash)

	maxConns := cfg.ClientAgent.MaxConnections
	if maxConns == 0 {
		maxConns = platform.MaxClientConnections(platform.MemoryLimit())
	}
	log.Info().Int("max_connections", maxConns).Msg("client capacity")

	uberdogs := make(map[uint32]clientagent.UberdogInfo, len(cfg.ClientAgent.Uberdogs))
	for _, ud := range cfg.ClientAgent.Uberdogs {
		class, ok := dc.ClassByName(ud.Class)
		if !ok {
			log.Fatal().Str("class", ud.Class).Uint32("id", ud.ID).Msg("uberdog names an unknown DC class")
		}
		uberdogs[ud.ID] = clientagent.UberdogInfo{ClassID: class.ID, Anonymous: ud.Anonymous}
	}

	ca := clientagent.New(log, bus, table, dc, cfg.ClientAgent.ControlChannel, clientagent.Config{
		Addr:                cfg.ClientAgent.Addr,
		Version:             cfg.ClientAgent.Version,
		ExpectedDCHash:      dc.Hash(),
		ChannelBase:         channel.Channel(cfg.ClientAgent.ChannelBase),
		HeartbeatPeriod:     cfg.ClientAgent.HeartbeatPeriod,
		MaxConnections:      maxConns,
		GlobalRateLimit:     cfg.ClientAgent.GlobalRateLimit,
		PerConnRateLimit:    cfg.ClientAgent.PerConnRateLimit,
		AuthTimeout:         cfg.ClientAgent.AuthTimeout,
		InterestsPermission: clientagent.InterestsPermission(cfg.ClientAgent.InterestsPermission),
		RelocateAllowed:     cfg.ClientAgent.RelocateAllowed,
		Uberdogs:            uberdogs,
		InterestTimeout:     cfg.ClientAgent.InterestTimeout,
	})

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ca.ListenAndServe(gctx) })
	g.Go(func() error {
		ca.RunHeartbeatSweep(gctx)
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			log.Info().Msg("shutting down client agent")
			cancel()
		case err := <-fatalCh:
			log.Error().Err(err).Msg("broker connection lost, shutting down")
			cancel()
		}
	}()

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("client agent exited with error")
	}
}
