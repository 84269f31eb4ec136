package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sliceforge/orchestrator/internal/api"
	"github.com/sliceforge/orchestrator/internal/auth"
	"github.com/sliceforge/orchestrator/internal/config"
	"github.com/sliceforge/orchestrator/internal/drivers"
	"github.com/sliceforge/orchestrator/internal/drivers/linuxzone"
	"github.com/sliceforge/orchestrator/internal/drivers/openstackzone"
	"github.com/sliceforge/orchestrator/internal/images"
	"github.com/sliceforge/orchestrator/internal/lifecycle"
	"github.com/sliceforge/orchestrator/internal/model"
	"github.com/sliceforge/orchestrator/internal/pipeline"
	"github.com/sliceforge/orchestrator/internal/placement"
	"github.com/sliceforge/orchestrator/internal/queue"
	"github.com/sliceforge/orchestrator/internal/secgroup"
	"github.com/sliceforge/orchestrator/internal/store"
	"github.com/sliceforge/orchestrator/internal/version"
)

func main() {
	configPath := flag.String("config", "/etc/sliceforge/orchestrator.yaml", "path to orchestrator config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("sliceforge-orchestrator", version.String())
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	st, err := store.Open(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := store.Migrate(st.DB()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	linuxCfg := cfg.Zones["linux"]
	openstackCfg := cfg.Zones["openstack"]

	var linuxAgentCfg config.LinuxAgentConfig
	if linuxCfg.LinuxAgent != nil {
		linuxAgentCfg = *linuxCfg.LinuxAgent
	}
	linuxDriver := linuxzone.New(linuxAgentCfg, linuxCfg.Workers, agentAddrResolver(linuxCfg), logger)

	var openstackCfgValue config.OpenStackConfig
	if openstackCfg.OpenStack != nil {
		openstackCfgValue = *openstackCfg.OpenStack
	}
	openstackDriver, err := openstackzone.New(openstackCfgValue, logger)
	if err != nil {
		return fmt.Errorf("building openstack driver: %w", err)
	}

	facade := drivers.NewFacade(linuxDriver, openstackDriver)

	engine := lifecycle.New(st, facade)
	sgSvc := secgroup.New(st, facade)
	imgSvc := images.New(st, cfg.Images, linuxDriver, openstackDriver, logger)
	verifier := auth.New(cfg.Auth.JWTSecret)

	broker, err := queue.NewBroker(cfg.Queue.URL, cfg.Queue.ReconnectMinDelay, cfg.Queue.ReconnectMaxDelay, logger)
	if err != nil {
		return fmt.Errorf("connecting to queue broker: %w", err)
	}
	defer broker.Close()

	for _, zone := range []model.Zone{model.ZoneLinux, model.ZoneOpenStack} {
		for _, stage := range []queue.Stage{queue.StageVLANMapping, queue.StagePlacement} {
			if err := broker.DeclareQueue(ctx, queue.QueueName(stage, zone)); err != nil {
				return fmt.Errorf("declaring queue %s: %w", queue.QueueName(stage, zone), err)
			}
		}
	}

	telemetry, err := placement.NewTelemetry(cfg.Prometheus.URL, cfg.Prometheus.QueryTimeout)
	if err != nil {
		return fmt.Errorf("building telemetry client: %w", err)
	}
	sources := map[model.Zone]placement.Source{
		model.ZoneLinux:     zoneSource(telemetry, linuxCfg),
		model.ZoneOpenStack: zoneSource(telemetry, openstackCfg),
	}

	frontend := api.NewServer(api.Deps{
		Addr:   cfg.HTTPAddr,
		Logger: logger,
		Store:  st,
		Engine: engine,
		SG:     sgSvc,
		Images: imgSvc,
		Broker: broker,
		Verify: verifier,
	})

	pl := pipeline.New(st, facade, sgSvc, sources, broker, frontend, logger)
	for _, zone := range []model.Zone{model.ZoneLinux, model.ZoneOpenStack} {
		go broker.Consume(ctx, queue.QueueName(queue.StageVLANMapping, zone), pl.VLANMappingHandler(zone))
		go broker.Consume(ctx, queue.QueueName(queue.StagePlacement, zone), pl.PlacementHandler(zone))
	}

	if err := frontend.Start(); err != nil {
		return fmt.Errorf("starting frontend: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down orchestrator")
	return frontend.Stop(context.Background())
}

// agentAddrResolver builds the worker-name-to-agent-base-URL function the
// linux zone driver uses to reach each worker's agent.
func agentAddrResolver(cfg config.ZoneConfig) func(worker string) string {
	port := 7777
	if cfg.LinuxAgent != nil && cfg.LinuxAgent.DefaultPort > 0 {
		port = cfg.LinuxAgent.DefaultPort
	}
	return func(worker string) string {
		return fmt.Sprintf("http://%s:%d", worker, port)
	}
}

// zoneSource builds the placement engine's telemetry source for one zone
// from its static config and the shared Prometheus client.
func zoneSource(telemetry *placement.Telemetry, cfg config.ZoneConfig) placement.ZoneSource {
	return placement.ZoneSource{
		Telemetry:        telemetry,
		HeadnodeJob:      cfg.Telemetry.HeadnodeJob,
		HeadnodeInstance: cfg.Telemetry.HeadnodeInstance,
		WorkerJob:        cfg.Telemetry.WorkerJob,
		Instances:        cfg.Telemetry.Instances,
		IPs:              cfg.Telemetry.IPs,
	}
}
