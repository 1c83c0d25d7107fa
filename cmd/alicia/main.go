// Alicia substrate entry point.
//
// One binary hosts every substrate service; the first argument selects
// which one this process runs:
//
//	alicia gateway       security gateway (admission, tokens, key rotation)
//	alicia registry      service registry with discovery attached
//	alicia voice-router  voice pipeline router
//	alicia metrics       metrics collector and alert engine
//	alicia scheduler     timed event scheduler
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 broker
// unreachable after the startup grace, 3 auth failure on startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alicia-home/alicia-core/internal/balancer"
	"github.com/alicia-home/alicia-core/internal/bus"
	"github.com/alicia-home/alicia-core/internal/discovery"
	"github.com/alicia-home/alicia-core/internal/httpapi"
	"github.com/alicia-home/alicia-core/internal/infrastructure/config"
	"github.com/alicia-home/alicia-core/internal/infrastructure/database"
	"github.com/alicia-home/alicia-core/internal/infrastructure/influxdb"
	"github.com/alicia-home/alicia-core/internal/infrastructure/logging"
	"github.com/alicia-home/alicia-core/internal/infrastructure/mqtt"
	"github.com/alicia-home/alicia-core/internal/metrics"
	"github.com/alicia-home/alicia-core/internal/registry"
	"github.com/alicia-home/alicia-core/internal/scheduler"
	"github.com/alicia-home/alicia-core/internal/security"
	"github.com/alicia-home/alicia-core/internal/voicerouter"
	"github.com/alicia-home/alicia-core/migrations"

	"github.com/go-chi/chi/v5"
)

// Version information, set at build time via ldflags.
var version = "dev"

// Exit codes.
const (
	exitOK     = 0
	exitConfig = 1
	exitBroker = 2
	exitAuth   = 3
)

// shutdownGrace bounds the in-flight drain on shutdown.
const shutdownGrace = 10 * time.Second

const defaultConfigPath = "./config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:]))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: alicia <gateway|registry|voice-router|metrics|scheduler> [-config path]")
}

func run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		usage()
		return exitConfig
	}
	command := args[0]

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(args[1:]); err != nil {
		return exitConfig
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}
	if cfg.Service.Name == "" {
		cfg.Service.Name = serviceNameFor(command)
	}

	log := logging.New(cfg.Logging, cfg.Service.Name, version)
	log.Info("starting", "command", command, "version", version)

	switch command {
	case "gateway":
		return runGateway(ctx, cfg, log)
	case "registry":
		return runRegistry(ctx, cfg, log)
	case "voice-router":
		return runVoiceRouter(ctx, cfg, log)
	case "metrics":
		return runMetrics(ctx, cfg, log)
	case "scheduler":
		return runScheduler(ctx, cfg, log)
	default:
		usage()
		return exitConfig
	}
}

// loadConfig resolves the config path: -config flag, then ALICIA_CONFIG,
// then ./config.yaml (defaults apply when the file is absent).
func loadConfig(flagPath string) (*config.Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("ALICIA_CONFIG")
	}
	if path == "" {
		return config.LoadOrDefault(defaultConfigPath)
	}
	return config.Load(path)
}

func serviceNameFor(command string) string {
	switch command {
	case "gateway":
		return "security-gateway"
	default:
		return command
	}
}

// connectBroker dials the broker, retrying inside the startup grace
// window. The returned exit code is only meaningful when err is non-nil.
func connectBroker(ctx context.Context, cfg *config.Config, log *logging.Logger, will *mqtt.Will) (*mqtt.Client, int, error) {
	deadline := time.Now().Add(cfg.MQTT.StartupGrace())

	for {
		client, err := mqtt.Connect(cfg.MQTT, will)
		if err == nil {
			return client, exitOK, nil
		}
		if isAuthFailure(err) {
			return nil, exitAuth, fmt.Errorf("broker rejected credentials: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, exitBroker, fmt.Errorf("broker unreachable within startup grace: %w", err)
		}

		log.Warn("broker connect failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return nil, exitBroker, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "not authorised") ||
		strings.Contains(msg, "bad user name or password")
}

// joinBus connects the broker and wraps it in a started bus service.
func joinBus(ctx context.Context, cfg *config.Config, log *logging.Logger, capabilities, sensitive []string, endpoints map[string]string) (*bus.Service, int, error) {
	broker, code, err := connectBroker(ctx, cfg, log, nil)
	if err != nil {
		return nil, code, err
	}

	svc, err := bus.New(bus.Options{
		Broker:            broker,
		ServiceName:       cfg.Service.Name,
		InstanceID:        cfg.Service.InstanceID,
		Version:           version,
		Capabilities:      capabilities,
		Endpoints:         endpoints,
		SensitiveTopics:   sensitive,
		HeartbeatInterval: cfg.Heartbeat.Interval(),
		MaxInflight:       cfg.Service.MaxInflight,
		Weight:            cfg.Service.Weight,
		Logger:            log,
	})
	if err != nil {
		broker.Close()
		return nil, exitConfig, err
	}
	if err := svc.Start(ctx); err != nil {
		broker.Close()
		return nil, exitBroker, err
	}
	return svc, exitOK, nil
}

// serveAPI builds and starts the shared HTTP server for one component.
func serveAPI(ctx context.Context, bind string, log *logging.Logger, health *bus.Service, mount func(chi.Router)) (*httpapi.Server, error) {
	deps := httpapi.Deps{
		Bind:          bind,
		Logger:        log,
		Version:       version,
		Mount:         mount,
		ExposeMetrics: true,
	}
	if health != nil {
		deps.Health = health.HealthHandler()
	}

	api, err := httpapi.New(deps)
	if err != nil {
		return nil, err
	}
	if err := api.Start(ctx); err != nil {
		return nil, err
	}
	return api, nil
}

func runGateway(ctx context.Context, cfg *config.Config, log *logging.Logger) int {
	db, err := database.Open(database.Config{Path: cfg.Security.DatabasePath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: opening gateway database: %v\n", err)
		return exitConfig
	}
	defer db.Close()

	if err := db.Migrate(ctx, migrations.FS, "."); err != nil {
		fmt.Fprintf(os.Stderr, "Error: running migrations: %v\n", err)
		return exitConfig
	}

	store := security.NewStore(db.DB)
	keys, err := security.NewKeystore(ctx, store, time.Duration(cfg.Security.KeyGraceHours)*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: initialising keystore: %v\n", err)
		return exitAuth
	}
	verifier, err := security.LoadCA(cfg.Security.CAFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading project CA: %v\n", err)
		return exitAuth
	}

	gateway, err := security.NewGateway(security.Deps{
		Logger:   log,
		Store:    store,
		Keys:     keys,
		Verifier: verifier,
		Config:   cfg.Security,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitAuth
	}

	svc, code, err := joinBus(ctx, cfg, log, []string{"auth"},
		[]string{"alicia/system/security/#"},
		map[string]string{"http": cfg.Security.Bind})
	if err != nil {
		log.Error("joining bus failed", "error", err)
		return code
	}
	defer svc.Shutdown(shutdownGrace)

	api, err := serveAPI(ctx, cfg.Security.Bind, log, svc, gateway.Mount)
	if err != nil {
		log.Error("starting gateway api failed", "error", err)
		return exitConfig
	}
	defer api.Close()

	<-ctx.Done()
	log.Info("shutting down")
	return exitOK
}

func runRegistry(ctx context.Context, cfg *config.Config, log *logging.Logger) int {
	svc, code, err := joinBus(ctx, cfg, log, []string{"registry"},
		[]string{"alicia/system/registry/#"},
		map[string]string{"http": cfg.Registry.Bind})
	if err != nil {
		log.Error("joining bus failed", "error", err)
		return code
	}
	defer svc.Shutdown(shutdownGrace)

	var store registry.Store
	if cfg.Registry.SnapshotPath != "" {
		bolt, err := registry.OpenStore(cfg.Registry.SnapshotPath)
		if err != nil {
			log.Error("opening registry snapshot failed", "error", err)
			return exitConfig
		}
		defer bolt.Close()
		store = bolt
	}

	disc, err := discovery.New(discovery.Deps{Bus: svc, Logger: log})
	if err != nil {
		log.Error("building discovery failed", "error", err)
		return exitConfig
	}
	reg, err := registry.New(registry.Options{
		Config:           cfg.Registry,
		DefaultHeartbeat: cfg.Heartbeat.Interval(),
		Store:            store,
		OnTransition:     disc.PublishTransition,
		Logger:           log,
	})
	if err != nil {
		log.Error("building registry failed", "error", err)
		return exitConfig
	}
	if err := disc.Start(ctx, reg); err != nil {
		log.Error("starting discovery failed", "error", err)
		return exitConfig
	}
	go reg.Run(ctx)

	regAPI, err := registry.NewAPI(registry.APIDeps{
		Registry:    reg,
		TokenSecret: cfg.Security.TokenSecret,
		Logger:      log,
	})
	if err != nil {
		log.Error("building registry api failed", "error", err)
		return exitConfig
	}

	api, err := serveAPI(ctx, cfg.Registry.Bind, log, svc, regAPI.Mount)
	if err != nil {
		log.Error("starting registry api failed", "error", err)
		return exitConfig
	}
	defer api.Close()

	<-ctx.Done()
	log.Info("shutting down")
	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.Persist(persistCtx); err != nil {
		log.Error("final registry snapshot failed", "error", err)
	}
	return exitOK
}

func runVoiceRouter(ctx context.Context, cfg *config.Config, log *logging.Logger) int {
	svc, code, err := joinBus(ctx, cfg, log, []string{"voice-routing"}, nil,
		map[string]string{"http": cfg.Router.Bind})
	if err != nil {
		log.Error("joining bus failed", "error", err)
		return code
	}
	defer svc.Shutdown(shutdownGrace)

	pools, err := buildStagePools(ctx, cfg, log, svc)
	if err != nil {
		log.Error("building stage pools failed", "error", err)
		return exitConfig
	}

	router, err := voicerouter.New(voicerouter.Options{
		Config:      cfg.Router,
		Bus:         svc,
		Logger:      log,
		ServiceName: cfg.Service.Name,
		Pools:       pools,
	})
	if err != nil {
		log.Error("building voice router failed", "error", err)
		return exitConfig
	}
	if err := router.Start(ctx); err != nil {
		log.Error("starting voice router failed", "error", err)
		return exitConfig
	}

	api, err := serveAPI(ctx, cfg.Router.Bind, log, svc, router.Mount)
	if err != nil {
		log.Error("starting router api failed", "error", err)
		return exitConfig
	}
	defer api.Close()

	<-ctx.Done()
	log.Info("shutting down")
	return exitOK
}

// buildStagePools keeps one balancer pool per pipeline stage, fed by
// discovery register and unregister events on the bus.
func buildStagePools(ctx context.Context, cfg *config.Config, log *logging.Logger, svc *bus.Service) (map[string]*balancer.Pool, error) {
	stages := []string{voicerouter.StageSTT, voicerouter.StageAI, voicerouter.StageTTS}

	pools := make(map[string]*balancer.Pool, len(stages))
	for _, stage := range stages {
		pool, err := balancer.NewPool(balancer.Options{
			Config: cfg.Balancer,
			Logger: log,
		})
		if err != nil {
			return nil, err
		}
		pools[stage] = pool
		go pool.Run(ctx)
	}

	topics := bus.Topics{}
	err := svc.RegisterHandler(topics.DiscoveryRegister(), func(_ context.Context, env *bus.Envelope) (*bus.Envelope, error) {
		var ann bus.ServiceAnnouncement
		if err := env.DecodePayload(&ann); err != nil {
			return nil, nil
		}
		for _, capability := range ann.Capabilities {
			pool, ok := pools[capability]
			if !ok {
				continue
			}
			pool.Upsert(balancer.InstanceSpec{
				ID:          ann.InstanceID,
				Address:     ann.Endpoints["http"],
				Weight:      ann.Weight,
				MaxInflight: ann.MaxInflight,
			})
			log.Info("stage instance registered", "stage", capability, "instance_id", ann.InstanceID)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	err = svc.RegisterHandler(topics.DiscoveryUnregister(), func(_ context.Context, env *bus.Envelope) (*bus.Envelope, error) {
		var dep discovery.Departure
		if err := env.DecodePayload(&dep); err != nil {
			return nil, nil
		}
		for _, pool := range pools {
			pool.Remove(dep.InstanceID)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return pools, nil
}

func runMetrics(ctx context.Context, cfg *config.Config, log *logging.Logger) int {
	svc, code, err := joinBus(ctx, cfg, log, []string{"metrics"}, nil,
		map[string]string{"http": cfg.Metrics.Bind})
	if err != nil {
		log.Error("joining bus failed", "error", err)
		return code
	}
	defer svc.Shutdown(shutdownGrace)

	var sink metrics.Sink
	if cfg.Metrics.InfluxDB.Enabled {
		influx, err := influxdb.Connect(cfg.Metrics.InfluxDB)
		if err != nil {
			// The collector is useful without long-term storage; degrade
			// rather than refuse to start.
			log.Warn("influxdb sink unavailable", "error", err)
		} else {
			defer influx.Close()
			influx.SetOnError(func(err error) {
				log.Warn("influxdb write failed", "error", err)
			})
			sink = metrics.NewInfluxSink(influx)
		}
	}

	hub := metrics.NewHub(log)
	go hub.Run(ctx)

	collector, err := metrics.New(metrics.Options{
		Config: cfg.Metrics,
		Bus:    svc,
		Logger: log,
		Sink:   sink,
		Hub:    hub,
	})
	if err != nil {
		log.Error("building collector failed", "error", err)
		return exitConfig
	}
	if err := collector.Start(ctx); err != nil {
		log.Error("starting collector failed", "error", err)
		return exitConfig
	}

	api, err := serveAPI(ctx, cfg.Metrics.Bind, log, svc, collector.Mount)
	if err != nil {
		log.Error("starting collector api failed", "error", err)
		return exitConfig
	}
	defer api.Close()

	<-ctx.Done()
	log.Info("shutting down")
	if sink != nil {
		sink.Flush()
	}
	return exitOK
}

func runScheduler(ctx context.Context, cfg *config.Config, log *logging.Logger) int {
	svc, code, err := joinBus(ctx, cfg, log, []string{"scheduling"},
		[]string{"alicia/scheduler/#"},
		map[string]string{"http": cfg.Scheduler.Bind})
	if err != nil {
		log.Error("joining bus failed", "error", err)
		return code
	}
	defer svc.Shutdown(shutdownGrace)

	var store scheduler.Store
	if cfg.Scheduler.SnapshotPath != "" {
		bolt, err := scheduler.OpenBolt(cfg.Scheduler.SnapshotPath)
		if err != nil {
			log.Error("opening scheduler snapshot failed", "error", err)
			return exitConfig
		}
		defer bolt.Close()
		store = bolt
	}

	sched, err := scheduler.New(scheduler.Options{
		Config: cfg.Scheduler,
		Bus:    svc,
		Logger: log,
		Store:  store,
	})
	if err != nil {
		log.Error("building scheduler failed", "error", err)
		return exitConfig
	}
	if err := sched.Start(ctx); err != nil {
		log.Error("starting scheduler failed", "error", err)
		return exitConfig
	}

	api, err := serveAPI(ctx, cfg.Scheduler.Bind, log, svc, sched.Mount)
	if err != nil {
		log.Error("starting scheduler api failed", "error", err)
		return exitConfig
	}
	defer api.Close()

	<-ctx.Done()
	log.Info("shutting down")
	sched.Persist()
	return exitOK
}
