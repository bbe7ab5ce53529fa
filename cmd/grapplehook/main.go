// GrappleHook keeps a live registry of the smart devices on one or more
// CAN-like bus segments and exposes them over MQTT and a local HTTP API.
//
// Each segment is reached through a bridge daemon socket. The daemon can be
// run externally or supervised by GrappleHook (bridge.managed).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheSnowHatHero/GrappleHook/internal/api"
	"github.com/TheSnowHatHero/GrappleHook/internal/bridges/canbus"
	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/drivers"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/config"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/database"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/influxdb"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/logging"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/mqtt"
	"github.com/TheSnowHatHero/GrappleHook/internal/journal"
	"github.com/TheSnowHatHero/GrappleHook/internal/process"
	"github.com/TheSnowHatHero/GrappleHook/migrations"
)

// Set at build time via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

const (
	// daemonStartupWait bounds how long a freshly launched bridge daemon
	// gets to open its sockets.
	daemonStartupWait = 10 * time.Second
	dialRetryInterval = 250 * time.Millisecond

	startupCheckTimeout = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled or a
// long-running component fails.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // sequential startup wiring
	log := logging.Default()
	log.Info("starting GrappleHook", "version", version, "commit", commit, "build_date", date)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "domains", len(cfg.Domains))

	// Bridge daemon
	var daemon *process.Supervisor
	if cfg.Bridge.Managed {
		opts := process.FromBridgeConfig(cfg.Bridge)
		opts.Probe = socketProbe(cfg.Domains[0].URL)
		daemon = process.New(opts)
		daemon.SetLogger(log.Component("canbridge"))
		if err := daemon.Start(ctx); err != nil {
			return fmt.Errorf("starting bridge daemon: %w", err)
		}
		defer func() {
			if stopErr := daemon.Stop(); stopErr != nil {
				log.Error("error stopping bridge daemon", "error", stopErr)
			}
		}()
	}

	// Journal
	var events *journal.Journal
	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		events = journal.New(journal.NewSQLiteRepository(db.DB), journal.Options{
			Retention: time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour,
			Logger:    log.Component("journal"),
		})
		log.Info("device journal enabled", "path", cfg.Database.Path)
	}

	// Telemetry
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Warn("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// MQTT
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port))
	}

	// Bus connections
	connectors, err := dialDomains(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		for domain, conn := range connectors {
			if closeErr := conn.Close(); closeErr != nil {
				log.Error("error closing bus connection", "domain", domain, "error", closeErr)
			}
		}
	}()

	// Device manager and its observers
	feed := canbus.NewEventFeed(0)
	observers := device.Observers{feed}
	if events != nil {
		observers = append(observers, events)
	}
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log.Component("websocket"))
		observers = append(observers, hub)
	}

	senders := make(map[device.Domain]device.Sender, len(connectors))
	svcConnectors := make(map[device.Domain]canbus.Connector, len(connectors))
	bridges := make(map[device.Domain]api.BridgeStatus, len(connectors))
	checks := make(map[device.Domain]busChecker, len(connectors))
	for domain, conn := range connectors {
		senders[domain] = conn
		svcConnectors[domain] = conn
		bridges[domain] = conn
		checks[domain] = conn
	}

	manager, err := device.New(device.Config{
		Domains:        senders,
		Models:         drivers.DefaultCatalogue(cfg.Manager.ExpectedVersions),
		EvictAfter:     cfg.Manager.EvictAfter,
		RequestTimeout: cfg.Manager.RequestTimeout,
		Logger:         log.Component("device"),
		Observer:       observers,
	})
	if err != nil {
		return fmt.Errorf("creating device manager: %w", err)
	}

	svcOpts := canbus.ServiceOptions{
		Manager:        manager,
		Connectors:     svcConnectors,
		Events:         feed,
		TickInterval:   cfg.Manager.TickInterval,
		HealthInterval: cfg.Bridge.HealthInterval,
		CallTimeout:    cfg.Manager.CallTimeout,
		Version:        version,
		Logger:         log.Component("canbus"),
	}
	if mqttClient != nil {
		svcOpts.MQTT = mqttClient
	}
	if influxClient != nil {
		svcOpts.Telemetry = influxClient
	}
	service, err := canbus.NewService(svcOpts)
	if err != nil {
		return fmt.Errorf("creating canbus service: %w", err)
	}

	// HTTP API
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Logger:      log.Component("api"),
			Manager:     manager,
			Bridges:     bridges,
			Hub:         hub,
			CallTimeout: cfg.Manager.CallTimeout,
			Version:     version,
		}
		if events != nil {
			deps.Journal = events
		}
		if daemon != nil {
			deps.Daemon = daemon
		}
		deps.Service = service
		server, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.Run(gctx) })
	if events != nil {
		g.Go(func() error { return events.Run(gctx) })
	}

	log.Info("initialisation complete")
	err = g.Wait()
	service.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("GrappleHook stopped")
	return nil
}

// getConfigPath returns GRAPPLEHOOK_CONFIG or the default path.
func getConfigPath() string {
	if path := os.Getenv("GRAPPLEHOOK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// dialDomains connects to the bridge socket of every configured domain.
// When the daemon is supervised it may still be starting, so dials are
// retried for a while.
func dialDomains(ctx context.Context, cfg *config.Config, log *logging.Logger) (map[device.Domain]*canbus.Client, error) {
	wait := time.Duration(0)
	if cfg.Bridge.Managed {
		wait = daemonStartupWait
	}

	out := make(map[device.Domain]*canbus.Client, len(cfg.Domains))
	for _, d := range cfg.Domains {
		client, err := dialWithRetry(ctx, canbus.Config{URL: d.URL}, wait)
		if err != nil {
			for _, c := range out {
				_ = c.Close()
			}
			return nil, fmt.Errorf("connecting domain %q: %w", d.Name, err)
		}
		client.SetLogger(log.Component("canbus").With("domain", d.Name))
		out[device.Domain(d.Name)] = client
		log.Info("bus connected", "domain", d.Name, "url", d.URL)
	}
	return out, nil
}

func dialWithRetry(ctx context.Context, cfg canbus.Config, wait time.Duration) (*canbus.Client, error) {
	deadline := time.Now().Add(wait)
	for {
		client, err := canbus.Dial(ctx, cfg)
		if err == nil {
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetryInterval):
		}
	}
}

// socketProbe returns a supervisor probe that checks the daemon still
// accepts connections on connURL.
func socketProbe(connURL string) func(context.Context) error {
	return func(ctx context.Context) error {
		network, address, err := canbus.ParseConnectionURL(connURL)
		if err != nil {
			return err
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// busChecker is the health surface of a bus connection.
type busChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheck verifies the bus sessions and the optional infrastructure
// connections.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, buses map[device.Domain]busChecker) error {
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	for domain, bus := range buses {
		if err := bus.HealthCheck(ctx); err != nil {
			return fmt.Errorf("bus %q: %w", domain, err)
		}
	}

	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
