package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	backend "github.com/redis/go-redis/v9"

	"github.com/robot-control/rbc/internal/api"
	"github.com/robot-control/rbc/internal/audit"
	"github.com/robot-control/rbc/internal/auth"
	"github.com/robot-control/rbc/internal/command"
	"github.com/robot-control/rbc/internal/config"
	"github.com/robot-control/rbc/internal/controller"
	"github.com/robot-control/rbc/internal/dashboard"
	"github.com/robot-control/rbc/internal/feedback"
	"github.com/robot-control/rbc/internal/history"
	"github.com/robot-control/rbc/internal/interpreter"
	"github.com/robot-control/rbc/internal/journal"
	"github.com/robot-control/rbc/internal/metrics"
	"github.com/robot-control/rbc/internal/notify"
	"github.com/robot-control/rbc/internal/recovery"
	"github.com/robot-control/rbc/internal/registry"
	"github.com/robot-control/rbc/internal/telemetry"
	"github.com/robot-control/rbc/internal/urscript"
)

// bridge holds every running component of the service.
type bridge struct {
	cfg    *config.Config
	logger *slog.Logger

	session      *interpreter.Session
	dashboard    *dashboard.Client
	supervisor   *interpreter.Supervisor
	reader       *command.ReadLoop
	hub          *notify.Hub
	orchestrator *command.Orchestrator
	feedback     *feedback.Server
	server       *api.Server

	redis     *backend.Client
	journal   journal.Store
	telemetry telemetry.Source
	audit     *audit.Logger
}

// newBridge wires the components. Nothing touches the network yet.
func newBridge(cfg *config.Config, logger *slog.Logger) (*bridge, error) {
	b := &bridge{cfg: cfg, logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	dialer := controller.NewDialer(cfg.Timing.ReconnectBackoff, logger)
	b.session = interpreter.NewSession(cfg.RobotAddr(cfg.Robot.InterpreterPort), dialer, interpreter.Options{
		PollInterval:    cfg.Timing.PollInterval,
		ResponseTimeout: cfg.Timing.ResponseTimeout,
	}, logger)
	b.dashboard = dashboard.New(cfg.RobotAddr(cfg.Robot.DashboardPort), dialer, dashboard.Options{
		UnlockDelay:       cfg.Timing.UnlockDelay,
		UnlockMaxAttempts: cfg.Timing.UnlockMaxAttempts,
		ReplyTimeout:      cfg.Timing.ResponseTimeout,
	}, logger)

	host := cfg.Feedback.AdvertiseHost
	if host == "" {
		var err error
		if host, err = advertiseHost(); err != nil {
			return nil, err
		}
	}
	emitter := urscript.NewEmitter(cfg.Feedback.SocketName)
	mode := interpreter.NewMode(cfg.RobotAddr(cfg.Robot.SecondaryPort), dialer, cfg.Timing.InterpreterStartDelay, logger)
	b.supervisor = interpreter.NewSupervisor(b.session, mode, emitter,
		interpreter.Feedback{Host: host, Port: cfg.Feedback.AdvertisePort},
		cfg.Timing.FeedbackSettleDelay, logger,
	).WithBootstrap(bootstrapVariables(cfg.Bootstrap))

	variables, err := registry.NewFromCatalog(cfg.Variables)
	if err != nil {
		return nil, fmt.Errorf("variable catalog: %w", err)
	}
	hist := history.New(logger)

	machine := recovery.New(recovery.Deps{
		Channel:   b.session,
		Status:    b.dashboard,
		Restarter: b.supervisor,
		State:     hist,
		Registry:  variables,
		Emitter:   emitter,
		Logger:    logger,
		Metrics:   m,
	})
	b.reader = command.NewReadLoop(machine, variables, emitter, cfg.Timing.ReadPeriod, logger, m)
	undoer := history.NewUndoer(hist, variables, machine, b.reader, logger, m)
	b.hub = notify.NewHub(cfg.Timing, logger)

	if cfg.Redis.Addr != "" {
		b.redis = backend.NewClient(&backend.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.journal = journal.NewRedisStoreFromClient(b.redis,
			journal.WithPrefix(cfg.Redis.Prefix+"journal:"),
			journal.WithTTL(cfg.Redis.JournalTTL),
		)
		if cfg.Redis.TelemetryChannel != "" {
			b.telemetry = telemetry.NewRedisSource(b.redis, cfg.Redis.TelemetryChannel, logger)
		}
	} else {
		b.journal = journal.NewMemoryStore()
	}

	if b.audit, err = audit.NewLogger(cfg.Audit); err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}

	b.orchestrator = command.NewOrchestrator(command.Deps{
		Machine:   machine,
		Undoer:    undoer,
		History:   hist,
		Registry:  variables,
		Emitter:   emitter,
		Reader:    b.reader,
		Hub:       b.hub,
		Dashboard: b.dashboard,
		Journal:   b.journal,
		Timing:    &cfg.Timing,
		Logger:    logger,
		Metrics:   m,
	})
	if b.audit != nil {
		b.orchestrator.SetAuditLogger(b.audit)
	}
	machine.SetListener(b.orchestrator)

	b.feedback = feedback.NewServer(cfg.Feedback.ListenAddr, b.orchestrator, logger, m)

	opts := []api.Option{
		api.WithMetrics(m, reg),
		api.WithLogger(logger),
		api.WithVersion(Version),
	}
	if cfg.Auth.Enabled {
		verifier, err := auth.NewVerifierFromConfig(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		opts = append(opts, api.WithAuth(auth.NewMiddleware(verifier, logger)))
	}
	b.server = api.NewServer(b.orchestrator, b.hub, cfg.HTTP, opts...)

	return b, nil
}

// Run starts the bridge and blocks until ctx ends or a server fails.
func (b *bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if store, ok := b.journal.(*journal.RedisStore); ok {
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("redis %s: %w", b.cfg.Redis.Addr, err)
		}
	}

	// The controller dials back as soon as the socket is opened.
	if err := b.feedback.Listen(); err != nil {
		return err
	}
	serverErr := make(chan error, 2)
	go func() {
		if err := b.feedback.Serve(ctx); err != nil {
			serverErr <- fmt.Errorf("feedback server failed: %w", err)
		}
	}()

	if b.cfg.Robot.PowerOnAtStart {
		b.logger.Info("Powering on robot")
		if err := b.dashboard.Start(ctx); err != nil {
			return fmt.Errorf("robot start-up: %w", err)
		}
	}
	if err := b.supervisor.Restart(ctx); err != nil {
		return fmt.Errorf("start interpreter: %w", err)
	}

	go func() {
		if err := b.reader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("Read loop stopped", "error", err)
		}
	}()

	if b.telemetry != nil {
		go func() {
			if err := b.telemetry.Run(ctx, b.orchestrator.IngestTelemetry); err != nil && ctx.Err() == nil {
				b.logger.Error("Telemetry source stopped", "error", err)
			}
		}()
	}

	go func() {
		if err := b.server.Start(b.cfg.HTTP.Addr); err != nil {
			serverErr <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	b.logger.Info("Bridge started", "version", Version, "api", b.cfg.HTTP.Addr, "feedback", b.feedback.Addr().String())

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.Info("Shutting down")
	case runErr = <-serverErr:
		b.logger.Error("Server error", "error", runErr)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := b.server.Stop(shutdownCtx); err != nil {
		b.logger.Error("Error stopping HTTP server", "error", err)
	}
	cancel()
	b.orchestrator.Wait()
	return runErr
}

// Close releases connections and files.
func (b *bridge) Close() {
	if b.hub != nil {
		b.hub.Stop()
	}
	if b.feedback != nil {
		_ = b.feedback.Close()
	}
	if b.session != nil {
		_ = b.session.Close()
	}
	if b.dashboard != nil {
		_ = b.dashboard.Close()
	}
	if b.journal != nil {
		_ = b.journal.Close()
	}
	if b.audit != nil {
		if err := b.audit.Close(); err != nil {
			b.logger.Error("Error closing audit logger", "error", err)
		}
	}
}

// bootstrapVariables converts the configured bootstrap list.
func bootstrapVariables(vars []config.BootstrapVariable) []urscript.Typed {
	out := make([]urscript.Typed, 0, len(vars))
	for _, v := range vars {
		out = append(out, urscript.Typed{Name: v.Name, Type: v.Type, Value: v.Value})
	}
	return out
}

// advertiseHost returns the first non-loopback IPv4 address.
func advertiseHost() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", errors.New("no non-loopback address found; set feedback.advertiseHost")
}
