package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"lockstep/internal/net/discovery"
	"lockstep/internal/net/ws"
	"lockstep/internal/store"
	"lockstep/internal/store/boltstore"
	"lockstep/internal/store/pgstore"
	"lockstep/internal/telemetry"
	"lockstep/logging"
	loggingSinks "lockstep/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

// Config describes a relay process.
type Config struct {
	Logger telemetry.Logger
	Addr   string
	Relay  ws.RelayConfig
	// SnapshotPath is the bbolt file used for stored exports when DatabaseURL is empty.
	SnapshotPath string
	DatabaseURL  string
	// MaxSnapshotBytes caps uploaded export bodies.
	MaxSnapshotBytes int64
	// Advertise registers the relay over mDNS as Instance.
	Advertise   bool
	Instance    string
	EnablePprof bool
	Logging     logging.Config
}

// DefaultConfig returns the relay process defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             ":8080",
		Relay:            ws.DefaultRelayConfig(),
		SnapshotPath:     "lockstep-snapshots.db",
		MaxSnapshotBytes: 8 << 20,
		Instance:         "lockstep-relay",
		Logging:          logging.DefaultConfig(),
	}
}

// Run serves the relay until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := telemetry.StandardLogger(telemetryLogger)
	if fallbackLogger == nil {
		fallbackLogger = log.Default()
	}

	applyEnv(os.Getenv, &cfg, telemetryLogger)

	sinks, closeSinks, err := buildSinks(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeSinks()

	router, err := logging.NewRouter(cfg.Logging, logging.SystemClock{}, fallbackLogger, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	snapshots, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	metrics := telemetry.NewCounters()
	relayCfg := cfg.Relay
	relayCfg.Logger = telemetryLogger
	relayCfg.Metrics = metrics
	relayCfg.Publisher = router
	relay := ws.NewRelay(relayCfg)

	handler := NewHandler(HandlerConfig{
		Relay:            relay,
		Store:            snapshots,
		Metrics:          metrics,
		Publisher:        router,
		Logger:           telemetryLogger,
		MaxSnapshotBytes: cfg.MaxSnapshotBytes,
		EnablePprof:      cfg.EnablePprof,
	})

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{Handler: handler}
	telemetryLogger.Printf("relay listening on %s", listener.Addr())

	if cfg.Advertise {
		port := listener.Addr().(*net.TCPAddr).Port
		ad, err := discovery.Advertise(cfg.Instance, port, wsPrefix)
		if err != nil {
			telemetryLogger.Printf("mdns advertisement disabled: %v", err)
		} else {
			telemetryLogger.Printf("advertising %s on port %d", cfg.Instance, port)
			defer ad.Shutdown()
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return pgstore.Open(ctx, cfg.DatabaseURL, logging.SystemClock{})
	}
	if cfg.SnapshotPath == "" {
		return nil, errors.New("no snapshot store configured")
	}
	return boltstore.Open(cfg.SnapshotPath, logging.SystemClock{})
}

func buildSinks(cfg logging.Config) (map[string]logging.Sink, func(), error) {
	closers := []io.Closer{}
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	sinks := map[string]logging.Sink{
		logging.SinkConsole: loggingSinks.NewConsoleSink(os.Stdout, cfg.Console),
	}
	if cfg.HasSink(logging.SinkJSON) {
		var out io.Writer = os.Stdout
		if cfg.JSON.FilePath != "" {
			file, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, closeAll, fmt.Errorf("open json log %s: %w", cfg.JSON.FilePath, err)
			}
			closers = append(closers, file)
			out = file
		}
		sinks[logging.SinkJSON] = loggingSinks.NewJSON(out, cfg.JSON.FlushInterval.Std())
	}
	return sinks, closeAll, nil
}

func applyEnv(getenv func(string) string, cfg *Config, logger telemetry.Logger) {
	if raw := getenv("LOCKSTEP_RELAY_ADDR"); raw != "" {
		cfg.Addr = raw
	}
	if raw := getenv("LOCKSTEP_RELAY_FPS"); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil && value > 0 {
			cfg.Relay.FramesPerSecond = value
		} else {
			logger.Printf("invalid LOCKSTEP_RELAY_FPS=%q: %v", raw, positive(err))
		}
	}
	if raw := getenv("LOCKSTEP_RELAY_BURST"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.Relay.Burst = value
		} else {
			logger.Printf("invalid LOCKSTEP_RELAY_BURST=%q: %v", raw, positive(err))
		}
	}
	if raw := getenv("LOCKSTEP_MAX_FRAME"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.Relay.MaxFrame = value
		} else {
			logger.Printf("invalid LOCKSTEP_MAX_FRAME=%q: %v", raw, positive(err))
		}
	}
	if raw := getenv("LOCKSTEP_SNAPSHOT_DB"); raw != "" {
		cfg.SnapshotPath = raw
	}
	if raw := getenv("DATABASE_URL"); raw != "" {
		cfg.DatabaseURL = raw
	}
	if raw := getenv("LOCKSTEP_MDNS"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			cfg.Advertise = value
		} else {
			logger.Printf("invalid LOCKSTEP_MDNS=%q: %v", raw, err)
		}
	}
	if raw := getenv("LOCKSTEP_MDNS_INSTANCE"); raw != "" {
		cfg.Instance = raw
	}
	if raw := getenv("ENABLE_PPROF_TRACE"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			cfg.EnablePprof = value
		} else {
			logger.Printf("invalid ENABLE_PPROF_TRACE=%q: %v", raw, err)
		}
	}
	if raw := getenv("LOCKSTEP_LOG_SINKS"); raw != "" {
		var names []string
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		cfg.Logging.EnabledSinks = names
	}
	if raw := getenv("LOCKSTEP_LOG_JSON_FILE"); raw != "" {
		cfg.Logging.JSON.FilePath = raw
	}
}

func positive(err error) error {
	if err != nil {
		return err
	}
	return errors.New("must be positive")
}
