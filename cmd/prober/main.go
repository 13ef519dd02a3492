// The prober pings its assigned targets once per second and streams the
// results to the collector over a websocket. Opening the raw ICMP socket
// requires CAP_NET_RAW or root.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/jamesbtate/ping-server/internal/config"
	"github.com/jamesbtate/ping-server/internal/icmp"
	"github.com/jamesbtate/ping-server/internal/metrics"
	"github.com/jamesbtate/ping-server/internal/prober"
	"github.com/jamesbtate/ping-server/internal/queue"
	"github.com/jamesbtate/ping-server/internal/wire"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// shutdownDrain is how long the transport keeps running after the engine
// stops, so in-flight acks can still arrive.
const shutdownDrain = 2 * time.Second

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	foregroundFlag := flag.BoolP("foreground", "f", false, "run in foreground and log to stderr")
	debugFlag := flag.BoolP("debug", "d", false, "enable debug-level logging")
	wsURLFlag := flag.String("ws-url", "", "collector websocket URL (default: PROBER_WS_URL)")
	nameFlag := flag.String("name", "", "prober name (default: PROBER_NAME)")
	timeoutFlag := flag.Duration("timeout", 500*time.Millisecond, "per-tick reply window")
	packetSizeFlag := flag.Int("packet-size", 55, "echo payload size in bytes")
	metricsAddrFlag := flag.String("metrics-addr", "", "prometheus listen address (default: METRICS_ADDRESS)")
	flag.Parse()

	config.Load(slog.Default())
	log, err := newLogger(*foregroundFlag, *debugFlag, "PROBER_LOG_FILE")
	if err != nil {
		return err
	}
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	wsURL := *wsURLFlag
	if wsURL == "" {
		wsURL = config.MustString("PROBER_WS_URL")
	}
	name := *nameFlag
	if name == "" {
		name = config.MustString("PROBER_NAME")
	}
	metricsAddr := *metricsAddrFlag
	if metricsAddr == "" {
		metricsAddr = config.MustString("METRICS_ADDRESS")
	}

	results := queue.New[wire.Output]()

	engine, err := icmp.NewEngine(log, &icmp.EngineConfig{
		Timeout:    *timeoutFlag,
		PacketSize: *packetSizeFlag,
		Output:     results,
	})
	if err != nil {
		log.Error("Failed to create probe engine", "error", err)
		return err
	}

	transport, err := prober.NewTransport(log, &prober.TransportConfig{
		URL:             wsURL,
		Name:            name,
		Results:         results,
		SetDestinations: engine.SetDestinations,
	})
	if err != nil {
		log.Error("Failed to create transport", "error", err)
		return err
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The engine stops at the next tick boundary on signal; the transport
	// keeps draining acks for a short grace period afterwards.
	transportCtx, cancelTransport := context.WithCancel(context.Background())
	defer cancelTransport()

	g := new(errgroup.Group)
	g.Go(func() error {
		defer func() {
			log.Warn("Engine stopped, draining transport", "drain", shutdownDrain)
			time.Sleep(shutdownDrain)
			log.Warn("Prober shutting down", "queued", results.Len())
			cancelTransport()
		}()
		return engine.Run(signalCtx)
	})
	g.Go(func() error {
		return transport.Run(transportCtx)
	})
	g.Go(func() error {
		log.Info("Starting metrics server", "address", metricsAddr)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			<-transportCtx.Done()
			server.Close()
		}()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Prober failed", "error", err)
		return err
	}
	return nil
}

func newLogger(foreground, debug bool, logFileKey string) (*slog.Logger, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if foreground {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level})), nil
	}
	path, err := config.GetString(logFileKey)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})), nil
}
