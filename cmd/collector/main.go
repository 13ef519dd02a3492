// The collector accepts prober connections, records their measurements in
// the time-series store, and pushes target-list updates when the catalog
// changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/jamesbtate/ping-server/internal/catalog"
	"github.com/jamesbtate/ping-server/internal/collector"
	"github.com/jamesbtate/ping-server/internal/config"
	"github.com/jamesbtate/ping-server/internal/metrics"
	"github.com/jamesbtate/ping-server/internal/queue"
	"github.com/jamesbtate/ping-server/internal/tsdb"
	"github.com/jamesbtate/ping-server/internal/wire"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	foregroundFlag := flag.BoolP("foreground", "f", false, "run in foreground and log to stderr")
	debugFlag := flag.BoolP("debug", "d", false, "enable debug-level logging")
	wsAddressFlag := flag.String("ws-address", "", "websocket bind address (default: WS_ADDRESS)")
	wsPortFlag := flag.String("ws-port", "", "websocket bind port (default: WS_PORT)")
	metricsAddrFlag := flag.String("metrics-addr", "", "prometheus listen address (default: METRICS_ADDRESS)")
	flag.Parse()

	config.Load(slog.Default())
	log, err := newLogger(*foregroundFlag, *debugFlag)
	if err != nil {
		return err
	}
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	wsAddress := *wsAddressFlag
	if wsAddress == "" {
		wsAddress = config.MustString("WS_ADDRESS")
	}
	wsPort := *wsPortFlag
	if wsPort == "" {
		wsPort = config.MustString("WS_PORT")
	}
	metricsAddr := *metricsAddrFlag
	if metricsAddr == "" {
		metricsAddr = config.MustString("METRICS_ADDRESS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.NewPostgres(ctx, config.PostgresURL())
	if err != nil {
		log.Error("Failed to connect to catalog", "error", err)
		return err
	}
	defer cat.Close()

	db, err := openTSDB(log)
	if err != nil {
		log.Error("Failed to open time-series store", "error", err)
		return err
	}
	defer db.Close()

	writes := queue.New[wire.Output]()

	server, err := collector.NewServer(log, &collector.ServerConfig{
		Catalog: cat,
		Writes:  writes,
	})
	if err != nil {
		return err
	}
	writer, err := collector.NewWriter(log, &collector.WriterConfig{
		Queue: writes,
		DB:    db,
	})
	if err != nil {
		return err
	}

	bind := net.JoinHostPort(wsAddress, wsPort)
	httpServer := &http.Server{Addr: bind, Handler: server}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Listening for probers", "address", bind)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return server.RunControlPoll(gctx)
	})
	g.Go(func() error {
		return writer.Run(gctx)
	})
	g.Go(func() error {
		log.Info("Starting metrics server", "address", metricsAddr)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			<-gctx.Done()
			metricsServer.Close()
		}()
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return httpServer.Close()
	})

	if err := g.Wait(); err != nil {
		log.Error("Collector failed", "error", err)
		return err
	}
	log.Info("Collector shut down")
	return nil
}

func openTSDB(log *slog.Logger) (tsdb.TSDB, error) {
	backend := config.MustString("TSDB_BACKEND")
	switch backend {
	case "influxdb":
		return tsdb.NewInflux(log, tsdb.InfluxConfig{
			URL:    config.MustString("INFLUXDB_URL"),
			Token:  config.MustString("INFLUXDB_TOKEN"),
			Org:    config.MustString("INFLUXDB_ORG"),
			Bucket: config.MustString("INFLUXDB_BUCKET"),
		}), nil
	case "binary":
		return tsdb.NewBinary(log, config.MustString("DATAFILE_DIR"), 0)
	default:
		return nil, fmt.Errorf("unknown TSDB_BACKEND %q", backend)
	}
}

func newLogger(foreground, debug bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if foreground {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level})), nil
	}
	path, err := config.GetString("COLLECTOR_LOG_FILE")
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})), nil
}
