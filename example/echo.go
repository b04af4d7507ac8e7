package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zereker/msgsock"
)

func main() {
	configPath := flag.String("config", "", "YAML server settings")
	port := flag.Int("port", msgsock.DefaultServerPort, "listen port when no config is given")
	metricsAddr := flag.String("metrics", "", "address to serve Prometheus metrics on, e.g. :9090")
	flag.Parse()

	settings := msgsock.NewServerSettings(*port)
	if *configPath != "" {
		var err error
		settings, err = msgsock.LoadServerSettings(*configPath)
		if err != nil {
			slog.Error("failed to load settings", "error", err)
			os.Exit(1)
		}
	}

	opts := []msgsock.Option{msgsock.LoggerOption(slog.Default())}
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, msgsock.MetricsOption(reg, "echo"))
		go serveMetrics(*metricsAddr, reg)
	}

	server := msgsock.New(settings, msgsock.Hooks{
		OnConnect: func(_ context.Context, conn net.Conn) (any, bool) {
			slog.Info("client connected", "addr", conn.RemoteAddr())
			return nil, true
		},
		// Echo
		OnMessage: func(_ context.Context, req *msgsock.Request) ([]byte, error) {
			return req.Payload, nil
		},
		OnDisconnect: func(conn *msgsock.Connection, stats msgsock.Statistics) {
			slog.Info("client disconnected",
				"id", conn.ID(),
				"received", stats.ReceivedMessages,
				"sent", stats.SentMessages)
		},
	}, opts...)

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("server start", "addr", server.Addr())
	<-ctx.Done()
	slog.Info("shutting down server...")

	if err := server.Stop(); err != nil && !errors.Is(err, msgsock.ErrNotStarted) {
		slog.Error("stop failed", "error", err)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	slog.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server failed", "error", err)
	}
}
