// Command meshgw runs the wireless mesh gateway: it bridges a low-power
// wireless mesh network onto a wired IPv4 Ethernet segment, serving DHCP,
// ARP, NTP time sync and the gateway services UDP protocol on top of the
// forwarding plane in internal/forwarding.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sapphiregw/meshgw/internal/gwconfig"
	"github.com/sapphiregw/meshgw/internal/gwcore"
	"github.com/sapphiregw/meshgw/internal/wcom"
)

func main() {
	configPath := flag.String("config", "meshgw.yaml", "path to the gateway's YAML configuration file")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*configPath, *metricsAddr, logger); err != nil {
		logger.Error("meshgw: exiting", "error", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string, logger *slog.Logger) (err error) {
	cfg, err := gwconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// The wireless mesh radio stack is a separate subsystem this gateway
	// only talks to through [wcom.Collaborator]; wire in a loopback double
	// until that stack is attached, so the gateway still stands up its
	// wired-side services (DHCP, gwsvc, NTP) on its own.
	collab := &wcom.Loopback{}

	core, err := gwcore.New(cfg, collab, logger)
	if err != nil {
		return fmt.Errorf("constructing gateway core: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		core.RegisterMetrics(registry)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}

		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()

		go func() {
			if lerr := srv.ListenAndServe(); lerr != nil && lerr != http.ErrServerClosed {
				logger.Error("meshgw: metrics server", "error", lerr)
			}
		}()
	}

	logger.Info("meshgw: starting", "config", configPath)

	return core.Run(ctx)
}
