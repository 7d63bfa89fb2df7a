// Package main implements the entry point for the gateway, the real-time
// edge of the chat platform. It terminates websocket sessions, bridges
// client traffic onto the message broker and fans broker events back out
// to connected devices.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ishakdeveloper/new-stack-sub000/broker"
	"github.com/ishakdeveloper/new-stack-sub000/config"
	"github.com/ishakdeveloper/new-stack-sub000/event"
	"github.com/ishakdeveloper/new-stack-sub000/gateway"
	"github.com/ishakdeveloper/new-stack-sub000/health"
	"github.com/ishakdeveloper/new-stack-sub000/metric"
	"github.com/ishakdeveloper/new-stack-sub000/router"
	"github.com/ishakdeveloper/new-stack-sub000/voice"
)

const (
	Version = "0.1.0"
	appName = "gateway"
)

type cliConfig struct {
	ConfigPath      string
	ShutdownTimeout time.Duration
	ShowVersion     bool
}

func parseFlags() *cliConfig {
	cfg := &cliConfig{}
	flag.StringVar(&cfg.ConfigPath, "config", "", "path to config file (json or yaml)")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	flag.Parse()
	return cfg
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.NewLoader().Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.Logger()
	slog.SetDefault(logger)

	slog.Info("starting gateway",
		"version", Version,
		"addr", cfg.Gateway.Addr,
		"broker_url", cfg.Broker.URL)

	metrics := metric.NewRegistry()
	events := event.NewRegistry(logger)
	index := router.NewSessionIndex()

	bridge := broker.NewBridge(cfg.Broker, metrics, logger)
	fanout := router.New(index, events, metrics, logger)
	fanout.Bind(bridge)
	relay := voice.NewRelay(index, metrics, logger)
	relay.Bind(bridge)

	server := gateway.NewServer(cfg.Gateway, index, bridge, relay, events, metrics, logger)

	monitor := health.NewMonitor()
	monitor.Register("broker", func() health.Status {
		if bridge.Connected() {
			return health.NewHealthy("broker", "")
		}
		return health.NewDegraded("broker", "reconnecting")
	})
	monitor.Update("gateway", health.NewHealthy("gateway", ""))

	server.Handle("/metrics", metrics.Handler())
	server.Handle("/healthz", health.Handler(monitor, appName))

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	bridgeDone := make(chan error, 1)
	go func() {
		bridgeDone <- bridge.Run(signalCtx)
	}()

	if err := server.Start(signalCtx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	slog.Info("gateway started")

	bridgeExited := false
	select {
	case <-signalCtx.Done():
		slog.Info("received shutdown signal")
	case err := <-bridgeDone:
		bridgeExited = true
		if err != nil {
			slog.Error("broker bridge gave up", "error", err)
		}
	}

	// Connections stop accepting before the broker path drops, so in-flight
	// fan-out drains cleanly.
	if err := server.Stop(cliCfg.ShutdownTimeout); err != nil {
		slog.Warn("gateway stop incomplete", "error", err)
	}
	signalCancel()

	if !bridgeExited {
		select {
		case <-bridgeDone:
		case <-time.After(cliCfg.ShutdownTimeout):
			slog.Warn("broker bridge did not stop in time")
		}
	}

	slog.Info("gateway stopped")
	return nil
}
