// Command registryd runs the agent mesh registry: the passive,
// pull-based service discovery plane agents heartbeat against and
// resolve their dependencies through.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentmesh/internal/changebus"
	"agentmesh/internal/config"
	"agentmesh/internal/health"
	"agentmesh/internal/httpapi"
	"agentmesh/internal/logging"
	"agentmesh/internal/store"
	"agentmesh/internal/tracing"
)

var version = "dev"

func main() {
	var (
		host        = flag.String("host", "", "host to bind the server to (overrides HOST)")
		port        = flag.Int("port", 0, "port to bind the server to (overrides PORT)")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\nAgent Mesh Registry\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("registryd %s\n", version)
		return
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	log := logging.New(cfg)
	defer log.Sync()

	log.Info("starting agent mesh registry %s", version)

	s, err := store.Open(cfg)
	if err != nil {
		log.Error("opening store: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warning("closing store: %v", err)
		}
	}()

	bus := changebus.New(log, cfg.WatchQueueSize, cfg.RedisURL)
	defer bus.Close()

	monitor := health.New(s, cfg, log, bus)
	monitor.Start()
	defer monitor.Stop()

	traceCfg := tracing.Config{
		Enabled:  cfg.TracingEnabled,
		Endpoint: os.Getenv("MCP_MESH_OTEL_ENDPOINT"),
		Protocol: os.Getenv("MCP_MESH_OTEL_PROTOCOL"),
	}
	tracer, err := tracing.Setup(context.Background(), traceCfg, log)
	if err != nil {
		log.Error("setting up tracing: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			log.Warning("shutting down tracer: %v", err)
		}
	}()

	srv := httpapi.New(s, cfg, log, monitor, bus, tracer)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info("received signal %v, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("error during shutdown: %v", err)
		}
	}()

	log.Info("registry listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error: %v", err)
		os.Exit(1)
	}
	log.Info("registry stopped")
}
