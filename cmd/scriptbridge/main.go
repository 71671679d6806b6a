// scriptbridge runs the host application with its run-script and remote-call
// front ends.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chazu/scriptbridge/bridge"
	"github.com/chazu/scriptbridge/config"
)

func main() {
	configPath := flag.String("config", "", "Path to "+config.FileName+" (default: search upward from the working directory)")
	httpAddr := flag.String("http-addr", "", "Override the HTTP front end address")
	rpcAddr := flag.String("rpc-addr", "", "Override the RPC front end address")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scriptbridge [options]\n\n")
		fmt.Fprintf(os.Stderr, "Starts the script host and listens for run requests and remote calls.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  scriptbridge                           # HTTP on localhost:19812, RPC on localhost:18812\n")
		fmt.Fprintf(os.Stderr, "  scriptbridge -config ./bridge.toml     # Use a specific config file\n")
		fmt.Fprintf(os.Stderr, "  scriptbridge -http-addr 127.0.0.1:20000\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *rpcAddr != "" {
		cfg.RPC.Addr = *rpcAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bridge.Start(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log := b.Logger()
	var served chan error
	if b.HTTP() != nil || b.RPC() != nil {
		served = make(chan error, 1)
		go func() { served <- b.Wait() }()
	} else {
		log.Warn().Msg("no front end is running; waiting for a shutdown signal")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-served:
		if err != nil {
			log.Error().Err(err).Msg("front end failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.FindAndLoad(wd)
}
