package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Roman-Samoilenko/dnsblock/internal/config"
	"github.com/Roman-Samoilenko/dnsblock/internal/console"
	"github.com/Roman-Samoilenko/dnsblock/internal/filter"
	"github.com/Roman-Samoilenko/dnsblock/internal/logger"
	"github.com/Roman-Samoilenko/dnsblock/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "dnsblock.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Setup(logger.Options{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	defer logger.Close()

	created, err := filter.WriteDefault(cfg.Filter.File)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if created {
		logger.Infof("Created default filter file %s", cfg.Filter.File)
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if err := sup.Start(); err != nil {
		logger.Errorf("Failed to start: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = console.New(sup, os.Stdout).Run(ctx, os.Stdin)
	switch {
	case errors.Is(err, io.EOF):
		// No interactive input, serve until signalled.
		<-ctx.Done()
	case err != nil:
		logger.Errorf("Console error: %v", err)
	}

	if err := sup.Stop(); err != nil {
		logger.Errorf("Shutdown error: %v", err)
	}
}
