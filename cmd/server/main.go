package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"avatar-mixer/server/internal/app"
	"avatar-mixer/server/internal/config"
	"avatar-mixer/server/internal/telemetry"
)

func main() {
	logger := telemetry.WrapLogger(log.Default())
	cfg, err := loadConfig(os.Args[1:], os.Getenv, logger)
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{Logger: logger, File: cfg}); err != nil {
		log.Fatalf("%v", err)
	}
}

// loadConfig layers defaults, the config file, the environment and then
// explicitly set flags, and validates the result.
func loadConfig(args []string, getenv func(string) string, logger telemetry.Logger) (config.File, error) {
	var (
		configPath  string
		listen      string
		maxKbps     float64
		throttle    float64
		tickRate    int
		compression string
		logJSON     string
	)

	flagSet := pflag.NewFlagSet("avatar-mixer", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	flagSet.StringVar(&listen, "listen", "", "HTTP listen address")
	flagSet.Float64Var(&maxKbps, "max-kbps", 0, "per-receiver avatar bandwidth cap in kbps")
	flagSet.Float64Var(&throttle, "throttle", 0, "initial throttling ratio in [0,1]")
	flagSet.IntVar(&tickRate, "tick-rate", 0, "broadcast rounds per second")
	flagSet.StringVar(&compression, "compression", "", "packet compression: none, lz4 or zstd")
	flagSet.StringVar(&logJSON, "log-json", "", "also write structured events as JSON lines to this file")

	if err := flagSet.Parse(args); err != nil {
		return config.File{}, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	cfg.ApplyEnv(getenv, logger)

	if flagSet.Changed("listen") {
		cfg.Listen = listen
	}
	if flagSet.Changed("max-kbps") {
		cfg.Mixer.MaxKbpsPerNode = maxKbps
	}
	if flagSet.Changed("throttle") {
		cfg.Mixer.ThrottlingRatio = throttle
	}
	if flagSet.Changed("tick-rate") {
		cfg.Mixer.TickRate = tickRate
	}
	if flagSet.Changed("compression") {
		cfg.Transport.Compression = compression
	}
	if flagSet.Changed("log-json") {
		cfg.Logging.JSONPath = logJSON
		if !containsSink(cfg.Logging.Sinks, "json") {
			cfg.Logging.Sinks = append(cfg.Logging.Sinks, "json")
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func containsSink(sinks []string, name string) bool {
	for _, s := range sinks {
		if s == name {
			return true
		}
	}
	return false
}
