package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kestrel-dns/kestrel/internal/config"
	"github.com/kestrel-dns/kestrel/internal/logging"
	"github.com/kestrel-dns/kestrel/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	listenUDP  string
	listenTCP  string
	jsonLogs   bool
	debug      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&f.listenUDP, "listen-udp", "", "Override DNS server UDP bind address")
	flag.StringVar(&f.listenTCP, "listen-tcp", "", "Override DNS server TCP bind address (empty keeps the configured value)")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.listenUDP != "" {
		cfg.Server.ListenUDP = f.listenUDP
	}
	if f.listenTCP != "" {
		cfg.Server.ListenTCP = f.listenTCP
	}
	if f.jsonLogs {
		cfg.Logging.JSON = true
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.JSON,
		StructuredFormat: "json",
		IncludePID:       true,
	})
	logger.Info("kestrel starting",
		"config", flags.configPath,
		"udp", cfg.Server.ListenUDP,
		"tcp", cfg.Server.ListenTCP,
		"admin_enabled", cfg.Admin.Enabled,
	)

	runner := server.NewRunner(logger)
	if err := runner.Run(cfg); err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	return nil
}
