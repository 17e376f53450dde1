package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/app"
	"github.com/ternarybob/crawler/internal/common"
	"github.com/ternarybob/crawler/internal/server"
)

// configPaths accumulates repeated -config flags, later files overriding earlier ones.
type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }
func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP  = flag.Int("p", 0, "Server port (shorthand)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (repeatable, later files win)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	common.InstallCrashHandler("")
	defer common.RecoverWithCrashFile()

	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("crawler version %s\n", common.GetVersion())
		os.Exit(0)
	}

	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("crawler.toml"); err == nil {
			configFiles = append(configFiles, "crawler.toml")
		} else if _, err := os.Stat("deployments/local/crawler.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/crawler.toml")
		}
	}

	cfg, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	common.ApplyFlagOverrides(cfg, *serverHost, finalPort)

	if err := common.ValidateReExpandSchedule(cfg.Schedule.ReExpandCron); err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Str("cron", cfg.Schedule.ReExpandCron).Msg("invalid re-expansion schedule")
		os.Exit(1)
	}

	logger := common.SetupLogger(cfg)
	common.PrintBanner(cfg, logger)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	if err := application.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start application")
	}

	srv := server.New(&cfg.Server, application.Handlers, application.Stream, logger)

	go func() {
		defer common.RecoverWithCrashFile()
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	time.Sleep(100 * time.Millisecond)
	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Msg("server ready - press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutdown signal received")
	common.PrintShutdownBanner(logger)

	cancelCtx()
	application.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	common.Stop()
	logger.Info().Msg("server stopped")
}
