package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner.
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	build := BuildTime
	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("CRAWLER")
	b.PrintCenteredText("Structured-Data Crawler and Corpus Builder")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Build", build, 15)
	b.PrintKeyValue("Service URL", serviceURL, 15)
	b.PrintKeyValue("Data Dir", config.Storage.DataDir, 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("service_url", serviceURL).
		Str("data_dir", config.Storage.DataDir).
		Msg("Application started")

	fmt.Printf("📋 Configuration:\n")
	fmt.Printf("   • Web Interface: %s\n", serviceURL)
	fmt.Printf("   • Data Root: %s\n", config.Storage.DataDir)
	fmt.Printf("   • Worker Pool: %d\n", config.Crawler.WorkerCount)
	fmt.Printf("   • Re-expand Schedule: %s\n", config.Schedule.ReExpandCron)

	if loggerWithPath, ok := interface{}(logger).(interface{ GetLogFilePath() string }); ok {
		if path := loggerWithPath.GetLogFilePath(); path != "" {
			fmt.Printf("   • Log File: %s\n", path)
		}
	}
	fmt.Printf("\n")

	logger.Info().
		Int("worker_count", config.Crawler.WorkerCount).
		Str("embedding_provider", config.Embedding.ProviderURL).
		Str("vectordb_api", config.VectorDB.APIURL).
		Msg("Configuration loaded")
}

// PrintShutdownBanner displays the application shutdown banner.
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("CRAWLER")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("Application shutting down")
}

// PrintColorizedMessage prints a message with the given color to stdout; the
// logger argument is not used.
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints and logs a success message.
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("✓ %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints and logs an error message.
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("✗ %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints and logs a warning message.
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("⚠ %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}

// PrintInfo prints and logs an informational message.
func PrintInfo(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorCyan, fmt.Sprintf("ℹ %s", message), logger)
	logger.Info().Str("type", "info").Msg(message)
}
