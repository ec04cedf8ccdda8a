package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mycoria/amqplink/config"
)

var (
	rootCmd = &cobra.Command{
		Use:          "amqplink",
		SilenceUsage: true,
	}

	configFile = pflag.String("config", "", "set config file")
	logLevel   = pflag.String("log", "", "set log level")
	devMode    = pflag.Bool("devmode", false, "enable development mode")
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the config file and sets up logging.
func loadConfig() (*config.Config, error) {
	c, err := config.LoadConfig(*configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	c.SetDevMode(*devMode)

	// Configure logging.
	level := slog.LevelInfo
	switch strings.ToLower(*logLevel) {
	case "":
		if c.DevMode() {
			level = slog.LevelDebug
		}
	case "debug":
		level = slog.LevelDebug
	case "info":
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", *logLevel)
	}
	logOutput := os.Stdout
	slog.SetDefault(slog.New(
		tint.NewHandler(logOutput, &tint.Options{
			AddSource:  c.DevMode(),
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !isatty.IsTerminal(logOutput.Fd()),
		}),
	))

	return c, nil
}
