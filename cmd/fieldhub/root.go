package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mbocsi/fieldhub/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile   string
	logLevel  string
	logFormat string
	cfg       *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fieldhub",
	Short: "IoT field hub",
	Long: `fieldhub terminates field-device links (TCP, WebSocket, serial, MQTT),
decodes their messages onto a topic bus and delivers commands inside each
device's advertised command window.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console or json)")
}

// Logs always go to stderr: the mcp command owns stdout.
func initLogger() error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", logLevel)
	}
	zerolog.SetGlobalLevel(level)

	switch logFormat {
	case "console":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return errors.Errorf("invalid log format %q", logFormat)
	}
	return nil
}

func loadConfig(*cobra.Command, []string) error {
	if err := initLogger(); err != nil {
		return err
	}
	if err := config.InitConfig(cfgFile); err != nil {
		return err
	}
	var err error
	cfg, err = config.Load()
	return err
}
