// Command simdevice runs a simulated field device against a hub, found over
// mDNS unless --addr is given.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mbocsi/fieldhub/client"
)

var opts struct {
	id         string
	addr       string
	websocket  bool
	interval   time.Duration
	dataPeriod time.Duration
	window     time.Duration
	discovery  time.Duration
	debug      bool
}

var rootCmd = &cobra.Command{
	Use:          "simdevice",
	Short:        "Simulated soil sensor that reports telemetry to a fieldhub",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.id, "id", "a01", "device id")
	f.StringVar(&opts.addr, "addr", "", "hub address (discovered over mDNS when empty)")
	f.BoolVar(&opts.websocket, "ws", false, "connect over WebSocket instead of TCP")
	f.DurationVar(&opts.interval, "interval", 5*time.Second, "telemetry interval")
	f.DurationVar(&opts.dataPeriod, "data-period", 60*time.Second, "length of the data period")
	f.DurationVar(&opts.window, "window", 10*time.Second, "length of the command window")
	f.DurationVar(&opts.discovery, "discovery-timeout", 5*time.Second, "mDNS discovery timeout")
	f.BoolVar(&opts.debug, "debug", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level := zerolog.InfoLevel
	if opts.debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("app", "simdevice").Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := opts.addr
	if addr == "" {
		discover := client.DiscoverTCPService
		if opts.websocket {
			discover = client.DiscoverWebSocketService
		}
		svc, err := discover(opts.discovery)
		if err != nil {
			return errors.Wrap(err, "no hub address given and discovery failed")
		}
		addr = svc.HostPort()
	}

	var conn client.Transport = client.NewTCPTransport()
	if opts.websocket {
		conn = client.NewWebSocketTransport()
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Connect(dialCtx, addr); err != nil {
		return err
	}
	log.Info().Str("addr", addr).Str("device_id", opts.id).Msg("Connected to hub")

	cfg := client.DefaultConfig(opts.id)
	cfg.Interval = opts.interval
	cfg.DataPeriod = opts.dataPeriod
	cfg.CmdWindow = opts.window
	return client.New(cfg, conn).Run(ctx)
}
