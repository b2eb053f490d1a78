package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/fieldhub/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the hub and serve its tools over MCP on stdio",
	Long: `Runs the hub like serve, without the HTTP API, and exposes device,
command and system tools to an MCP client on stdin/stdout. Logs go to stderr.`,
	PreRunE: loadConfig,
	RunE:    runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := buildHub(cfg)
	if err != nil {
		return err
	}
	defer h.close()

	g, gctx := errgroup.WithContext(ctx)
	h.run(gctx, g)
	g.Go(func() error {
		defer stop() // stdin closed: the client is gone
		return mcp.NewMCPServer(h.services, version).Run(gctx, os.Stdin, os.Stdout)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("MCP server stopped with error")
		return err
	}
	return nil
}
