// Package mcp exposes the hub's services as MCP tools over stdio.
package mcp

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mbocsi/fieldhub/services"
)

type MCPServer struct {
	Server   *server.MCPServer
	services *services.ServiceContainer
	log      zerolog.Logger
}

func NewMCPServer(svc *services.ServiceContainer, version string) *MCPServer {
	s := &MCPServer{
		Server:   server.NewMCPServer("fieldhub", version, server.WithToolCapabilities(false)),
		services: svc,
		log:      log.Logger,
	}
	s.registerDeviceTools()
	s.registerCommandTools()
	s.registerSystemTools()
	return s
}

func (s *MCPServer) WithLogger(l zerolog.Logger) *MCPServer {
	s.log = l
	return s
}

// Run serves MCP over the given streams until ctx is done or in closes.
// Logs must not go to out.
func (s *MCPServer) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.log.Info().Msg("Started stdio MCP server")
	defer s.log.Info().Msg("Shut down stdio MCP server")
	return server.NewStdioServer(s.Server).Listen(ctx, in, out)
}
