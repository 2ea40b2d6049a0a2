package main

import (
	"errors"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/sanonone/kektorbrain/internal/mcp"
	"github.com/sanonone/kektorbrain/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (with MCP at /mcp)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}

		srv, err := server.NewServer(eng, cfg.Server, logger)
		if err != nil {
			return errors.Join(err, eng.Close())
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Run() }()

		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			srv.Shutdown()
			err = <-errCh
		case err = <-errCh:
		}

		// The engine outlives the HTTP server so in-flight writes land
		// before the final save.
		if cerr := eng.Close(); cerr != nil {
			logger.Error("engine close failed", "error", cerr)
			err = errors.Join(err, cerr)
		}
		return err
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	Long: `Serve the MCP tools over stdin/stdout, for clients that launch
kektorbrain as a subprocess. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		runErr := mcp.NewMCPServer(eng).Run(ctx, &sdkmcp.StdioTransport{})
		if errors.Is(runErr, ctx.Err()) {
			runErr = nil
		}
		return errors.Join(runErr, eng.Close())
	},
}
