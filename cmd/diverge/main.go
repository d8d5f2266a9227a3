// DIVERGE: branching-conversation context engine, exposed over MCP.
//
// Usage:
//
//	diverge serve [--config path]   # start the MCP server (stdio transport)
//	diverge version
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/Masa712/DIVERGE-sub003/internal/config"
	"github.com/Masa712/DIVERGE-sub003/internal/logging"
	"github.com/Masa712/DIVERGE-sub003/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "diverge",
		Short:         "Branching-conversation context engine (MCP server)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server (stdio transport)",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Best-effort: a .env file is a convenience, not a requirement.
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}

			s, cleanup, err := server.New(cfg, log)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}
			defer cleanup()

			log.Info().Str("version", server.Version).Msg("serving MCP over stdio")
			return mcpserver.ServeStdio(s)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("diverge v%s\n", server.Version)
		},
	}
}
