// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relay runs the Aleutian streaming chat relay and talks to it.
//
// # Usage
//
//	# Serve with defaults, overridden by a config file and environment
//	relay serve --config /etc/aleutian/relay.yaml
//
//	# Stream a reply to the terminal
//	relay send --chat-id c1 --user-id alice "Explain mutexes in Go"
//
// # Environment Variables
//
// See services/relay/config for the full list. The most common:
//
//   - AZURE_API_KEY: Upstream provider key
//   - RELAY_PORT: HTTP server port (default: 12210)
//   - RELAY_STORE_BACKEND: memory, badger, or weaviate
//   - RELAY_CONFIG: Config file path when --config is not given
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Streaming chat relay for OpenAI-compatible providers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newSendCmd(), newVersionCmd())
	return root
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		Long: `Loads configuration (defaults, then the YAML file, then environment
variables) and serves the chat endpoints until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("RELAY_CONFIG")
			}
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to relay.yaml")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: relay.ServiceName,
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()

	logger.Info("Starting relay",
		"version", version,
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"config", cfg.Path,
	)

	svc, err := relay.New(cfg, nil, logger.Slog())
	if err != nil {
		logger.Error("Failed to create relay", "error", err)
		return err
	}
	if err := svc.Run(ctx); err != nil {
		logger.Error("Relay stopped with error", "error", err)
		return err
	}
	logger.Info("Relay stopped")
	return nil
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay %s\n", version)
		},
	}
}
