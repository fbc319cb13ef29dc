// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// The coordinator binary runs the Parley session coordination service.
//
// Configuration is environment-driven:
//
//	COORDINATOR_PORT             HTTP listen port (default 12310)
//	PARLEY_LOG_DIR               enable daily file logging to this directory
//	PARLEY_LOG_JSON              force JSON stderr logs ("1"/"true"/"yes")
//	OTEL_EXPORTER_OTLP_ENDPOINT  OTLP gRPC collector; empty disables tracing
//	PARLEY_ARCHIVE_PATH          BadgerDB directory for the response archive
//	PARLEY_SETTINGS_PATH         optional hot-reloaded runtime settings file
package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/services/coordinator"
	"github.com/parleyhq/parley/services/coordinator/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:   "coordinator",
		Short: "The Parley realtime session coordination service",
		Long: `The coordinator holds live meeting state, fans realtime updates out
to connected participants, enforces roster exclusivity across concurrent
activities, and applies the uniform response consistency rules.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return coordinator.Run(config.FromEnv())
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the coordinator version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("coordinator " + version)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
