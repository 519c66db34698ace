// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hubsync/hubsync/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	cfg := server.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP job server",
		Long: `Start an HTTP server that provides:
  - REST API for download and upload jobs
  - WebSocket for live progress updates
  - cache inspection and eviction endpoints

The cache root is configured server-side only (not via API).

Example:
  hubsync serve
  hubsync serve --port 3000
  hubsync serve --cache-dir /srv/hub-cache`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(ro.Token)
			if token == "" {
				token = strings.TrimSpace(os.Getenv("HUB_TOKEN"))
			}
			cfg.Token = token
			if cfg.Endpoint == "" {
				cfg.Endpoint = strings.TrimSpace(os.Getenv("HUB_ENDPOINT"))
			}

			srv := server.New(cfg)

			fmt.Println()
			color.New(color.FgCyan, color.Bold).Println("hubsync job server")
			fmt.Printf("  listen:  http://%s:%d\n", cfg.Addr, cfg.Port)
			fmt.Printf("  api:     http://localhost:%d/api\n", cfg.Port)
			fmt.Printf("  cache:   %s\n", cfg.CacheDir)
			fmt.Println()

			return srv.ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to bind to")
	cmd.Flags().IntVarP(&cfg.Port, "port", "p", cfg.Port, "Port to listen on")
	cmd.Flags().StringVarP(&cfg.CacheDir, "cache-dir", "o", cfg.CacheDir, "Cache root directory")
	cmd.Flags().StringVar(&cfg.Endpoint, "endpoint", "", "Hub base URL (also reads HUB_ENDPOINT env)")
	cmd.Flags().IntVar(&cfg.MaxActive, "max-active", cfg.MaxActive, "Max concurrent file downloads per job")
	cmd.Flags().IntVar(&cfg.UploadConcurrency, "upload-concurrency", cfg.UploadConcurrency, "Max concurrent object uploads per job")
	cmd.Flags().StringSliceVar(&cfg.AllowedOrigins, "cors-origin", nil, "Allowed CORS origins (repeatable; default same-origin)")

	return cmd
}
