// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli wires the hubsync commands: download (default), upload,
// cache maintenance, serve, config, and version.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hubsync/hubsync/internal/tui"
	"github.com/hubsync/hubsync/pkg/hubsync"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Token   string
	JSONOut bool
	Quiet   bool
	Verbose bool
	Config  string
}

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	skipColor = color.New(color.FgBlue).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
	errColor  = color.New(color.FgRed).SprintFunc()
)

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "hubsync",
		Short:         "Resumable, cache-backed sync client for hub models & datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	// Global flags
	root.PersistentFlags().StringVarP(&ro.Token, "token", "t", "", "Hub access token (also reads HUB_TOKEN env)")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events (progress, plan, reports)")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (plain line output, no live bars)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose output (per-chunk progress lines)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")

	// Add commands
	downloadCmd := newDownloadCmd(ctx, ro)
	root.AddCommand(downloadCmd)
	root.AddCommand(newUploadCmd(ctx, ro))
	root.AddCommand(newCacheCmd(ro))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd(version))

	// Make download the default command when no subcommand is given. The
	// flag set is shared, so either spelling accepts the same flags.
	root.RunE = downloadCmd.RunE
	root.PreRunE = downloadCmd.PreRunE
	root.Flags().AddFlagSet(downloadCmd.Flags())
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newDownloadCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	job := &hubsync.Job{}
	defaults := hubsync.DefaultSettings()
	cfg := &defaults
	var dryRun bool
	var planFmt string

	cmd := &cobra.Command{
		Use:   "download [REPO]",
		Short: "Download a model or dataset snapshot into the local cache",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			finalJob, finalCfg, err := finalize(ro, args, job, cfg)
			if err != nil {
				return err
			}

			// Plan-only mode
			if dryRun {
				p, err := hubsync.PlanRepo(ctx, finalJob, finalCfg)
				if err != nil {
					return err
				}
				if strings.ToLower(planFmt) == "json" || ro.JSONOut {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(p)
				}
				fmt.Printf("Plan for %s@%s (%d files, %s):\n", p.Repo, p.Revision, len(p.Items), humanBytes(p.TotalSize()))
				for _, it := range p.Items {
					fmt.Printf("  %-60s %12d  lfs=%t\n", it.Path, it.Size, it.LFS)
				}
				return nil
			}

			// Progress mode selection
			var progress hubsync.ProgressFunc
			if ro.JSONOut {
				progress = jsonProgress(os.Stdout)
			} else if ro.Quiet || ro.Verbose || !tui.Interactive() {
				progress = cliProgress(ro.Verbose)
			} else {
				ui := tui.NewLiveRenderer(finalJob, finalCfg)
				defer ui.Close()
				progress = ui.Handler()
			}

			report, err := hubsync.Snapshot(ctx, finalJob, finalCfg, progress)
			if ro.JSONOut && report != nil {
				enc := json.NewEncoder(os.Stdout)
				_ = enc.Encode(report)
			}
			return err
		},
	}

	// Job flags
	cmd.Flags().StringVarP(&job.Repo, "repo", "r", "", "Repository ID (owner/name). If omitted, positional REPO is used")
	cmd.Flags().BoolVar(&job.IsDataset, "dataset", false, "Treat repo as a dataset")
	cmd.Flags().StringVarP(&job.Revision, "revision", "b", "main", "Revision/branch to download (e.g. main, refs/pr/1)")
	cmd.Flags().StringSliceVarP(&job.Filters, "filters", "F", nil, "Comma-separated filters to match large artifacts (e.g. q4_0,q5_0)")
	cmd.Flags().StringSliceVarP(&job.Excludes, "exclude", "E", nil, "Comma-separated substrings of paths to skip")
	cmd.Flags().BoolVar(&job.Extract, "extract", false, "Unpack recognized archives next to the cached file after download")

	// Settings flags
	cmd.Flags().StringVarP(&cfg.CacheDir, "cache-dir", "o", cfg.CacheDir, "Cache root directory")
	cmd.Flags().StringVar(&cfg.Endpoint, "endpoint", "", "Hub base URL (also reads HUB_ENDPOINT env; defaults to "+hubsync.DefaultEndpoint+")")
	cmd.Flags().IntVar(&cfg.MaxActiveDownloads, "max-active", cfg.MaxActiveDownloads, "Maximum number of files downloading at once")
	cmd.Flags().StringVar(&cfg.CheckpointWindow, "checkpoint-window", cfg.CheckpointWindow, "Flush resume state every this many bytes")
	cmd.Flags().IntVar(&cfg.Retries, "retries", cfg.Retries, "Max retry attempts per HTTP request")
	cmd.Flags().StringVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per-request timeout for metadata calls (e.g. 30s; empty = none)")
	cmd.Flags().StringVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "Initial retry backoff duration")
	cmd.Flags().StringVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum retry backoff duration")

	// CLI-only flags
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Plan only: print the file list and exit")
	cmd.Flags().StringVar(&planFmt, "plan-format", "table", "Plan output format for --dry-run: table|json")

	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func finalize(ro *RootOpts, args []string, job *hubsync.Job, cfg *hubsync.Settings) (hubsync.Job, hubsync.Settings, error) {
	j := *job
	c := *cfg

	// Token
	tok := strings.TrimSpace(ro.Token)
	if tok == "" {
		tok = strings.TrimSpace(os.Getenv("HUB_TOKEN"))
	}
	c.Token = tok

	// Endpoint
	if c.Endpoint == "" {
		c.Endpoint = strings.TrimSpace(os.Getenv("HUB_ENDPOINT"))
	}

	// Repo from args
	if j.Repo == "" && len(args) > 0 {
		j.Repo = args[0]
	}

	// Parse filters from repo:filter syntax
	if strings.Contains(j.Repo, ":") && len(j.Filters) == 0 {
		parts := strings.SplitN(j.Repo, ":", 2)
		j.Repo = parts[0]
		if strings.TrimSpace(parts[1]) != "" {
			j.Filters = splitComma(parts[1])
		}
	}

	if j.Repo == "" {
		return j, c, fmt.Errorf("missing REPO (owner/name). Pass as positional arg or --repo")
	}
	if !hubsync.IsValidRepoID(j.Repo) {
		return j, c, fmt.Errorf("invalid repo id %q (expected owner/name)", j.Repo)
	}

	return j, c, nil
}

// loadConfigMap reads the config file (explicit path or the first of
// ~/.config/hubsync.{json,yaml,yml}) into a flat key map. A missing file is
// not an error; it returns a nil map.
func loadConfigMap(explicit string) (map[string]any, error) {
	path := explicit
	if path == "" {
		home, _ := os.UserHomeDir()
		for _, name := range []string{"hubsync.json", "hubsync.yaml", "hubsync.yml"} {
			candidate := filepath.Join(home, ".config", name)
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return nil, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML config file: %w", err)
		}
	default: // .json or unknown
		if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON config file: %w", err)
		}
	}
	return cfg, nil
}

// applySettingsDefaults merges config file values under explicit flags:
// a key applies only when its flag was not set on the command line.
func applySettingsDefaults(cmd *cobra.Command, ro *RootOpts, dst *hubsync.Settings) error {
	cfg, err := loadConfigMap(ro.Config)
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}

	setStr := func(flagName string, set func(string)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(fmt.Sprint(v))
		}
	}
	setInt := func(flagName string, set func(int)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			var x int
			fmt.Sscan(fmt.Sprint(v), &x)
			set(x)
		}
	}

	setStr("cache-dir", func(v string) { dst.CacheDir = v })
	setStr("endpoint", func(v string) { dst.Endpoint = v })
	setInt("max-active", func(v int) { dst.MaxActiveDownloads = v })
	setInt("upload-concurrency", func(v int) { dst.UploadConcurrency = v })
	setStr("lfs-threshold", func(v string) { dst.LFSThreshold = v })
	setStr("checkpoint-window", func(v string) { dst.CheckpointWindow = v })
	setInt("retries", func(v int) { dst.Retries = v })
	setStr("request-timeout", func(v string) { dst.RequestTimeout = v })
	setStr("backoff-initial", func(v string) { dst.BackoffInitial = v })
	setStr("backoff-max", func(v string) { dst.BackoffMax = v })

	if !cmd.Flags().Changed("token") && os.Getenv("HUB_TOKEN") == "" {
		if v, ok := cfg["token"]; ok && v != nil {
			ro.Token = fmt.Sprint(v)
		}
	}

	return nil
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// cliProgress returns a plain line-based progress handler. With verbose
// set it also prints the throttled per-chunk progress events.
func cliProgress(verbose bool) hubsync.ProgressFunc {
	return func(ev hubsync.ProgressEvent) {
		switch ev.Event {
		case "scan_start":
			if ev.Revision != "" {
				fmt.Printf("Scanning %s@%s ...\n", ev.Repo, ev.Revision)
			} else {
				fmt.Printf("Scanning %s ...\n", ev.Repo)
			}
		case "retry":
			fmt.Printf("%s %s (attempt %d): %s\n", warnColor("retry"), ev.Path, ev.Attempt, ev.Message)
		case "file_start":
			fmt.Printf("downloading: %s (%d bytes)\n", ev.Path, ev.Total)
		case "upload_start":
			fmt.Printf("uploading: %s (%d bytes)\n", ev.Path, ev.Total)
		case "file_progress", "upload_progress":
			if verbose {
				fmt.Printf("  %s %s / %s\n", ev.Path, humanBytes(ev.Downloaded), humanBytes(ev.Total))
			}
		case "file_done", "upload_done":
			if strings.HasPrefix(ev.Message, "skip") {
				fmt.Printf("%s %s %s\n", skipColor("skip:"), ev.Path, ev.Message)
			} else {
				fmt.Printf("%s %s\n", okColor("done:"), ev.Path)
			}
		case "error":
			fmt.Fprintf(os.Stderr, "%s %s\n", errColor("error:"), ev.Message)
		case "done":
			fmt.Println(ev.Message)
		}
	}
}

// jsonProgress returns a JSON-lines progress handler.
func jsonProgress(w io.Writer) hubsync.ProgressFunc {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev hubsync.ProgressEvent) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit && exp < 6 {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
