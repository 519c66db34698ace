// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hubsync/hubsync/internal/tui"
	"github.com/hubsync/hubsync/pkg/hubsync"
)

func newUploadCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	job := &hubsync.Job{}
	defaults := hubsync.DefaultSettings()
	cfg := &defaults

	cmd := &cobra.Command{
		Use:   "upload REPO FOLDER",
		Short: "Upload a local folder's large files to a repository's LFS store",
		Long: `Walks FOLDER and pushes every file at or above the LFS threshold through
the repository's LFS batch endpoint. Content the server already has is
skipped; smaller files are reported as inline (they travel with a commit,
which this command does not create).

Example:
  hubsync upload acme/widget ./checkpoints
  hubsync upload acme/corpus ./data --dataset --lfs-threshold 1MiB`,
		Args: cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			job.Repo = args[0]
			folder := args[1]

			finalJob, finalCfg, err := finalize(ro, nil, job, cfg)
			if err != nil {
				return err
			}

			st, err := os.Stat(folder)
			if err != nil {
				return err
			}
			if !st.IsDir() {
				return fmt.Errorf("%s is not a directory", folder)
			}

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

			report, err := hubsync.UploadFolder(ctx, finalJob, folder, finalCfg, progress)
			if ro.JSONOut && report != nil {
				enc := json.NewEncoder(os.Stdout)
				_ = enc.Encode(report)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&job.IsDataset, "dataset", false, "Treat repo as a dataset")
	cmd.Flags().StringVar(&cfg.Endpoint, "endpoint", "", "Hub base URL (also reads HUB_ENDPOINT env)")
	cmd.Flags().StringVar(&cfg.LFSThreshold, "lfs-threshold", cfg.LFSThreshold, "Files at or above this size go through LFS")
	cmd.Flags().IntVar(&cfg.UploadConcurrency, "upload-concurrency", cfg.UploadConcurrency, "Maximum number of objects uploading at once")
	cmd.Flags().IntVar(&cfg.Retries, "retries", cfg.Retries, "Max retry attempts per HTTP request")
	cmd.Flags().StringVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "Initial retry backoff duration")
	cmd.Flags().StringVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum retry backoff duration")

	return cmd
}
