// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubsync/hubsync/internal/hashutil"
	"github.com/hubsync/hubsync/pkg/hubcache"
	"github.com/hubsync/hubsync/pkg/hubsync"
)

func newCacheCmd(ro *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the local cache",
	}

	cmd.PersistentFlags().StringP("cache-dir", "o", hubsync.DefaultSettings().CacheDir, "Cache root directory")

	cmd.AddCommand(newCacheLsCmd(ro))
	cmd.AddCommand(newCacheVerifyCmd(ro))
	cmd.AddCommand(newCacheEvictCmd(ro))
	cmd.AddCommand(newCacheRmCmd(ro))

	return cmd
}

// cacheRoot resolves the cache directory for a cache subcommand: the flag
// when set, else the config file's cache-dir, else the built-in default.
func cacheRoot(cmd *cobra.Command, ro *RootOpts) string {
	dir, _ := cmd.Flags().GetString("cache-dir")
	if cmd.Flags().Changed("cache-dir") {
		return dir
	}
	if cfg, err := loadConfigMap(ro.Config); err == nil && cfg != nil {
		if v, ok := cfg["cache-dir"]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return dir
}

func newCacheLsCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List cached files",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := hubcache.Open(cacheRoot(cmd, ro))
			if err != nil {
				return err
			}
			entries, err := store.Entries()
			if err != nil {
				return err
			}
			sort.Slice(entries, func(i, j int) bool {
				a, b := entries[i], entries[j]
				if a.Repo.CacheDir() != b.Repo.CacheDir() {
					return a.Repo.CacheDir() < b.Repo.CacheDir()
				}
				if a.Revision != b.Revision {
					return a.Revision < b.Revision
				}
				return a.Path < b.Path
			})

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			var total int64
			for _, e := range entries {
				age := time.Since(e.AccessedAt).Round(time.Minute)
				fmt.Printf("%-40s %-12s %-50s %10s  %s ago\n",
					e.Repo.String(), e.Revision, e.Path, humanBytes(e.Size), age)
				total += e.Size
			}
			fmt.Printf("%d files, %s in %s\n", len(entries), humanBytes(total), store.Root())
			return nil
		},
	}
}

func newCacheVerifyCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every cached file against its checksum sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := hubcache.Open(cacheRoot(cmd, ro))
			if err != nil {
				return err
			}
			report, err := store.VerifyAll()
			if err != nil {
				return err
			}

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				for _, c := range report.Corrupted {
					fmt.Printf("%s %s@%s %s (want %s, got %s)\n",
						errColor("corrupt:"), c.Entry.Repo.ID(), c.Entry.Revision, c.Entry.Path,
						hashutil.Short(c.Expected, 12), hashutil.Short(c.Actual, 12))
				}
				fmt.Printf("%d valid, %d corrupted, %d unchecked\n",
					len(report.Valid), len(report.Corrupted), len(report.Unchecked))
			}

			if !report.OK() {
				return fmt.Errorf("%d corrupted entries (evict and re-download to repair)", len(report.Corrupted))
			}
			return nil
		},
	}
}

func newCacheEvictCmd(ro *RootOpts) *cobra.Command {
	var (
		maxSize string
		maxAge  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove cached files beyond the size or age bound",
		Long: `Removes least-recently-used files until the cache fits under --max-size,
and any file last used longer than --max-age ago. With neither bound set,
nothing is removed.

Example:
  hubsync cache evict --max-size 50GiB
  hubsync cache evict --max-age 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := hubcache.RetentionPolicy{MaxAge: maxAge}
			if maxSize != "" {
				n, err := hubsync.ParseSize(maxSize)
				if err != nil {
					return fmt.Errorf("invalid max-size: %w", err)
				}
				policy.MaxTotalSize = n
			}
			if policy.MaxTotalSize == 0 && policy.MaxAge == 0 {
				return fmt.Errorf("nothing to do: set --max-size and/or --max-age")
			}

			store, err := hubcache.Open(cacheRoot(cmd, ro))
			if err != nil {
				return err
			}
			removed, err := store.Evict(policy)
			if err != nil {
				return err
			}

			var freed int64
			for _, e := range removed {
				freed += e.Size
				if !ro.Quiet {
					fmt.Printf("evicted: %s@%s %s (%s)\n", e.Repo.ID(), e.Revision, e.Path, humanBytes(e.Size))
				}
			}
			fmt.Printf("evicted %d files, freed %s\n", len(removed), humanBytes(freed))
			return nil
		},
	}

	cmd.Flags().StringVar(&maxSize, "max-size", "", "Target total cache size (e.g. 50GiB)")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Remove files not used within this duration (e.g. 720h)")

	return cmd
}

func newCacheRmCmd(ro *RootOpts) *cobra.Command {
	var isDataset bool

	cmd := &cobra.Command{
		Use:   "rm REPO",
		Short: "Remove every cached file of one repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := hubcache.KindModel
			if isDataset {
				kind = hubcache.KindDataset
			}
			repo, err := hubcache.ParseRepo(args[0], kind)
			if err != nil {
				return err
			}

			store, err := hubcache.Open(cacheRoot(cmd, ro))
			if err != nil {
				return err
			}
			scopeDir := filepath.Join(store.Root(), repo.CacheDir())
			if _, err := os.Stat(scopeDir); os.IsNotExist(err) {
				fmt.Printf("nothing cached for %s\n", repo.String())
				return nil
			}
			if err := store.ClearScope(repo); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", scopeDir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&isDataset, "dataset", false, "Treat repo as a dataset")

	return cmd
}
