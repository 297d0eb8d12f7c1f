package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/strandchain/pvfhost/internal/artifacts"
	"github.com/strandchain/pvfhost/pkg/models"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the artifact cache",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache contents and sizes",
	RunE:  runCacheStatus,
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove all cached artifacts and tombstones",
	RunE:  runCachePurge,
}

func init() {
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
}

func runCacheStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	idx, err := artifacts.OpenIndex(cfg.CacheDir())
	if err != nil {
		return fmt.Errorf("open cache index: %w", err)
	}
	defer idx.Close()

	records, err := idx.List()
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("Cache is empty.")
		return nil
	}

	var ready, tombstones int
	var readyBytes int64
	for _, a := range records {
		switch a.State {
		case models.ArtifactStateReady:
			ready++
			readyBytes += a.SizeBytes
		case models.ArtifactStateFailedPermanent:
			tombstones++
		}
		fmt.Printf("%s  %-16s  %10d bytes  last used %s\n",
			a.Identity.Short(), a.State, a.SizeBytes, a.LastUsedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("\n%d ready (%d bytes), %d tombstones, %d total entries\n",
		ready, readyBytes, tombstones, len(records))
	return nil
}

func runCachePurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.CacheDir()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		fmt.Println("Cache is empty.")
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge cache: %w", err)
	}
	fmt.Printf("Purged %s\n", dir)
	return nil
}
