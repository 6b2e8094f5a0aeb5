package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vmops/ovfdeploy/internal/config"
	"github.com/vmops/ovfdeploy/pkg/db"
	"github.com/vmops/ovfdeploy/pkg/deploy"
	"github.com/vmops/ovfdeploy/pkg/errors"
)

var (
	cleanupAll       bool
	cleanupID        string
	cleanupDownloads bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove deployment records and cached downloads",
	Long: `Clean up local state:
  --all          Remove all finished deployment records
  --id <id>      Remove one deployment record
  --downloads    Remove templates fetched from S3 and their cache records`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Remove all finished deployment records")
	cleanupCmd.Flags().StringVar(&cleanupID, "id", "", "Remove a specific deployment record")
	cleanupCmd.Flags().BoolVar(&cleanupDownloads, "downloads", false, "Remove cached downloads")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupAll && cleanupID == "" && !cleanupDownloads {
		return fmt.Errorf("must specify --all, --id, or --downloads")
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if cleanupID != "" {
		if err := cleanupDeployment(repo, cleanupID); err != nil {
			return err
		}
	}
	if cleanupAll {
		if err := cleanupAllDeployments(repo); err != nil {
			return err
		}
	}
	if cleanupDownloads {
		return cleanupCachedDownloads(repo, cfg)
	}
	return nil
}

func cleanupDeployment(repo *db.Repository, id string) error {
	d, err := repo.Get(id)
	if err != nil {
		return errors.Wrap(err, "lookup failed")
	}
	if d == nil {
		return errors.Newf(errors.KindNotFound, "deployment %s not found", id)
	}
	if !deploy.State(d.Status).Terminal() {
		return fmt.Errorf("deployment %s is still %s", id, d.Status)
	}

	if err := repo.Delete(id); err != nil {
		return errors.Wrap(err, "delete failed")
	}
	fmt.Printf("Removed deployment: %s\n", id)
	return nil
}

// cleanupAllDeployments skips deployments that have not reached a terminal state.
func cleanupAllDeployments(repo *db.Repository) error {
	deployments, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	removed := 0
	for _, d := range deployments {
		if !deploy.State(d.Status).Terminal() {
			fmt.Printf("Skipping in-flight deployment: %s (%s)\n", d.ID, d.Status)
			continue
		}
		if err := repo.Delete(d.ID); err != nil {
			fmt.Printf("Failed to remove %s: %v\n", d.ID, err)
			continue
		}
		removed++
	}

	fmt.Printf("Removed %d deployment records\n", removed)
	return nil
}

func cleanupCachedDownloads(repo *db.Repository, cfg *config.Config) error {
	downloads, err := repo.ListDownloads()
	if err != nil {
		return errors.Wrap(err, "list downloads failed")
	}

	removed := 0
	for _, d := range downloads {
		if err := os.Remove(d.LocalPath); err != nil && !os.IsNotExist(err) {
			fmt.Printf("Failed to remove %s: %v\n", d.LocalPath, err)
			continue
		}
		if err := repo.DeleteDownload(d.ID); err != nil {
			return errors.Wrap(err, "failed to update database")
		}
		fmt.Printf("Removed download: %s\n", d.URI)
		removed++
	}

	fmt.Printf("Cleaned %d downloads from %s\n", removed, cfg.WorkDir)
	return nil
}
