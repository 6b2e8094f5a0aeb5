package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vmops/ovfdeploy/internal/config"
	"github.com/vmops/ovfdeploy/pkg/db"
	"github.com/vmops/ovfdeploy/pkg/errors"
)

var listDownloads bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listDownloads, "downloads", false, "List cached S3 downloads instead")
}

func runList(cmd *cobra.Command, args []string) error {
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

	if listDownloads {
		return printDownloads(repo)
	}

	deployments, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(deployments) == 0 {
		fmt.Println("No deployments found")
		return nil
	}

	fmt.Printf("%-36s %-20s %-15s %-18s %-20s\n", "ID", "VM", "STATUS", "ERROR", "PROGRESS")
	fmt.Println("--------------------------------------------------------------------------------------------------------------")

	for _, d := range deployments {
		progress := "-"
		if d.TotalBytes > 0 {
			progress = fmt.Sprintf("%d%% of %d", d.TransferredBytes*100/d.TotalBytes, d.TotalBytes)
		}
		fmt.Printf("%-36s %-20s %-15s %-18s %-20s\n",
			d.ID, d.VMName, d.Status, orDash(d.ErrorKind), progress)
	}

	return nil
}

func printDownloads(repo *db.Repository) error {
	downloads, err := repo.ListDownloads()
	if err != nil {
		return errors.Wrap(err, "list downloads failed")
	}

	if len(downloads) == 0 {
		fmt.Println("No downloads found")
		return nil
	}

	fmt.Printf("%-50s %-12s %-40s\n", "URI", "SIZE", "LOCAL PATH")
	for _, d := range downloads {
		fmt.Printf("%-50s %-12d %-40s\n", d.URI, d.Size, d.LocalPath)
	}
	return nil
}
