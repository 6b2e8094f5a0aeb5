package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vmops/ovfdeploy/internal/config"
	"github.com/vmops/ovfdeploy/pkg/errors"
	"github.com/vmops/ovfdeploy/pkg/security"
	"github.com/vmops/ovfdeploy/pkg/template"
)

var inspectDescriptor bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <template>",
	Short: "Show the format and files of a local OVF/OVA template",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectDescriptor, "descriptor", false, "Print the descriptor text")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	pkg, err := template.Open(args[0], template.WithValidator(security.NewValidator(cfg.MaxDiskSize, cfg.MaxTotalSize)))
	if err != nil {
		return err
	}
	defer pkg.Close()

	descriptor, err := pkg.Descriptor()
	if err != nil {
		return err
	}

	entries, err := pkg.Entries()
	if err != nil {
		return err
	}

	fmt.Printf("Template:   %s\n", pkg.Path)
	fmt.Printf("Format:     %s\n", pkg.Format)
	fmt.Printf("Descriptor: %d bytes\n\n", len(descriptor))

	fmt.Printf("%-40s %-12s %-14s\n", "NAME", "KIND", "SIZE")
	for _, e := range entries {
		size := fmt.Sprintf("%d", e.Size)
		if e.Missing {
			size = "missing"
		}
		fmt.Printf("%-40s %-12s %-14s\n", e.Name, e.Kind, size)
	}

	if inspectDescriptor {
		fmt.Println()
		fmt.Println(descriptor)
	}
	return nil
}
