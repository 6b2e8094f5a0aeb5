package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vmops/ovfdeploy/internal/config"
	"github.com/vmops/ovfdeploy/pkg/errors"
	"github.com/vmops/ovfdeploy/pkg/storage"
)

var templatesCmd = &cobra.Command{
	Use:   "templates <s3://bucket[/prefix]>",
	Short: "List OVF/OVA templates stored under an S3 prefix",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplates,
}

func init() {
	rootCmd.AddCommand(templatesCmd)
}

func runTemplates(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if !storage.IsURI(args[0]) {
		return errors.Newf(errors.KindNotReadable, "%q is not an s3:// uri", args[0])
	}
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(args[0], "s3://"), "/")
	if bucket == "" {
		return errors.Newf(errors.KindNotReadable, "%q does not name a bucket", args[0])
	}

	ctx := context.Background()
	client, err := storage.NewClient(ctx, cfg.S3Region, cfg.S3Anonymous)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	templates, err := client.ListTemplates(ctx, bucket, prefix)
	if err != nil {
		return errors.Wrap(err, "list templates failed")
	}

	if len(templates) == 0 {
		fmt.Println("No templates found")
		return nil
	}
	for _, t := range templates {
		fmt.Println(t.String())
	}
	return nil
}
