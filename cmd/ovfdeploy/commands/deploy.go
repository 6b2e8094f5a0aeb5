package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/vmops/ovfdeploy/internal/config"
	"github.com/vmops/ovfdeploy/pkg/db"
	"github.com/vmops/ovfdeploy/pkg/deploy"
	"github.com/vmops/ovfdeploy/pkg/errors"
	appfsm "github.com/vmops/ovfdeploy/pkg/fsm"
	"github.com/vmops/ovfdeploy/pkg/storage"
	"github.com/vmops/ovfdeploy/pkg/transfer"
	"github.com/vmops/ovfdeploy/pkg/vsphere"
)

var (
	deployParamsFile string
	deployName       string
	deployNetworks   []string
	deployProperties []string
	deployPlacement  deploy.Placement
	deployParallel   bool
	deployDirect     bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <template>",
	Short: "Deploy an OVF/OVA template",
	Long: `Deploy a template to vCenter. The template is a local .ovf or .ova path or an
s3://bucket/key URI. Settings come from --params and are overridden by flags.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().StringVar(&deployParamsFile, "params", "", "YAML file with deployment params and placement")
	deployCmd.Flags().StringVar(&deployName, "name", "", "Name of the deployed VM")
	deployCmd.Flags().StringArrayVar(&deployNetworks, "network", nil, "Network mapping descriptor-network=target-network (repeatable)")
	deployCmd.Flags().StringArrayVar(&deployProperties, "property", nil, "OVF property key=value (repeatable)")
	deployCmd.Flags().StringVar(&deployPlacement.ResourcePool, "pool", "", "Resource pool")
	deployCmd.Flags().StringVar(&deployPlacement.Cluster, "cluster", "", "Cluster")
	deployCmd.Flags().StringVar(&deployPlacement.Host, "host", "", "Host")
	deployCmd.Flags().StringVar(&deployPlacement.Datastore, "datastore", "", "Datastore")
	deployCmd.Flags().StringVar(&deployPlacement.Folder, "folder", "", "VM folder")
	deployCmd.Flags().BoolVar(&deployParallel, "parallel", false, "Upload disks concurrently")
	deployCmd.Flags().BoolVar(&deployDirect, "direct", false, "Run in-process without the persistent workflow")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	if err := cfg.ValidateEndpoint(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	req, err := buildRequest(cmd, args[0], cfg)
	if err != nil {
		return err
	}

	if storage.IsURI(req.Template) {
		local, err := fetchTemplate(ctx, cfg, repo, req.Template)
		if err != nil {
			return errors.Wrap(err, "template fetch failed")
		}
		req.Template = local
	}

	datacenter := req.Placement.Datacenter
	if datacenter == "" {
		datacenter = cfg.Datacenter
	}
	client, err := vsphere.Connect(ctx, vsphere.ConnectOptions{
		URL:        cfg.VCenterURL,
		Username:   cfg.VCenterUsername,
		Password:   cfg.VCenterPassword,
		Insecure:   cfg.Insecure,
		Datacenter: datacenter,
	})
	if err != nil {
		return err
	}
	defer client.Logout(context.Background())

	opts := deploy.Options{
		Workers:          cfg.Workers,
		Lease:            deploy.LeaseOptions{PollInterval: cfg.PollInterval, Timeout: cfg.LeaseTimeout},
		ProgressInterval: cfg.ProgressInterval,
		MaxDiskSize:      cfg.MaxDiskSize,
		MaxTotalSize:     cfg.MaxTotalSize,
	}
	uploader := transfer.NewSoapUploader(client.SOAPClient())

	if deployDirect {
		opts.Hooks = recordingHooks(repo, req)
		err = runDirect(ctx, repo, deploy.NewCoordinator(client, client, uploader, opts), req)
	} else {
		err = runWorkflow(ctx, cfg, repo, deploy.NewCoordinator(client, client, uploader, opts), req)
	}

	if record, gerr := repo.Get(req.ID); gerr == nil && record != nil {
		printDeployment(record)
	}
	return err
}

// buildRequest merges the params file with flag overrides.
func buildRequest(cmd *cobra.Command, tmpl string, cfg *config.Config) (deploy.Request, error) {
	req := deploy.Request{
		ID:       uuid.NewString(),
		Template: tmpl,
		Parallel: cfg.Parallel,
	}

	if deployParamsFile != "" {
		params, placement, err := deploy.LoadParams(deployParamsFile)
		if err != nil {
			return req, err
		}
		req.Params = params
		req.Placement = placement
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		req.Params.VMName = deployName
	}
	if req.Params.VMName == "" {
		req.Params.VMName = templateBaseName(tmpl)
	}
	if flags.Changed("parallel") {
		req.Parallel = deployParallel
	}

	networks, err := parseKeyValues(deployNetworks)
	if err != nil {
		return req, errors.Wrap(err, "invalid --network")
	}
	properties, err := parseKeyValues(deployProperties)
	if err != nil {
		return req, errors.Wrap(err, "invalid --property")
	}
	req.Params.NetworkMap = mergeMaps(req.Params.NetworkMap, networks)
	req.Params.PropertyMap = mergeMaps(req.Params.PropertyMap, properties)

	overrides := []struct {
		flag     string
		dst, src *string
	}{
		{"pool", &req.Placement.ResourcePool, &deployPlacement.ResourcePool},
		{"cluster", &req.Placement.Cluster, &deployPlacement.Cluster},
		{"host", &req.Placement.Host, &deployPlacement.Host},
		{"datastore", &req.Placement.Datastore, &deployPlacement.Datastore},
		{"folder", &req.Placement.Folder, &deployPlacement.Folder},
	}
	for _, o := range overrides {
		if flags.Changed(o.flag) {
			*o.dst = *o.src
		}
	}

	return req, req.Params.Validate()
}

func fetchTemplate(ctx context.Context, cfg *config.Config, repo *db.Repository, uri string) (string, error) {
	client, err := storage.NewClient(ctx, cfg.S3Region, cfg.S3Anonymous)
	if err != nil {
		return "", err
	}
	fetcher := storage.NewFetcher(client, repo, filepath.Join(cfg.WorkDir, "downloads"))
	return fetcher.Fetch(ctx, uri)
}

// recordingHooks mirrors coordinator state changes into the deployment record.
func recordingHooks(repo *db.Repository, req deploy.Request) deploy.Hooks {
	return deploy.Hooks{OnState: func(id string, state deploy.State, err error) {
		if state == deploy.StateNegotiating {
			if cerr := repo.Create(&db.Deployment{
				ID:       id,
				VMName:   req.Params.VMName,
				Template: req.Template,
				Status:   db.StatusNegotiating,
			}); cerr != nil {
				slog.Error("deployment_record_failed", "id", id, "error", cerr)
			}
			return
		}

		var kind, msg string
		if err != nil {
			kind, msg = string(errors.KindOf(err)), err.Error()
		}
		if uerr := repo.UpdateStatus(id, string(state), kind, msg); uerr != nil {
			slog.Error("deployment_record_failed", "id", id, "state", string(state), "error", uerr)
		}
	}}
}

func runDirect(ctx context.Context, repo *db.Repository, coordinator *deploy.Coordinator, req deploy.Request) error {
	res, err := coordinator.Deploy(ctx, req)
	if res != nil {
		recordResult(repo, res)
	}
	return err
}

// recordResult stores the lease and byte counts of a direct deployment. Failures are
// logged; the deployment outcome is already decided.
func recordResult(repo *db.Repository, res *deploy.Result) {
	if res.Transaction != nil {
		if err := repo.UpdateLease(res.ID, res.Transaction.Lease.String()); err != nil {
			slog.Error("lease_update_failed", "id", res.ID, "error", err)
		}
	}
	if err := repo.UpdateProgress(res.ID, res.TotalBytes, res.TransferredBytes); err != nil {
		slog.Error("progress_update_failed", "id", res.ID, "error", err)
	}
}

func runWorkflow(ctx context.Context, cfg *config.Config, repo *db.Repository, coordinator *deploy.Coordinator, req deploy.Request) error {
	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(repo, coordinator)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	resp := &appfsm.DeploymentResponse{}
	version, err := start(ctx, req.ID, fsm.NewRequest(&req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm_started", "id", req.ID, "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "deployment failed")
	}
	return nil
}
