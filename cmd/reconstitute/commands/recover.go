package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsstack/reconstitute/internal/config"
	"github.com/opsstack/reconstitute/pkg/errors"
	"github.com/opsstack/reconstitute/pkg/inventory"
	"github.com/opsstack/reconstitute/pkg/journal"
	"github.com/opsstack/reconstitute/pkg/orchestrate"
	"github.com/opsstack/reconstitute/pkg/provider"
	"github.com/opsstack/reconstitute/pkg/rebuild"
	"github.com/opsstack/reconstitute/pkg/userdata"
	"github.com/opsstack/reconstitute/pkg/validate"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover an instance from a tagged snapshot group",
	Long: `Discovers snapshots by tag, rebuilds volumes from them, launches a
replacement instance, swaps out its default root volume, and attaches the
rebuilt volumes at their original device paths.`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)

	recoverCmd.Flags().StringP("recovery-ami", "a", "", "AMI ID to launch recovery-instance from")
	recoverCmd.Flags().StringP("ebs-type", "e", "gp2", "Type of EBS volume to create from snapshots")
	recoverCmd.Flags().Int32P("iops-ratio", "i", 0, "Provisioned IOPS as a GiB:IOPS ratio (mandatory for io1; ignored for gp2)")
	recoverCmd.Flags().StringP("provisioning-key", "k", "", "SSH key to provision recovery-instance with")
	recoverCmd.Flags().StringP("recovery-name", "n", "", "Name to assign to recovery-instance")
	recoverCmd.Flags().BoolP("power-on", "P", false, "Power on the recovered instance")
	recoverCmd.Flags().StringP("root-snapid", "r", "", "Snapshot ID of original root EBS (accepted; not yet implemented)")
	recoverCmd.Flags().StringP("search-string", "S", "", "Tag value identifying the snapshot group")
	recoverCmd.Flags().StringP("deployment-subnet", "s", "", "Subnet ID to deploy recovery-instance into")
	recoverCmd.Flags().StringP("instance-type", "t", "t3.large", "Instance type for recovery-instance")
	recoverCmd.Flags().StringP("user-data-file", "U", "", "Inject userData from a local file or s3:// URI")
	recoverCmd.Flags().BoolP("user-data-clone", "u", false, "Clone userData from the source instance")
	recoverCmd.Flags().StringP("access-groups", "x", "", "Comma-separated security groups to assign")
	recoverCmd.Flags().String("alt-search-tag", "Snapshot Group", "Snapshot tag used to find grouped snapshots")
	recoverCmd.Flags().String("alt-ec2-tag", "Original Instance", "Snapshot tag carrying the original instance ID")
	recoverCmd.Flags().String("alt-device-tag", "Original Attachment", "Snapshot tag carrying the original attachment device")

	for _, name := range []string{
		"recovery-ami", "ebs-type", "iops-ratio", "provisioning-key",
		"recovery-name", "power-on", "root-snapid", "search-string",
		"deployment-subnet", "instance-type", "user-data-file",
		"user-data-clone", "access-groups", "alt-search-tag",
		"alt-ec2-tag", "alt-device-tag",
	} {
		viper.BindPFlag(name, recoverCmd.Flags().Lookup(name))
	}
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.JournalPath, cfg.FSMDBPath); err != nil {
		return err
	}

	clients, err := provider.New(ctx, cfg.Region)
	if err != nil {
		return errors.Wrap(err, "AWS client failed")
	}
	ec2Client := clients.EC2

	// Test payload access early so a typo doesn't surface after resources
	// have already been provisioned.
	var payload []byte
	if cfg.UserDataFile != "" {
		payload, err = userdata.Load(ctx, clients.S3, cfg.UserDataFile)
		if err != nil {
			return err
		}
	}

	// Validators run before any mutating call.
	if err := validate.Image(ctx, ec2Client, cfg.RecoveryAMI); err != nil {
		return err
	}
	subnetZone, err := validate.SubnetZone(ctx, ec2Client, cfg.DeploymentSubnet)
	if err != nil {
		return err
	}
	var groups []string
	if cfg.AccessGroups != "" {
		groups, err = validate.SecurityGroups(ctx, ec2Client, cfg.AccessGroups)
		if err != nil {
			return err
		}
	}
	if cfg.ProvisioningKey != "" {
		if err := validate.KeyPair(ctx, ec2Client, cfg.ProvisioningKey); err != nil {
			return err
		}
	}

	if cfg.RootSnapshotID != "" {
		slog.Warn("root_snapid_not_implemented", "root_snapid", cfg.RootSnapshotID)
	}

	attribs, err := inventory.Fetch(ctx, ec2Client, cfg.SearchTag, cfg.SearchString)
	if err != nil {
		return err
	}

	buildZone, err := attribs.BuildZone(subnetZone)
	if err != nil {
		return err
	}
	slog.Info("build_zone_selected", "zone", buildZone)

	var cloneSource string
	if cfg.UserDataClone {
		cloneSource, err = attribs.SourceInstance(cfg.InstanceTag)
		if err != nil {
			return errors.Wrap(err, "unable to determine source instance for userData clone")
		}
	}

	repo, err := journal.NewRepository(cfg.JournalPath)
	if err != nil {
		return errors.Wrap(err, "journal init failed")
	}
	defer repo.Close()

	run := &journal.Run{
		SearchTag:   cfg.SearchTag,
		SearchValue: cfg.SearchString,
		BuildZone:   buildZone,
		Status:      journal.StatusPending,
	}
	if err := repo.CreateRun(run); err != nil {
		return errors.Wrap(err, "journal run failed")
	}

	volumes, rebuildErr := rebuild.Rebuild(ctx, ec2Client, rebuild.Options{
		Zone:        buildZone,
		Kind:        cfg.EBSType,
		IopsRatio:   cfg.IopsRatio,
		InstanceTag: cfg.InstanceTag,
		DeviceTag:   cfg.DeviceTag,
	}, attribs)

	// Record whatever was created, even on the failure path: these are the
	// resources the operator has to clean up by hand.
	for _, volume := range volumes {
		_ = repo.AddVolume(&journal.RunVolume{
			RunID:      run.ID,
			VolumeID:   volume.ID,
			SnapshotID: volume.SnapshotID,
			Device:     volume.Device,
		})
	}
	if rebuildErr != nil {
		failRun(repo, run, rebuildErr)
		return errors.Wrap(rebuildErr, "volume reconstruction failed")
	}

	label := cfg.RecoveryName
	if label == "" {
		label = cfg.SearchString + "-recovery"
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := orchestrate.NewMachine(ec2Client, repo, run, cfg.PollInterval, cfg.MaxPollAttempts, cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &orchestrate.RecoveryRequest{
		SearchValue:    cfg.SearchString,
		ImageID:        cfg.RecoveryAMI,
		InstanceType:   cfg.InstanceType,
		KeyName:        cfg.ProvisioningKey,
		SubnetID:       cfg.DeploymentSubnet,
		Zone:           buildZone,
		Label:          label,
		Volumes:        volumes,
		SecurityGroups: groups,
		UserData:       payload,
		CloneSource:    cloneSource,
		PowerOn:        cfg.PowerOn,
	}
	resp := &orchestrate.RecoveryResponse{}

	version, err := start(ctx, cfg.SearchString, fsm.NewRequest(req, resp))
	if err != nil {
		failRun(repo, run, err)
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm_started", "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		failRun(repo, run, err)
		return errors.Wrap(err, "recovery failed")
	}

	slog.Info("recovery_complete",
		"instance_id", resp.InstanceID,
		"status", resp.Status,
		"attached_count", resp.AttachedCount,
		"private_dns", resp.PrivateDNSName,
		"private_ip", resp.PrivateIP)

	return nil
}

// failRun marks the journal run failed; journal errors are not allowed to
// mask the original failure.
func failRun(repo *journal.Repository, run *journal.Run, cause error) {
	run.Status = journal.StatusFailed
	run.ErrorMessage = cause.Error()
	_ = repo.UpdateRun(run)
}
