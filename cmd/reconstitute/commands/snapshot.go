package commands

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/opsstack/reconstitute/internal/config"
	"github.com/opsstack/reconstitute/pkg/errors"
	"github.com/opsstack/reconstitute/pkg/inventory"
	"github.com/opsstack/reconstitute/pkg/provider"
	"github.com/spf13/cobra"
)

var (
	snapshotInstanceTagName  string
	snapshotInstanceTagValue string
	snapshotGroup            string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Snapshot every EBS volume of tagged instances",
	Long: `Walks all instances carrying the marker tag and snapshots each of their
attached EBS volumes, tagging every snapshot with the provenance the recover
command needs later (original instance, attachment device, availability zone,
and snapshot group).`,
	RunE: runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().StringVar(&snapshotInstanceTagName, "instance-tag-name", "BackMeUp", "Tag key marking instances to snapshot")
	snapshotCmd.Flags().StringVar(&snapshotInstanceTagValue, "instance-tag-value", "Bulk Backup", "Tag value marking instances to snapshot")
	snapshotCmd.Flags().StringVar(&snapshotGroup, "snapshot-group", "Bulk", "Group name stamped onto every snapshot")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	clients, err := provider.New(ctx, cfg.Region)
	if err != nil {
		return errors.Wrap(err, "AWS client failed")
	}

	creator, err := callerName(ctx, clients.STS)
	if err != nil {
		return err
	}

	date := time.Now().Format("2006-01-02")
	total := 0

	paginator := ec2.NewDescribeInstancesPaginator(clients.EC2, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{
				Name:   aws.String("tag:" + snapshotInstanceTagName),
				Values: []string{snapshotInstanceTagValue},
			},
		},
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return errors.Wrap(err, "instance search failed")
		}

		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				count, err := snapshotInstance(ctx, clients.EC2, instance, creator, date)
				if err != nil {
					return err
				}
				total += count
			}
		}
	}

	slog.Info("bulk_snapshot_complete", "snapshot_count", total, "group", snapshotGroup)
	return nil
}

func snapshotInstance(ctx context.Context, api *ec2.Client, instance ec2types.Instance, creator, date string) (int, error) {
	instanceID := aws.ToString(instance.InstanceId)

	var zone string
	if instance.Placement != nil {
		zone = aws.ToString(instance.Placement.AvailabilityZone)
	}

	count := 0
	for _, mapping := range instance.BlockDeviceMappings {
		if mapping.Ebs == nil {
			continue
		}
		device := aws.ToString(mapping.DeviceName)
		volumeID := aws.ToString(mapping.Ebs.VolumeId)

		out, err := api.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
			VolumeId:    aws.String(volumeID),
			Description: aws.String(instanceID + "-BulkSnap-" + date),
			TagSpecifications: []ec2types.TagSpecification{
				{
					ResourceType: ec2types.ResourceTypeSnapshot,
					Tags: []ec2types.Tag{
						{Key: aws.String("Created By"), Value: aws.String(creator)},
						{Key: aws.String("Name"), Value: aws.String(instanceID + " " + device)},
						{Key: aws.String(inventory.DefaultDeviceTag), Value: aws.String(device)},
						{Key: aws.String(inventory.ZoneTag), Value: aws.String(zone)},
						{Key: aws.String(inventory.DefaultInstanceTag), Value: aws.String(instanceID)},
						{Key: aws.String(inventory.DefaultGroupTag), Value: aws.String(snapshotGroup)},
					},
				},
			},
		})
		if err != nil {
			return count, errors.Wrap(err, "snapshot of "+volumeID+" failed")
		}

		slog.Info("snapshot_created",
			"snapshot_id", aws.ToString(out.SnapshotId),
			"instance_id", instanceID,
			"device", device,
			"volume_id", volumeID)
		count++
	}

	return count, nil
}

// callerName resolves the current credentials to a short identity name for
// the Created By tag.
func callerName(ctx context.Context, api *sts.Client) (string, error) {
	out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", errors.Wrap(err, "caller identity lookup failed")
	}

	arn := aws.ToString(out.Arn)
	parts := strings.SplitN(arn, ":", 6)
	return parts[len(parts)-1], nil
}
