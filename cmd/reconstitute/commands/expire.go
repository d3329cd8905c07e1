package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/opsstack/reconstitute/internal/config"
	"github.com/opsstack/reconstitute/pkg/errors"
	"github.com/opsstack/reconstitute/pkg/provider"
	"github.com/spf13/cobra"
)

var (
	expireDaysOld  int
	expireTagName  string
	expireTagValue string
)

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Delete tagged snapshots older than a cutoff",
	Long: `Deletes every snapshot owned by this account whose tag matches and whose
start time is older than the retention window.`,
	RunE: runExpire,
}

func init() {
	rootCmd.AddCommand(expireCmd)

	expireCmd.Flags().IntVar(&expireDaysOld, "days-old", 30, "Delete snapshots older than this many days")
	expireCmd.Flags().StringVar(&expireTagName, "tag-name", "", "Tag key to match snapshots on")
	expireCmd.Flags().StringVar(&expireTagValue, "tag-value", "", "Substring the tag value must contain")
	expireCmd.MarkFlagRequired("tag-name")
}

func runExpire(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	clients, err := provider.New(ctx, cfg.Region)
	if err != nil {
		return errors.Wrap(err, "AWS client failed")
	}

	cutoff := time.Now().AddDate(0, 0, -expireDaysOld)
	slog.Info("expire_started", "tag", expireTagName, "cutoff", cutoff.Format(time.RFC3339))

	filters := []ec2types.Filter{
		{Name: aws.String("tag-key"), Values: []string{expireTagName}},
	}
	if expireTagValue != "" {
		filters = []ec2types.Filter{
			{
				Name:   aws.String("tag:" + expireTagName),
				Values: []string{"*" + expireTagValue + "*"},
			},
		}
	}

	deleted := 0
	paginator := ec2.NewDescribeSnapshotsPaginator(clients.EC2, &ec2.DescribeSnapshotsInput{
		OwnerIds: []string{"self"},
		Filters:  filters,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return errors.Wrap(err, "snapshot search failed")
		}

		for _, snapshot := range page.Snapshots {
			if snapshot.StartTime == nil || !snapshot.StartTime.Before(cutoff) {
				continue
			}

			snapshotID := aws.ToString(snapshot.SnapshotId)
			_, err := clients.EC2.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{
				SnapshotId: aws.String(snapshotID),
			})
			if err != nil {
				// Snapshots backing registered AMIs can't be deleted;
				// log and keep sweeping.
				slog.Warn("snapshot_delete_failed", "snapshot_id", snapshotID, "error", err)
				continue
			}

			slog.Info("snapshot_deleted",
				"snapshot_id", snapshotID,
				"start_time", snapshot.StartTime.Format(time.RFC3339))
			deleted++
		}
	}

	slog.Info("expire_complete", "deleted_count", deleted)
	return nil
}
