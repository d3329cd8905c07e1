// Package rebuild reconstitutes EBS volumes from a snapshot group. One
// volume is created per snapshot, in the chosen build zone, tagged with
// the provenance carried on its source snapshot.
package rebuild

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/opsstack/reconstitute/pkg/errors"
	"github.com/opsstack/reconstitute/pkg/inventory"
	"github.com/opsstack/reconstitute/pkg/validate"
)

// Supported volume kinds.
const (
	KindGP2 = "gp2"
	KindIO1 = "io1"
)

// VolumeAPI is the EC2 surface the reconstructor uses.
type VolumeAPI interface {
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
}

// Volume is one reconstituted volume with the provenance needed to attach
// it at its original device path.
type Volume struct {
	ID             string
	SnapshotID     string
	Device         string
	SourceInstance string
	Zone           string
}

// Options configure a rebuild batch.
type Options struct {
	Zone        string
	Kind        string // gp2 or io1
	IopsRatio   int32  // per-GiB, io1 only
	InstanceTag string // tag name carrying the source instance id
	DeviceTag   string // tag name carrying the original device path
}

// Rebuild creates one volume per snapshot attribute record. Any failure
// aborts the batch immediately; volumes already created are left behind
// for manual cleanup.
func Rebuild(ctx context.Context, api VolumeAPI, opts Options, attribs inventory.SnapshotAttributes) ([]Volume, error) {
	if opts.Kind != KindGP2 && opts.Kind != KindIO1 {
		return nil, fmt.Errorf("requested volume type %q not currently supported", opts.Kind)
	}

	slog.Info("rebuild_start", "zone", opts.Zone, "volume_kind", opts.Kind, "snapshot_count", len(attribs))

	volumes := make([]Volume, 0, len(attribs))
	for snapshotID, record := range attribs {
		sourceInstance, ok := record.Tags[opts.InstanceTag]
		if !ok {
			return volumes, fmt.Errorf("snapshot %s has no %q tag", snapshotID, opts.InstanceTag)
		}
		device, ok := record.Tags[opts.DeviceTag]
		if !ok {
			return volumes, fmt.Errorf("snapshot %s has no %q tag", snapshotID, opts.DeviceTag)
		}

		input := &ec2.CreateVolumeInput{
			AvailabilityZone: aws.String(opts.Zone),
			SnapshotId:       aws.String(snapshotID),
			VolumeType:       ec2types.VolumeType(opts.Kind),
			TagSpecifications: []ec2types.TagSpecification{
				{
					ResourceType: ec2types.ResourceTypeVolume,
					Tags: []ec2types.Tag{
						{Key: aws.String(opts.InstanceTag), Value: aws.String(sourceInstance)},
						{Key: aws.String(opts.DeviceTag), Value: aws.String(device)},
					},
				},
			},
		}

		if opts.Kind == KindIO1 {
			iops, err := validate.ProvisionedIops(record.SizeGiB, opts.IopsRatio)
			if err != nil {
				slog.Error("rebuild_iops_invalid", "snapshot_id", snapshotID, "size_gib", record.SizeGiB, "error", err)
				return volumes, errors.Wrap(err, fmt.Sprintf("snapshot %s", snapshotID))
			}
			input.Iops = aws.Int32(iops)
		}

		slog.Info("volume_create_start", "snapshot_id", snapshotID, "volume_kind", opts.Kind, "device", device)

		out, err := api.CreateVolume(ctx, input)
		if err != nil {
			slog.Error("volume_create_failed", "snapshot_id", snapshotID, "error", err)
			return volumes, errors.Wrap(err, fmt.Sprintf("failed to create volume from %s", snapshotID))
		}

		volume := Volume{
			ID:             aws.ToString(out.VolumeId),
			SnapshotID:     snapshotID,
			Device:         device,
			SourceInstance: sourceInstance,
			Zone:           opts.Zone,
		}
		volumes = append(volumes, volume)

		slog.Info("volume_create_complete", "snapshot_id", snapshotID, "volume_id", volume.ID, "device", device)
	}

	slog.Info("rebuild_complete", "volume_count", len(volumes))
	return volumes, nil
}
