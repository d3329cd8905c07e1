// Package inventory discovers the snapshot group to recover from and
// flattens each snapshot's tag set into an attribute record.
package inventory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Well-known provenance tag names. The grouping, instance, and device tags
// can all be overridden by the operator; these are only the defaults.
const (
	DefaultGroupTag    = "Snapshot Group"
	DefaultInstanceTag = "Original Instance"
	DefaultDeviceTag   = "Original Attachment"
	ZoneTag            = "Original AZ"
)

// SnapshotAPI is the EC2 surface the inventory queries.
type SnapshotAPI interface {
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
}

// Attributes is one snapshot's flattened tag set plus its size.
type Attributes struct {
	SizeGiB int32
	Tags    map[string]string
}

// SnapshotAttributes maps snapshot id to its attribute record. Populated
// once and read-only afterward.
type SnapshotAttributes map[string]Attributes

// Fetch queries snapshots whose tag tagName equals tagValue. An empty
// result set is a hard failure: there is nothing to recover.
func Fetch(ctx context.Context, api SnapshotAPI, tagName, tagValue string) (SnapshotAttributes, error) {
	slog.Info("snapshot_search", "tag_name", tagName, "tag_value", tagValue)

	out, err := api.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + tagName), Values: []string{tagValue}},
		},
	})
	if err != nil {
		slog.Error("snapshot_search_failed", "tag_name", tagName, "tag_value", tagValue, "error", err)
		return nil, fmt.Errorf("snapshot query failed: %w", err)
	}

	if len(out.Snapshots) == 0 {
		slog.Error("snapshot_search_empty", "tag_name", tagName, "tag_value", tagValue)
		return nil, fmt.Errorf("found no matching snapshots to reconstitute")
	}

	attribs := make(SnapshotAttributes, len(out.Snapshots))
	for _, snap := range out.Snapshots {
		if snap.SnapshotId == nil {
			continue
		}

		record := Attributes{Tags: make(map[string]string, len(snap.Tags))}
		if snap.VolumeSize != nil {
			record.SizeGiB = *snap.VolumeSize
		}
		for _, tag := range snap.Tags {
			if tag.Key != nil && tag.Value != nil {
				record.Tags[*tag.Key] = *tag.Value
			}
		}
		attribs[*snap.SnapshotId] = record
	}

	slog.Info("snapshot_search_complete", "snapshot_count", len(attribs))
	return attribs, nil
}

// BuildZone picks the availability zone to rebuild in: the subnet's zone
// when known, otherwise the Original AZ tag of an arbitrary snapshot in
// the group (first in iteration order).
func (s SnapshotAttributes) BuildZone(subnetZone string) (string, error) {
	if subnetZone != "" {
		return subnetZone, nil
	}
	for _, record := range s {
		if zone, ok := record.Tags[ZoneTag]; ok {
			return zone, nil
		}
	}
	return "", fmt.Errorf("no availability zone given and no %q tag found on any snapshot", ZoneTag)
}

// SourceInstance returns the source-instance id recorded on an arbitrary
// snapshot in the group (first in iteration order; batches are assumed to
// share one source instance).
func (s SnapshotAttributes) SourceInstance(instanceTag string) (string, error) {
	for _, record := range s {
		if id, ok := record.Tags[instanceTag]; ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("no %q tag found on any snapshot", instanceTag)
}
