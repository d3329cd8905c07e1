package inventory

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

type fakeSnapshotAPI struct {
	snapshots []ec2types.Snapshot
	gotFilter string
	gotValue  string
}

func (f *fakeSnapshotAPI) DescribeSnapshots(_ context.Context, in *ec2.DescribeSnapshotsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	if len(in.Filters) > 0 {
		f.gotFilter = aws.ToString(in.Filters[0].Name)
		f.gotValue = in.Filters[0].Values[0]
	}
	return &ec2.DescribeSnapshotsOutput{Snapshots: f.snapshots}, nil
}

func tag(k, v string) ec2types.Tag {
	return ec2types.Tag{Key: aws.String(k), Value: aws.String(v)}
}

func TestFetch_FlattensTags(t *testing.T) {
	api := &fakeSnapshotAPI{snapshots: []ec2types.Snapshot{
		{
			SnapshotId: aws.String("snap-001"),
			VolumeSize: aws.Int32(40),
			Tags: []ec2types.Tag{
				tag(DefaultGroupTag, "web-01"),
				tag(DefaultInstanceTag, "i-aaa"),
				tag(DefaultDeviceTag, "/dev/sdf"),
				tag(ZoneTag, "us-east-1a"),
			},
		},
		{
			SnapshotId: aws.String("snap-002"),
			VolumeSize: aws.Int32(80),
			Tags: []ec2types.Tag{
				tag(DefaultGroupTag, "web-01"),
				tag(DefaultInstanceTag, "i-aaa"),
				tag(DefaultDeviceTag, "/dev/sdg"),
			},
		},
	}}

	attribs, err := Fetch(context.Background(), api, DefaultGroupTag, "web-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if api.gotFilter != "tag:Snapshot Group" || api.gotValue != "web-01" {
		t.Errorf("query used filter %q=%q, want tag:Snapshot Group=web-01", api.gotFilter, api.gotValue)
	}
	if len(attribs) != 2 {
		t.Fatalf("got %d records, want 2", len(attribs))
	}

	first := attribs["snap-001"]
	if first.SizeGiB != 40 {
		t.Errorf("snap-001 size = %d, want 40", first.SizeGiB)
	}
	if first.Tags[DefaultDeviceTag] != "/dev/sdf" {
		t.Errorf("snap-001 device tag = %q, want /dev/sdf", first.Tags[DefaultDeviceTag])
	}
	if attribs["snap-002"].Tags[DefaultDeviceTag] != "/dev/sdg" {
		t.Errorf("snap-002 device tag = %q, want /dev/sdg", attribs["snap-002"].Tags[DefaultDeviceTag])
	}
}

func TestFetch_EmptyResultIsHardStop(t *testing.T) {
	api := &fakeSnapshotAPI{}

	if _, err := Fetch(context.Background(), api, DefaultGroupTag, "no-such-group"); err == nil {
		t.Error("expected error when no snapshots match")
	}
}

func TestBuildZone(t *testing.T) {
	attribs := SnapshotAttributes{
		"snap-001": {Tags: map[string]string{ZoneTag: "us-west-2b"}},
	}

	zone, err := attribs.BuildZone("us-east-1c")
	if err != nil || zone != "us-east-1c" {
		t.Errorf("explicit zone should win: got %q, %v", zone, err)
	}

	zone, err = attribs.BuildZone("")
	if err != nil || zone != "us-west-2b" {
		t.Errorf("fallback zone = %q, %v, want us-west-2b", zone, err)
	}

	bare := SnapshotAttributes{"snap-001": {Tags: map[string]string{}}}
	if _, err := bare.BuildZone(""); err == nil {
		t.Error("expected error when no zone is derivable")
	}
}

func TestSourceInstance(t *testing.T) {
	attribs := SnapshotAttributes{
		"snap-001": {Tags: map[string]string{DefaultInstanceTag: "i-aaa"}},
	}

	id, err := attribs.SourceInstance(DefaultInstanceTag)
	if err != nil || id != "i-aaa" {
		t.Errorf("SourceInstance = %q, %v, want i-aaa", id, err)
	}

	if _, err := attribs.SourceInstance("Some Other Tag"); err == nil {
		t.Error("expected error when tag is absent from every snapshot")
	}
}
