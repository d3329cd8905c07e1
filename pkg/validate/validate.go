// Package validate checks user-supplied EC2 identifiers before any
// mutating call is issued. Each check either returns a normalized value or
// an error naming the one input that failed; checks are independent of one
// another.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/opsstack/reconstitute/pkg/errors"
)

// MaxSecurityGroups is the provider's limit on groups per network interface.
const MaxSecurityGroups = 5

// Provisioned-IOPS bounds for io1 volumes.
const (
	MinIopsRatio  = 3
	MaxIopsRatio  = 50
	MinIops       = 100
	MaxIops       = 64000
	MinIo1SizeGiB = 4
)

// DescribeAPI is the read-only EC2 surface the validators consult.
type DescribeAPI interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeKeyPairs(ctx context.Context, params *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
}

var hexID = regexp.MustCompile(`^[a-f0-9]+$`)

// checkIDFormat verifies id is prefix + 8 or 17 lowercase hex characters.
// Length and character-set failures are reported distinctly.
func checkIDFormat(id, prefix string) error {
	if !strings.HasPrefix(id, prefix) {
		return fmt.Errorf("identifier %q is missing the %q prefix", id, prefix)
	}
	suffix := strings.TrimPrefix(id, prefix)
	if len(suffix) != 8 && len(suffix) != 17 {
		return fmt.Errorf("identifier %q is not a valid length", id)
	}
	if !hexID.MatchString(suffix) {
		return fmt.Errorf("identifier %q contains invalid characters", id)
	}
	return nil
}

// Image checks that imageID is well-formed and exists in the account/region.
func Image(ctx context.Context, api DescribeAPI, imageID string) error {
	slog.Info("validate_image", "image_id", imageID)

	if err := checkIDFormat(imageID, "ami-"); err != nil {
		return err
	}

	if _, err := api.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	}); err != nil {
		slog.Error("validate_image_failed", "image_id", imageID, "error", err)
		return fmt.Errorf("image %s not found", imageID)
	}

	slog.Info("validate_image_ok", "image_id", imageID)
	return nil
}

// SubnetZone resolves a subnet to its availability zone. The returned zone
// becomes the default build zone for volume reconstruction.
func SubnetZone(ctx context.Context, api DescribeAPI, subnetID string) (string, error) {
	slog.Info("validate_subnet", "subnet_id", subnetID)

	out, err := api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		SubnetIds: []string{subnetID},
	})
	if err != nil {
		slog.Error("validate_subnet_failed", "subnet_id", subnetID, "error", err)
		return "", fmt.Errorf("subnet %s not found", subnetID)
	}
	if len(out.Subnets) != 1 || out.Subnets[0].AvailabilityZone == nil {
		return "", fmt.Errorf("subnet %s did not resolve to exactly one availability zone", subnetID)
	}

	zone := *out.Subnets[0].AvailabilityZone
	slog.Info("validate_subnet_ok", "subnet_id", subnetID, "availability_zone", zone)
	return zone, nil
}

// SecurityGroups splits a comma-separated group list, truncates it to the
// provider limit (keeping input order), and validates every retained entry.
// A single invalid entry fails the whole list.
func SecurityGroups(ctx context.Context, api DescribeAPI, groupList string) ([]string, error) {
	groups := strings.Split(groupList, ",")

	if len(groups) > MaxSecurityGroups {
		slog.Warn("security_group_list_truncated",
			"requested", len(groups),
			"kept", MaxSecurityGroups,
			"dropped", strings.Join(groups[MaxSecurityGroups:], ","))
		groups = groups[:MaxSecurityGroups]
	}

	for _, group := range groups {
		if err := checkIDFormat(group, "sg-"); err != nil {
			return nil, err
		}
		if _, err := api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
			GroupIds: []string{group},
		}); err != nil {
			slog.Error("validate_security_group_failed", "group_id", group, "error", err)
			return nil, fmt.Errorf("security group %s does not exist", group)
		}
	}

	slog.Info("validate_security_groups_ok", "group_count", len(groups))
	return groups, nil
}

// KeyPair checks that the provisioning key exists in the account.
func KeyPair(ctx context.Context, api DescribeAPI, keyName string) error {
	if _, err := api.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		KeyNames: []string{keyName},
	}); err != nil {
		slog.Error("validate_key_pair_failed", "key_name", keyName, "error", err)
		return errors.Wrap(err, fmt.Sprintf("provisioning key %q not found", keyName))
	}

	slog.Info("validate_key_pair_ok", "key_name", keyName)
	return nil
}

// ProvisionedIops computes the IOPS to request for an io1 volume built from
// a snapshot of sizeGiB, using the operator-supplied per-GiB ratio. The
// product is clamped to the provider's provisionable range.
func ProvisionedIops(sizeGiB, ratio int32) (int32, error) {
	if sizeGiB < MinIo1SizeGiB {
		return 0, fmt.Errorf("volume size %d is less than minimum allowed %d", sizeGiB, MinIo1SizeGiB)
	}
	if ratio == 0 {
		return 0, fmt.Errorf("io1 volumes require an IOPS ratio but none was specified")
	}
	if ratio < MinIopsRatio || ratio > MaxIopsRatio {
		return 0, fmt.Errorf("IOPS ratio %d out of range: must be %d-%d", ratio, MinIopsRatio, MaxIopsRatio)
	}

	iops := sizeGiB * ratio
	if iops < MinIops {
		iops = MinIops
	} else if iops > MaxIops {
		iops = MaxIops
	}
	return iops, nil
}
