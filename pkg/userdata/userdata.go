// Package userdata loads boot-configuration payloads for the recovery
// instance: from a local file, from an s3:// URI, or cloned from the
// original instance's userData attribute.
package userdata

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/opsstack/reconstitute/pkg/errors"
)

// ObjectAPI is the S3 surface used for s3:// payloads.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// AttributeAPI is the EC2 surface used for cloning from the source instance.
type AttributeAPI interface {
	DescribeInstanceAttribute(ctx context.Context, params *ec2.DescribeInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error)
}

// Load reads a user-data payload from a local path or an s3://bucket/key URI.
func Load(ctx context.Context, s3api ObjectAPI, path string) ([]byte, error) {
	if strings.HasPrefix(path, "s3://") {
		return loadS3(ctx, s3api, path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		slog.Error("userdata_file_read_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, fmt.Sprintf("failed while opening %s", path))
	}

	slog.Info("userdata_file_loaded", "path", path, "size_bytes", len(content))
	return content, nil
}

func loadS3(ctx context.Context, s3api ObjectAPI, uri string) ([]byte, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}

	slog.Info("userdata_s3_fetch_start", "bucket", bucket, "key", key)

	out, err := s3api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("userdata_s3_fetch_failed", "bucket", bucket, "key", key, "error", err)
		return nil, errors.Wrap(err, fmt.Sprintf("failed to fetch %s", uri))
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("failed reading %s", uri))
	}

	slog.Info("userdata_s3_fetch_complete", "bucket", bucket, "key", key, "size_bytes", len(content))
	return content, nil
}

// ParseS3URI splits s3://bucket/key into its parts.
func ParseS3URI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(uri, "s3://")
	bucket, key, found := strings.Cut(trimmed, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed S3 URI %q: want s3://bucket/key", uri)
	}
	return bucket, key, nil
}

// Clone reads the source instance's userData attribute. The provider
// returns it base64-encoded; the decoded payload is what gets reapplied.
func Clone(ctx context.Context, api AttributeAPI, instanceID string) ([]byte, error) {
	slog.Info("userdata_clone_start", "source_instance", instanceID)

	out, err := api.DescribeInstanceAttribute(ctx, &ec2.DescribeInstanceAttributeInput{
		Attribute:  ec2types.InstanceAttributeNameUserData,
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		slog.Error("userdata_clone_failed", "source_instance", instanceID, "error", err)
		return nil, errors.Wrap(err, fmt.Sprintf("unable to read userData from %s", instanceID))
	}

	if out.UserData == nil || out.UserData.Value == nil {
		return nil, fmt.Errorf("source instance %s has no userData to clone", instanceID)
	}

	decoded, err := base64.StdEncoding.DecodeString(*out.UserData.Value)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode cloned userData")
	}

	slog.Info("userdata_clone_complete", "source_instance", instanceID, "size_bytes", len(decoded))
	return decoded, nil
}
