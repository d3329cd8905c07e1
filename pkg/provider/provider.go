// Package provider constructs the AWS service clients used by the rest of
// the tool. All mutating and describing calls go through the ec2.Client
// built here; consumers declare the narrow API subset they need so tests
// can substitute fakes.
package provider

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/opsstack/reconstitute/pkg/errors"
)

// Clients bundles the AWS service clients one invocation needs.
type Clients struct {
	EC2 *ec2.Client
	S3  *s3.Client
	STS *sts.Client
}

// New loads the default credential chain and builds the service clients.
// Region is optional; when empty the chain's own region resolution applies.
func New(ctx context.Context, region string) (*Clients, error) {
	slog.Info("aws_client_init", "region", region)

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	slog.Info("aws_clients_created", "resolved_region", cfg.Region)

	return &Clients{
		EC2: ec2.NewFromConfig(cfg),
		S3:  s3.NewFromConfig(cfg),
		STS: sts.NewFromConfig(cfg),
	}, nil
}
