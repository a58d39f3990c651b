package s3ui

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// loadAWSConfig loads the ambient AWS configuration used by the DynamoDB
// policy store and the EventBridge notifier. This is distinct from the S3
// connection settings, which target an arbitrary S3-compatible endpoint and
// come from the console-managed connection document.
func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	awsOpts := make([]func(*awsconfig.LoadOptions) error, 0)
	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return *aws.NewConfig(), err
	}
	return awsCfg, nil
}
