package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"import-orchestrator/internal/config"
)

// S3Opener streams objects addressed as s3://bucket/key.
type S3Opener struct {
	client *s3.Client
}

func NewS3Opener(client *s3.Client) *S3Opener {
	return &S3Opener{client: client}
}

// NewS3Client loads AWS credentials from the environment. S3_ENDPOINT points the
// client at an S3-compatible store such as MinIO.
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

func (o *S3Opener) Open(ctx context.Context, loc string) (io.ReadCloser, int64, error) {
	bucket, key, err := parseS3Location(loc)
	if err != nil {
		return nil, 0, err
	}
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s: %w", loc, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (o *S3Opener) Stat(ctx context.Context, loc string) (int64, error) {
	bucket, key, err := parseS3Location(loc)
	if err != nil {
		return 0, err
	}
	out, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("head object %s: %w", loc, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func parseS3Location(loc string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(loc, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q is not s3://bucket/key", ErrUnsupportedScheme, loc)
	}
	return bucket, key, nil
}
