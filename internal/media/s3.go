package media

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"worktrace/internal/config"
	"worktrace/internal/wt"
)

// S3Store uploads media to an S3 bucket or an S3-compatible service.
type S3Store struct {
	bucket   string
	uploader *manager.Uploader
}

// NewS3Store loads AWS configuration and builds an uploader for cfg.Bucket.
// Static credentials from cfg take precedence over the default chain.
func NewS3Store(ctx context.Context, cfg config.MediaConfig) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &S3Store{bucket: cfg.Bucket, uploader: manager.NewUploader(client)}, nil
}

// Put uploads the object and returns "s3://bucket/key".
func (s *S3Store) Put(ctx context.Context, obj wt.MediaObject, r io.Reader) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(obj.Key),
		Body:   r,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if obj.Checksum != "" {
		input.Metadata = map[string]string{"blake3": obj.Checksum}
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("uploading %s to s3: %w", obj.Key, err)
	}
	return "s3://" + s.bucket + "/" + obj.Key, nil
}

var _ wt.MediaStore = (*S3Store)(nil)
