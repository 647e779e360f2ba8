package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/medallion/medallion/internal/config"
)

// S3Store implements ObjectStore on any S3-compatible service, MinIO
// included. Buckets are created on first write.
type S3Store struct {
	client *s3.Client
	region string

	mu      sync.Mutex
	buckets map[string]bool
}

// NewS3Store creates an S3Store from the object store config. Static
// credentials are used when an access key is configured, otherwise the
// default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg config.ObjectStoreConfig) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Store{
		client:  client,
		region:  awsCfg.Region,
		buckets: make(map[string]bool),
	}, nil
}

// Put uploads data to bucket/key, creating the bucket if needed.
func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte) (Ack, error) {
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return Ack{}, err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return Ack{}, fmt.Errorf("uploading to s3://%s/%s: %w", bucket, key, classifyS3(err))
	}
	return Ack{Location: ObjectLocation(bucket, key), Bytes: int64(len(data)), Written: 1}, nil
}

// Get downloads bucket/key. Missing objects return ErrNotFound.
func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("downloading s3://%s/%s: %w", bucket, key, classifyS3(err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Exists reports whether bucket/key is present.
func (s *S3Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking s3://%s/%s: %w", bucket, key, classifyS3(err))
	}
	return true, nil
}

func (s *S3Store) ensureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] {
		return nil
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		s.buckets[bucket] = true
		return nil
	}
	if !isS3NotFound(err) {
		return fmt.Errorf("checking bucket %s: %w", bucket, classifyS3(err))
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if !errors.As(err, &owned) {
			return fmt.Errorf("creating bucket %s: %w", bucket, classifyS3(err))
		}
	}
	s.buckets[bucket] = true
	return nil
}

func isS3NotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	var noBucket *s3types.NoSuchBucket
	var notFound *s3types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &noBucket) || errors.As(err, &notFound)
}

// rejectedS3Codes are service errors that a retry cannot fix.
var rejectedS3Codes = map[string]bool{
	"AccessDenied":          true,
	"AllAccessDisabled":     true,
	"InvalidAccessKeyId":    true,
	"InvalidBucketName":     true,
	"SignatureDoesNotMatch": true,
	"Forbidden":             true,
}

// classifyS3 marks authorization and naming failures as ErrRejected.
func classifyS3(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && rejectedS3Codes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		if code := status.HTTPStatusCode(); code == 401 || code == 403 {
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}
	return err
}
