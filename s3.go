package s3ui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// deleteBatchSize is the S3 DeleteObjects limit per request.
const deleteBatchSize = 1000

// S3API is the subset of *s3.Client used by S3Client.
// This is satisfied by *s3.Client.
type S3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Client wraps the AWS SDK client with the bucket and object operations
// the console and the poller need.
type S3Client struct {
	api S3API
}

// NewS3Client builds a client from mutable connection settings. MinIO and
// other S3-compatible backends need path-style addressing, so it is always
// enabled.
func NewS3Client(ctx context.Context, conn *ConnConfig) (*S3Client, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(conn.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conn.AccessKey, conn.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(conn.EndpointURL)
		o.UsePathStyle = true
	})
	return &S3Client{api: api}, nil
}

// NewS3ClientWithAPI wraps an existing API implementation. Used by tests.
func NewS3ClientWithAPI(api S3API) *S3Client {
	return &S3Client{api: api}
}

// Ping verifies the connection by listing buckets.
func (c *S3Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListBuckets(ctx, &s3.ListBucketsInput{}); err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	return nil
}

// BucketInfo describes one bucket in a listing.
type BucketInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ListBuckets returns all buckets sorted by name.
func (c *S3Client) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	output, err := c.api.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	buckets := make([]BucketInfo, 0, len(output.Buckets))
	for _, b := range output.Buckets {
		info := BucketInfo{Name: aws.ToString(b.Name)}
		if b.CreationDate != nil {
			info.CreatedAt = *b.CreationDate
		}
		buckets = append(buckets, info)
	}
	slices.SortFunc(buckets, func(a, b BucketInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return buckets, nil
}

// CreateBucket creates a bucket.
func (c *S3Client) CreateBucket(ctx context.Context, bucket string) error {
	_, err := c.api.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// BucketNotEmpty is returned by DeleteBucket when the bucket still holds objects.
type BucketNotEmpty struct {
	Bucket string
}

func (err *BucketNotEmpty) Error() string {
	return fmt.Sprintf("bucket %s is not empty, delete all contents first", err.Bucket)
}

// DeleteBucket deletes an empty bucket.
func (c *S3Client) DeleteBucket(ctx context.Context, bucket string) error {
	_, err := c.api.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "BucketNotEmpty" {
			return &BucketNotEmpty{Bucket: bucket}
		}
		return fmt.Errorf("delete bucket %s: %w", bucket, err)
	}
	return nil
}

// ObjectInfo describes one object in a delimiter listing.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// ListEntries lists one level of the bucket hierarchy under prefix, using "/"
// as the delimiter. Returns common prefixes (folders) and objects separately,
// the way the console renders them.
func (c *S3Client) ListEntries(ctx context.Context, bucket, prefix string) ([]string, []ObjectInfo, error) {
	folders := make([]string, 0)
	objects := make([]ObjectInfo, 0)
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("list objects in %s: %w", bucket, err)
		}
		for _, p := range page.CommonPrefixes {
			folders = append(folders, aws.ToString(p.Prefix))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue
			}
			info := ObjectInfo{
				Key:  key,
				Size: aws.ToInt64(obj.Size),
				ETag: aws.ToString(obj.ETag),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			objects = append(objects, info)
		}
	}
	return folders, objects, nil
}

// FetchSnapshot walks the full listing of a bucket and returns the complete
// key to ETag mapping. The traversal is exhaustive: a failure on any page
// fails the whole fetch so the caller never sees a partial snapshot.
func (c *S3Client) FetchSnapshot(ctx context.Context, bucket string) (BucketSnapshot, error) {
	snapshot := make(BucketSnapshot)
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects in %s: %w", bucket, err)
		}
		for _, obj := range page.Contents {
			snapshot[aws.ToString(obj.Key)] = aws.ToString(obj.ETag)
		}
	}
	return snapshot, nil
}

// Upload stores an object. The content type is sniffed from the key extension
// when the caller does not supply one.
func (c *S3Client) Upload(ctx context.Context, bucket, key string, body io.Reader, contentType string) error {
	buf, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body for s3://%s/%s: %w", bucket, key, err)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(key))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	}
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf),
		ContentLength: aws.Int64(int64(len(buf))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload to s3://%s/%s: %w", bucket, key, err)
	}
	slog.InfoContext(ctx, "uploaded object", "bucket", bucket, "key", key, "content_type", contentType, "size", len(buf))
	return nil
}

// Download fetches an object body. The caller owns the returned ReadCloser.
func (c *S3Client) Download(ctx context.Context, bucket, key string) (io.ReadCloser, string, error) {
	output, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return output.Body, aws.ToString(output.ContentType), nil
}

// DeleteObject removes one object.
func (c *S3Client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// DeletePrefix removes every object under a prefix, batching DeleteObjects
// calls at the API limit. Returns the number of objects removed.
func (c *S3Client) DeletePrefix(ctx context.Context, bucket, prefix string) (int, error) {
	keys := make([]types.ObjectIdentifier, 0)
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("list objects under s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, types.ObjectIdentifier{Key: obj.Key})
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	for batch := range slices.Chunk(keys, deleteBatchSize) {
		_, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{
				Objects: batch,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return 0, fmt.Errorf("delete objects under s3://%s/%s: %w", bucket, prefix, err)
		}
	}
	slog.InfoContext(ctx, "deleted prefix", "bucket", bucket, "prefix", prefix, "count", len(keys))
	return len(keys), nil
}

// DeleteKeys removes the named objects, batching DeleteObjects calls at the
// API limit. Returns the number of objects removed.
func (c *S3Client) DeleteKeys(ctx context.Context, bucket string, keys []string) (int, error) {
	identifiers := make([]types.ObjectIdentifier, 0, len(keys))
	for _, key := range keys {
		identifiers = append(identifiers, types.ObjectIdentifier{Key: aws.String(key)})
	}
	for batch := range slices.Chunk(identifiers, deleteBatchSize) {
		_, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{
				Objects: batch,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return 0, fmt.Errorf("delete %d objects in s3://%s: %w", len(keys), bucket, err)
		}
	}
	return len(identifiers), nil
}
