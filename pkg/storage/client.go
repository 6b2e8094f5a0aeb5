// Package storage fetches templates stored in S3 into the local work directory.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vmops/ovfdeploy/pkg/errors"
)

const uriScheme = "s3://"

// Location is an object in a bucket.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return uriScheme + l.Bucket + "/" + l.Key
}

// IsURI reports whether s names an S3 object rather than a local path.
func IsURI(s string) bool {
	return strings.HasPrefix(s, uriScheme)
}

// ParseURI parses s3://bucket/key.
func ParseURI(uri string) (Location, error) {
	if !IsURI(uri) {
		return Location{}, errors.Newf(errors.KindNotReadable, "%q is not an s3:// uri", uri)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, uriScheme), "/")
	if !ok || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return Location{}, errors.Newf(errors.KindNotReadable, "%q does not name an object", uri)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// API is the subset of the S3 client used here.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Client provides S3 storage operations
type Client struct {
	api API
}

// NewClient creates an S3 client. Anonymous clients can only read public buckets.
func NewClient(ctx context.Context, region string, anonymous bool) (*Client, error) {
	slog.Info("s3_client_init", "region", region, "anonymous", anonymous)

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{api: s3.NewFromConfig(cfg)}, nil
}

// NewClientFromAPI wraps an existing S3 API implementation.
func NewClientFromAPI(api API) *Client {
	return &Client{api: api}
}

// ObjectInfo is the metadata of an object.
type ObjectInfo struct {
	Size int64
	ETag string
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	ETag      string
	Size      int64
}

// Download downloads an object to localPath and computes its SHA256. The object is
// written to a temporary file first so a failed download never leaves a partial
// template at localPath.
func (c *Client) Download(ctx context.Context, loc Location, localPath string) (*DownloadResult, error) {
	slog.Info("s3_download_start", "uri", loc.String(), "local_path", localPath)

	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "uri", loc.String(), "error", err)
		return nil, errors.E(errors.KindNotReadable, err, "failed to get object from S3")
	}
	defer result.Body.Close()

	partPath := localPath + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", partPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partPath)
		slog.Error("s3_download_failed", "uri", loc.String(), "error", err)
		return nil, errors.E(errors.KindNotReadable, err, "failed to download template")
	}

	if err := os.Rename(partPath, localPath); err != nil {
		os.Remove(partPath)
		return nil, errors.Wrap(err, "failed to move download into place")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("s3_download_complete",
		"uri", loc.String(),
		"size_mb", size/1024/1024,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    checksum,
		ETag:      aws.ToString(result.ETag),
		Size:      size,
	}, nil
}

// Head returns the object's metadata, or nil if the object does not exist.
func (c *Client) Head(ctx context.Context, loc Location) (*ObjectInfo, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		var notFound *types.NotFound
		if stderrors.As(err, &notFound) {
			slog.Info("s3_object_not_found", "uri", loc.String())
			return nil, nil
		}
		slog.Error("s3_head_object_failed", "uri", loc.String(), "error", err)
		return nil, errors.Wrap(err, "failed to check object existence")
	}

	return &ObjectInfo{Size: aws.ToInt64(out.ContentLength), ETag: aws.ToString(out.ETag)}, nil
}

// ListTemplates lists the .ova and .ovf objects under prefix.
func (c *Client) ListTemplates(ctx context.Context, bucket, prefix string) ([]Location, error) {
	slog.Info("s3_list_start", "bucket", bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}

	var templates []Location
	paginator := s3.NewListObjectsV2Paginator(c.api, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			lower := strings.ToLower(key)
			if strings.HasSuffix(lower, ".ova") || strings.HasSuffix(lower, ".ovf") {
				templates = append(templates, Location{Bucket: bucket, Key: key})
			}
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "template_count", len(templates))
	return templates, nil
}
