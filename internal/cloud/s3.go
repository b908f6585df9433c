package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/kirylkaveryn/organicmaps/internal/logging"
	"github.com/kirylkaveryn/organicmaps/internal/retry"
	"github.com/kirylkaveryn/organicmaps/internal/syncerr"
)

// metaMTime is the object metadata key carrying the content modification
// date. S3's own LastModified is the upload time, which the sync engine
// must not confuse with the file's mtime.
const metaMTime = "mtime"

// S3Config holds S3 connection settings for the cloud container.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3Store implements Store against an S3-compatible bucket. The container
// is the bucket plus an optional key prefix; versioning must be enabled on
// the bucket for conflict detection to see concurrent writers.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates a store for the given container.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

func (s *S3Store) fullKey(key string) string {
	return s.prefix + key
}

func (s *S3Store) relKey(full string) string {
	return strings.TrimPrefix(full, s.prefix)
}

// Available reports whether the bucket answers a HeadBucket probe.
func (s *S3Store) Available(ctx context.Context) bool {
	probe, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := s.client.HeadBucket(probe, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	return err == nil
}

// ContainerURL resolves the container, failing with ErrContainerNotFound
// when the bucket does not exist or cannot be reached.
func (s *S3Store) ContainerURL(ctx context.Context) (string, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		logging.L().Warn("container resolution failed",
			zap.String("bucket", s.bucket), zap.Error(err))
		return "", syncerr.New(syncerr.KindContainerNotFound,
			fmt.Errorf("%w: %s: %v", ErrContainerNotFound, s.bucket, err))
	}
	return "s3://" + s.bucket + "/" + s.prefix, nil
}

// List returns every object under the container prefix, trash included.
// The content mtime is read from per-object metadata, so each listed key
// costs one HeadObject; bookmark directories are small and flat.
func (s *S3Store) List(ctx context.Context) ([]ObjectInfo, error) {
	var infos []ObjectInfo

	err := retry.Do(ctx, retry.Default, func() error {
		infos = infos[:0]
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(s.prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return retry.Transient(fmt.Errorf("list objects: %w", err))
			}
			for _, obj := range page.Contents {
				key := s.relKey(aws.ToString(obj.Key))
				if key == "" || strings.HasSuffix(key, "/") {
					continue
				}
				info, err := s.head(ctx, key)
				if err != nil {
					if errors.Is(err, ErrObjectNotFound) {
						continue // deleted between list and head
					}
					return retry.Transient(err)
				}
				infos = append(infos, info)
			}
		}
		return nil
	})
	if err != nil {
		return nil, syncerr.Classify(err)
	}
	return infos, nil
}

func (s *S3Store) head(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return ObjectInfo{}, fmt.Errorf("head object %s: %w", key, err)
	}
	return ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Modified:    objectMTime(out.Metadata, out.LastModified),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

// Get opens the current bytes of an object.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ObjectInfo{}, syncerr.New(syncerr.KindFileUnavailable,
				fmt.Errorf("%w: %s", ErrObjectNotFound, key))
		}
		return nil, ObjectInfo{}, syncerr.Classify(fmt.Errorf("get object %s: %w", key, err))
	}
	info := ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Modified:    objectMTime(out.Metadata, out.LastModified),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
	}
	return out.Body, info, nil
}

// Put writes an object, recording modified as its content mtime.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, modified time.Time, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.fullKey(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
		Metadata: map[string]string{
			metaMTime: modified.UTC().Format(time.RFC3339Nano),
		},
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return syncerr.Classify(fmt.Errorf("put object %s: %w", key, err))
	}
	return nil
}

// Delete removes an object. Missing objects are not an error.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return syncerr.Classify(fmt.Errorf("delete object %s: %w", key, err))
	}
	return nil
}

// Copy duplicates srcKey to dstKey. Metadata, and with it the content
// mtime, rides along on the server-side copy.
func (s *S3Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.fullKey(dstKey)),
		CopySource: aws.String(s.copySource(srcKey, "")),
	})
	if err != nil {
		return syncerr.Classify(fmt.Errorf("copy object %s -> %s: %w", srcKey, dstKey, err))
	}
	return nil
}

// Exists reports whether an object is present at key.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.head(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}
		return false, syncerr.Classify(err)
	}
	return true, nil
}

// Versions lists the version history of key in the order S3 returns it,
// newest upload first; the list is not re-sorted by content mtime.
// Requires bucket versioning; an unversioned bucket reports a single
// current version.
func (s *S3Store) Versions(ctx context.Context, key string) ([]Version, error) {
	full := s.fullKey(key)
	out, err := s.client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})
	if err != nil {
		return nil, syncerr.Classify(fmt.Errorf("list versions %s: %w", key, err))
	}

	var versions []Version
	for _, v := range out.Versions {
		if aws.ToString(v.Key) != full {
			continue
		}
		ver := Version{
			ID:       aws.ToString(v.VersionId),
			Modified: aws.ToTime(v.LastModified),
			Size:     aws.ToInt64(v.Size),
			Current:  aws.ToBool(v.IsLatest),
		}
		// Prefer the uploader-supplied mtime when the version still
		// answers a head request.
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket:    aws.String(s.bucket),
			Key:       aws.String(full),
			VersionId: v.VersionId,
		})
		if err == nil {
			ver.Modified = objectMTime(head.Metadata, head.LastModified)
		}
		versions = append(versions, ver)
	}
	return versions, nil
}

// PromoteVersion makes the given historical version the current one by
// copying it over the key.
func (s *S3Store) PromoteVersion(ctx context.Context, key, versionID string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.fullKey(key)),
		CopySource: aws.String(s.copySource(key, versionID)),
	})
	if err != nil {
		return syncerr.Classify(fmt.Errorf("promote version %s of %s: %w", versionID, key, err))
	}
	return nil
}

// DiscardVersion drops one historical version of key.
func (s *S3Store) DiscardVersion(ctx context.Context, key, versionID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:    aws.String(s.bucket),
		Key:       aws.String(s.fullKey(key)),
		VersionId: aws.String(versionID),
	})
	if err != nil {
		return syncerr.Classify(fmt.Errorf("discard version %s of %s: %w", versionID, key, err))
	}
	return nil
}

// Close is a no-op; the underlying HTTP client is shared.
func (s *S3Store) Close() error { return nil }

func (s *S3Store) copySource(key, versionID string) string {
	segments := strings.Split(s.fullKey(key), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	src := s.bucket + "/" + strings.Join(segments, "/")
	if versionID != "" {
		src += "?versionId=" + versionID
	}
	return src
}

// objectMTime extracts the content mtime from object metadata, falling
// back to the store timestamp.
func objectMTime(metadata map[string]string, lastModified *time.Time) time.Time {
	if raw, ok := metadata[metaMTime]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
	}
	return aws.ToTime(lastModified)
}
