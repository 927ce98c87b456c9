package s3

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/service-tip-git/attachments/internal/metrics"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/types"
)

// Store is an object store bound to one bucket.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	stats    statsRecorder
}

var _ types.ObjectStore = (*Store)(nil)

// New creates a Store for cfg.Bucket. Unless SkipHealthCheck is set the bucket is checked
// with HeadBucket before the store is returned.
func New(ctx context.Context, cfg Config, logger *slog.Logger, m *metrics.Collector) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3")
	}
	cfg.applyDefaults()

	client, uploader, err := newClient(ctx, &cfg)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeObjectStoreUnavailable, "failed to create S3 client", err).
			WithComponent("s3").
			WithContext("bucket", cfg.Bucket)
	}

	store := &Store{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		config:   cfg,
		logger:   logger.With("component", "s3", "bucket", cfg.Bucket),
		metrics:  m,
	}

	if !cfg.SkipHealthCheck {
		if err := store.HealthCheck(ctx); err != nil {
			return nil, err
		}
	}

	store.logger.Debug("S3 store ready", "region", cfg.Region, "endpoint", cfg.Endpoint, "part_size", cfg.PartSize)
	return store, nil
}

// NewFactory returns a constructor for tenant stores. Each store inherits base and takes
// its bucket and keys from the tenant's credentials.
func NewFactory(base Config, logger *slog.Logger, m *metrics.Collector) func(context.Context, types.ObjectStoreCredentials) (types.ObjectStore, error) {
	return func(ctx context.Context, creds types.ObjectStoreCredentials) (types.ObjectStore, error) {
		if !creds.Complete() {
			return nil, errors.NewError(errors.ErrCodeCredentialsInvalid, "object store credentials are incomplete").
				WithComponent("s3").
				WithContext("bucket", creds.Bucket)
		}
		return New(ctx, base.WithCredentials(creds), logger, m)
	}
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.bucket }

// Stats returns request statistics for this bucket.
func (s *Store) Stats() StoreStats { return s.stats.snapshot() }

func (s *Store) observe(operation string, start time.Time, size int64, err error) {
	d := time.Since(start)
	s.stats.record(d, err)
	s.metrics.RecordOperation("s3."+operation, d, size, err)
}

// Upload stores body under key. Bodies larger than the part size are sent as a
// multipart upload.
func (s *Store) Upload(ctx context.Context, key string, body io.Reader) (err error) {
	start := time.Now()
	counter := &countingReader{r: body}
	defer func() { s.observe("upload", start, counter.n, err) }()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        counter,
		ContentType: aws.String(detectContentType(key)),
	})
	if err != nil {
		s.logger.Error("Upload failed", "key", key, "error", err)
		return s.translateError(err, errors.ErrCodeStorageWriteFailed, "upload", key)
	}

	s.stats.addUploaded(counter.n)
	s.logger.Debug("Uploaded object", "key", key, "size", counter.n)
	return nil
}

// Download returns the object stored under key. A missing key is OBJECT_NOT_FOUND.
func (s *Store) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.observe("download", start, 0, err)
		return nil, s.translateError(err, errors.ErrCodeStorageReadFailed, "download", key)
	}

	size := aws.ToInt64(out.ContentLength)
	s.stats.addDownloaded(size)
	s.observe("download", start, size, nil)
	return out.Body, nil
}

// Copy duplicates src to dst server side.
func (s *Store) Copy(ctx context.Context, src, dst string) (err error) {
	start := time.Now()
	defer func() { s.observe("copy", start, 0, err) }()

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(dst),
		CopySource:  aws.String(copySource(s.bucket, src)),
		ContentType: aws.String(detectContentType(dst)),
	})
	if err != nil {
		s.logger.Error("Copy failed", "source", src, "key", dst, "error", err)
		return s.translateError(err, errors.ErrCodeStorageWriteFailed, "copy", dst)
	}
	return nil
}

// copySource URL-encodes bucket and key segment by segment, keeping the separators.
func copySource(bucket, key string) string {
	segments := strings.Split(bucket+"/"+key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// Delete removes key. The result reports whether the bucket created a delete marker.
func (s *Store) Delete(ctx context.Context, key string) (marker bool, err error) {
	start := time.Now()
	defer func() { s.observe("delete", start, 0, err) }()

	out, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Error("Delete failed", "key", key, "error", err)
		return false, s.translateError(err, errors.ErrCodeStorageDeleteFailed, "delete", key)
	}
	s.stats.addDeleted(1)
	return aws.ToBool(out.DeleteMarker), nil
}

// ListKeys returns every key under prefix.
func (s *Store) ListKeys(ctx context.Context, prefix string) (keys []string, err error) {
	start := time.Now()
	defer func() { s.observe("list", start, 0, err) }()

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(s.config.ListPageSize),
	})
	pages := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.translateError(err, errors.ErrCodeStorageReadFailed, "list", prefix)
		}
		pages++
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	s.logger.Debug("Listed objects", "prefix", prefix, "keys", len(keys), "pages", pages)
	return keys, nil
}

// DeleteKeys removes keys with one DeleteObjects request per MaxDeleteBatch keys and
// returns how many were deleted. Keys the store refuses are reported in the error.
func (s *Store) DeleteKeys(ctx context.Context, keys []string) (deleted int, err error) {
	start := time.Now()
	defer func() { s.observe("delete_keys", start, 0, err) }()

	var failed []string
	for begin := 0; begin < len(keys); begin += MaxDeleteBatch {
		end := min(begin+MaxDeleteBatch, len(keys))
		chunk := keys[begin:end]

		objects := make([]s3types.ObjectIdentifier, len(chunk))
		for i, key := range chunk {
			objects[i] = s3types.ObjectIdentifier{Key: aws.String(key)}
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			s.stats.addDeleted(deleted)
			return deleted, s.translateError(err, errors.ErrCodeStorageDeleteFailed, "delete_keys", chunk[0])
		}
		for _, e := range out.Errors {
			failed = append(failed, aws.ToString(e.Key))
			s.logger.Warn("Object not deleted", "key", aws.ToString(e.Key), "code", aws.ToString(e.Code), "message", aws.ToString(e.Message))
		}
		deleted += len(chunk) - len(out.Errors)
	}
	s.stats.addDeleted(deleted)

	if len(failed) > 0 {
		return deleted, errors.NewError(errors.ErrCodeStorageDeleteFailed,
			fmt.Sprintf("%d of %d objects could not be deleted", len(failed), len(keys))).
			WithComponent("s3").
			WithOperation("delete_keys").
			WithContext("bucket", s.bucket).
			WithDetail("failed_keys", failed)
	}
	return deleted, nil
}

// HealthCheck verifies the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return errors.Wrap(errors.ErrCodeObjectStoreUnavailable, "S3 health check failed", err).
			WithComponent("s3").
			WithOperation("health_check").
			WithContext("bucket", s.bucket)
	}
	return nil
}

func (s *Store) translateError(err error, code errors.ErrorCode, operation, key string) error {
	if isNotFound(err) {
		if isErrorType[*s3types.NoSuchBucket](err) {
			code, key = errors.ErrCodeObjectStoreUnavailable, ""
		} else {
			code = errors.ErrCodeObjectNotFound
		}
	}
	e := errors.Wrap(code, fmt.Sprintf("%s failed", operation), err).
		WithComponent("s3").
		WithOperation(operation).
		WithContext("bucket", s.bucket)
	if key != "" {
		e = e.WithContext("key", key)
	}
	return e
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if stderrors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}

func detectContentType(key string) string {
	switch k := strings.ToLower(key); {
	case strings.HasSuffix(k, ".json"):
		return "application/json"
	case strings.HasSuffix(k, ".xml"):
		return "application/xml"
	case strings.HasSuffix(k, ".html"):
		return "text/html"
	case strings.HasSuffix(k, ".txt"):
		return "text/plain"
	case strings.HasSuffix(k, ".jpg"), strings.HasSuffix(k, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(k, ".png"):
		return "image/png"
	case strings.HasSuffix(k, ".pdf"):
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
