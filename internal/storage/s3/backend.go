// Package s3 implements the flat, prefix-listing storage backend on S3 or
// any S3-compatible service (MinIO, R2, Supabase's S3 endpoint).
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/metrics"
	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/vpath"
)

const (
	backendType        = "s3"
	defaultURLExpiry   = 15 * time.Minute
	defaultConcurrency = 8
	// defaultRenameBytes caps the object a synthesized rename will buffer.
	defaultRenameBytes = 100 * 1024 * 1024
)

// BackendConfig is a JSON-serializable config for S3 backends stored in the database.
type BackendConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`

	// PublicBaseURL, when set, is used to derive public URLs instead of
	// presigning (e.g. a public bucket or CDN in front of it).
	PublicBaseURL    string `json:"public_base_url,omitempty"`
	URLExpirySeconds int    `json:"url_expiry_seconds,omitempty"`
	// MetadataConcurrency bounds the per-file calls made while listing.
	MetadataConcurrency int `json:"metadata_concurrency,omitempty"`
	// MaxRenameBytes bounds the object size a rename can copy.
	MaxRenameBytes int64 `json:"max_rename_bytes,omitempty"`
}

type objectAPI interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Backend implements storage.Adapter on a single bucket. Folders are common
// prefixes; folder creation and rename are synthesized.
type Backend struct {
	client      objectAPI
	presign     presigner
	fetcher     storage.Fetcher
	bucket      string
	publicBase  string
	expiry      time.Duration
	concurrency int
}

// NewBackend creates a new S3 backend from a BackendConfig.
func NewBackend(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 config: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := endpointURL(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	b := newBackend(client, s3.NewPresignClient(client), cfg)
	logging.Info("s3 backend ready",
		zap.String("bucket", cfg.Bucket),
		zap.String("endpoint", endpoint),
		zap.Bool("presigned_urls", b.publicBase == ""))
	return b, nil
}

// NewBackendFromJSON creates a Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

func newBackend(client objectAPI, p presigner, cfg BackendConfig) *Backend {
	b := &Backend{
		client:      client,
		presign:     p,
		bucket:      cfg.Bucket,
		publicBase:  strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		expiry:      time.Duration(cfg.URLExpirySeconds) * time.Second,
		concurrency: cfg.MetadataConcurrency,
	}
	if b.expiry <= 0 {
		b.expiry = defaultURLExpiry
	}
	if b.concurrency <= 0 {
		b.concurrency = defaultConcurrency
	}
	maxBytes := cfg.MaxRenameBytes
	if maxBytes <= 0 {
		maxBytes = defaultRenameBytes
	}
	b.fetcher = storage.NewHTTPFetcher(0, maxBytes)
	return b
}

// SetFetcher replaces the fetcher used by synthesized rename.
func (b *Backend) SetFetcher(f storage.Fetcher) { b.fetcher = f }

func endpointURL(endpoint string, useSSL bool) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func prefixFor(p string) string {
	if p == "" {
		return ""
	}
	return p + "/"
}

// List returns the direct children of p: common prefixes become folders,
// objects become files. Each file then gets its public URL and content type
// from separate calls, fanned out with bounded concurrency.
func (b *Backend) List(ctx context.Context, p string) ([]storage.Item, error) {
	p = vpath.Normalize(p)
	prefix := prefixFor(p)
	start := time.Now()

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(vpath.Separator),
	})

	var items []storage.Item
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordStorageOperation(backendType, "list", time.Since(start), false)
			return nil, b.opError("list", p, err)
		}
		for _, cp := range page.CommonPrefixes {
			full := strings.TrimSuffix(aws.ToString(cp.Prefix), vpath.Separator)
			items = append(items, storage.FolderItem(vpath.Base(full), full))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, prefix)
			if name == "" || strings.Contains(name, vpath.Separator) {
				continue
			}
			items = append(items, storage.Item{
				Name:      name,
				ID:        key,
				Kind:      storage.KindFile,
				UpdatedAt: obj.LastModified,
				SizeBytes: obj.Size,
			})
		}
	}

	items = storage.Normalize(items)
	if err := b.describeFiles(ctx, items); err != nil {
		metrics.RecordStorageOperation(backendType, "list", time.Since(start), false)
		return nil, err
	}

	metrics.RecordStorageOperation(backendType, "list", time.Since(start), true)
	metrics.RecordListing(backendType, len(items))
	logging.Debug("s3 list", zap.String("prefix", prefix), zap.Int("items", len(items)))
	return items, nil
}

// describeFiles fills public URL and content type for every file in items.
func (b *Backend) describeFiles(ctx context.Context, items []storage.Item) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for i := range items {
		if items[i].IsFolder() {
			continue
		}
		it := &items[i]
		g.Go(func() error {
			u, err := b.PublicURL(gctx, it.ID)
			if err != nil {
				return err
			}
			it.PublicURL = u

			head, err := b.head(gctx, it.ID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					// Deleted between list and head.
					logging.Debug("s3 object vanished during list", zap.String("key", it.ID))
					return nil
				}
				return err
			}
			it.ContentType = aws.ToString(head.ContentType)
			if it.SizeBytes == nil {
				it.SizeBytes = head.ContentLength
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *Backend) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	start := time.Now()
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordStorageOperation(backendType, "head_object", time.Since(start), err == nil)
	if err != nil {
		return nil, b.opError("head", key, err)
	}
	return out, nil
}

// Upload writes body at dir/filename, overwriting any existing object.
func (b *Backend) Upload(ctx context.Context, dir string, body []byte, filename string) (*storage.Item, error) {
	if err := vpath.ValidName(filename); err != nil {
		return nil, err
	}
	key, err := vpath.Join(dir, filename)
	if err != nil {
		return nil, err
	}

	contentType := storage.DetectContentType(body, filename)
	start := time.Now()
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		metrics.RecordStorageOperation(backendType, "put_object", time.Since(start), false)
		return nil, b.opError("upload", key, err)
	}
	metrics.RecordStorageOperation(backendType, "put_object", time.Since(start), true)
	metrics.RecordUpload(backendType, int64(len(body)))

	u, err := b.PublicURL(ctx, key)
	if err != nil {
		return nil, err
	}

	logging.Debug("s3 put object", zap.String("key", key), zap.Int("size", len(body)))
	now := time.Now()
	return &storage.Item{
		Name:        filename,
		ID:          key,
		Kind:        storage.KindFile,
		UpdatedAt:   &now,
		PublicURL:   u,
		SizeBytes:   storage.Int64(int64(len(body))),
		ContentType: contentType,
	}, nil
}

// Delete removes exactly the object at key. S3 deletes are idempotent, so
// existence is checked first to report NotFound.
func (b *Backend) Delete(ctx context.Context, key string) error {
	key = vpath.Normalize(key)
	if _, err := b.head(ctx, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) && b.isFolder(ctx, key) {
			return storage.NewOpError(backendType, "delete", key, storage.ErrUnsupportedOperation,
				errors.New("folder delete is not supported"))
		}
		return err
	}

	start := time.Now()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordStorageOperation(backendType, "delete_object", time.Since(start), false)
		return b.opError("delete", key, err)
	}
	metrics.RecordStorageOperation(backendType, "delete_object", time.Since(start), true)
	logging.Debug("s3 delete object", zap.String("key", key))
	return nil
}

func (b *Backend) isFolder(ctx context.Context, key string) bool {
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefixFor(key)),
		MaxKeys: aws.Int32(1),
	})
	return err == nil && len(out.Contents) > 0
}

// PublicURL derives a URL from PublicBaseURL when configured, otherwise
// presigns a GET valid for the configured expiry.
func (b *Backend) PublicURL(ctx context.Context, key string) (string, error) {
	key = vpath.Normalize(key)
	if b.publicBase != "" {
		return b.publicBase + "/" + escapePath(key), nil
	}

	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(b.expiry))
	if err != nil {
		return "", b.opError("public_url", key, err)
	}
	return req.URL, nil
}

func escapePath(p string) string {
	segs := vpath.Split(p)
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// Rename copies through the public URL then deletes the original.
func (b *Backend) Rename(ctx context.Context, oldPath, newPath string) error {
	return storage.RenameByCopy(ctx, b, b.fetcher, oldPath, newPath)
}

// CreateFolder uploads a placeholder so the prefix shows up in listings.
func (b *Backend) CreateFolder(ctx context.Context, dir, name string) error {
	return storage.CreatePlaceholder(ctx, b, dir, name)
}

// Capabilities reports both optional operations as synthesized.
func (b *Backend) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		Rename:       storage.Synthesized,
		CreateFolder: storage.Synthesized,
	}
}

// Type returns "s3".
func (b *Backend) Type() string { return backendType }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }

func (b *Backend) opError(op, key string, err error) error {
	return storage.NewOpError(backendType, op, key, classify(err), err)
}

// classify maps S3 API error codes and HTTP statuses onto storage kinds.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return storage.ErrNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return storage.ErrPermissionDenied
		case "NotImplemented", "MethodNotAllowed":
			return storage.ErrUnsupportedOperation
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return storage.KindForStatus(respErr.HTTPStatusCode())
	}
	return storage.Classify(err)
}
