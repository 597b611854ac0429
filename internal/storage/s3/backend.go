// Package s3 provides an S3 / MinIO storage backend.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/epam/ai-dial-core-sub000/internal/logging"
	"github.com/epam/ai-dial-core-sub000/internal/storage"
)

const headConcurrency = 16

// BackendConfig is a JSON-serializable config for S3 backends.
type BackendConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	// CreateBucket creates the bucket at startup when it is missing.
	CreateBucket bool `json:"create_bucket"`
}

// Backend implements storage.Backend using S3/MinIO. Attributes are stored
// as user metadata.
type Backend struct {
	client *s3.Client
	bucket string
}

// NewBackend creates a new S3 backend from a BackendConfig. A static key pair
// and endpoint are used when set, otherwise the default AWS chain applies.
func NewBackend(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
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

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	backend := &Backend{client: client, bucket: cfg.Bucket}
	if cfg.CreateBucket {
		if err := backend.ensureBucket(ctx); err != nil {
			logging.Error("bucket check failed", zap.Error(err))
		}
	}
	return backend, nil
}

// NewBackendFromJSON creates a Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

func (b *Backend) ensureBucket(ctx context.Context) (err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "create_bucket", start, err) }(time.Now())

	_, err = b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	if _, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, err)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// Exists checks if an object exists in S3.
func (b *Backend) Exists(ctx context.Context, key string) (ok bool, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "head_object", start, err) }(time.Now())

	_, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", key, err)
	}
	return true, nil
}

// Get retrieves an object from S3.
func (b *Backend) Get(ctx context.Context, key string) (obj *storage.Object, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "get_object", start, err) }(time.Now())

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return &storage.Object{
		Data:            data,
		ContentType:     aws.ToString(result.ContentType),
		ContentEncoding: aws.ToString(result.ContentEncoding),
		Attributes:      result.Metadata,
		LastModified:    aws.ToTime(result.LastModified),
	}, nil
}

// Put uploads an object to S3.
func (b *Backend) Put(ctx context.Context, key string, obj *storage.Object) (err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "put_object", start, err) }(time.Now())

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(obj.Data),
		ContentLength: aws.Int64(int64(len(obj.Data))),
		Metadata:      storage.CloneAttributes(obj.Attributes),
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if obj.ContentEncoding != "" {
		input.ContentEncoding = aws.String(obj.ContentEncoding)
	}
	if _, err = b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	logging.Debug("S3 put object", zap.String("key", key), zap.Int("size", len(obj.Data)))
	return nil
}

// Delete removes an object from S3.
func (b *Backend) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "delete_object", start, err) }(time.Now())

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// List lists one page under prefix. Leaf attributes are fetched with a
// HeadObject per key, at most headConcurrency at a time, since ListObjectsV2
// does not return user metadata.
func (b *Backend) List(ctx context.Context, prefix string, opts storage.ListOptions) (page *storage.Page, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "list_objects", start, err) }(time.Now())

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}
	if !opts.Recursive {
		input.Delimiter = aws.String("/")
	}
	if opts.Token != "" {
		input.ContinuationToken = aws.String(opts.Token)
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit))
	}

	out, err := b.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("list objects %s: %w", prefix, err)
	}

	page = &storage.Page{}
	for _, p := range out.CommonPrefixes {
		page.Entries = append(page.Entries, storage.Entry{Key: aws.ToString(p.Prefix), Prefix: true})
	}
	leaves := make([]*storage.Entry, len(out.Contents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headConcurrency)
	for i, o := range out.Contents {
		g.Go(func() error {
			key := aws.ToString(o.Key)
			head, herr := b.client.HeadObject(gctx, &s3.HeadObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(key),
			})
			if herr != nil {
				if isNotFound(herr) {
					return nil
				}
				return fmt.Errorf("head object %s: %w", key, herr)
			}
			leaves[i] = &storage.Entry{
				Key:          key,
				Size:         aws.ToInt64(o.Size),
				ContentType:  aws.ToString(head.ContentType),
				Attributes:   head.Metadata,
				LastModified: aws.ToTime(o.LastModified),
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	for _, e := range leaves {
		if e != nil {
			page.Entries = append(page.Entries, *e)
		}
	}
	storage.SortEntries(page.Entries)
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// Copy copies an S3 object from srcKey to dstKey, metadata included.
func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) (ok bool, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "copy_object", start, err) }(time.Now())

	source := (&url.URL{Path: b.bucket + "/" + srcKey}).EscapedPath()
	_, err = b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(source),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	logging.Debug("S3 copy object", zap.String("src", srcKey), zap.String("dst", dstKey))
	return true, nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }
