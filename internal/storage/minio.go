package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/juju/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("savage-files-storage")

// MinioClient stores chunk bodies as individual MinIO objects
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

// NewMinioClient initializes a new MinIO client and makes sure the bucket exists
func NewMinioClient(ctx context.Context, log logrus.FieldLogger, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		log.WithField("bucket", bucketName).Info("creating bucket")
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioClient{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// PutChunk uploads a chunk body
func (mc *MinioClient) PutChunk(ctx context.Context, key string, data []byte) error {
	ctx, span := tracer.Start(ctx, "minio.put_chunk",
		trace.WithAttributes(
			attribute.String("blob_key", key),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	_, err := mc.client.PutObject(ctx, mc.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload chunk %s: %w", key, err)
	}
	return nil
}

// GetChunk downloads a chunk body. A missing key is reported as NotFound.
func (mc *MinioClient) GetChunk(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "minio.get_chunk",
		trace.WithAttributes(attribute.String("blob_key", key)),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, mc.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, mc.translate(err, key)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		span.RecordError(err)
		return nil, mc.translate(err, key)
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

// RemovePrefix deletes every chunk body under prefix. Removing an empty
// prefix is not an error.
func (mc *MinioClient) RemovePrefix(ctx context.Context, prefix string) error {
	ctx, span := tracer.Start(ctx, "minio.remove_prefix",
		trace.WithAttributes(attribute.String("prefix", prefix)),
	)
	defer span.End()

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	keys := make(chan minio.ObjectInfo)
	listDone := make(chan struct{})
	var listErr error
	go func() {
		defer close(listDone)
		defer close(keys)
		for info := range mc.client.ListObjects(listCtx, mc.bucketName, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if info.Err != nil {
				listErr = info.Err
				return
			}
			select {
			case keys <- info:
			case <-listCtx.Done():
				return
			}
		}
	}()

	// the error channel must be drained completely or RemoveObjects leaks
	var firstErr error
	var failed int
	for rmErr := range mc.client.RemoveObjects(ctx, mc.bucketName, keys, minio.RemoveObjectsOptions{}) {
		if rmErr.Err == nil {
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to remove chunk %s: %w", rmErr.ObjectName, rmErr.Err)
		}
	}
	cancel()
	<-listDone

	span.SetAttributes(attribute.Int("remove_errors", failed))
	if firstErr != nil {
		span.RecordError(firstErr)
		return firstErr
	}
	if listErr != nil {
		span.RecordError(listErr)
		return fmt.Errorf("failed to list chunks under %s: %w", prefix, listErr)
	}
	return ctx.Err()
}

func (mc *MinioClient) translate(err error, key string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return errors.NotFoundf("chunk %s", key)
	}
	return fmt.Errorf("failed to download chunk %s: %w", key, err)
}
