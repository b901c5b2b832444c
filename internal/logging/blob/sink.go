package blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/stocksage/logshipper/internal/logging"
)

// ObjectStore is the minimal surface the sink needs from the object
// storage client (extracted for testing).
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// Target identifies where batches land. Static for the process lifetime.
type Target struct {
	Bucket    string
	KeyPrefix string
	// Instance disambiguates concurrent processes writing to the same
	// prefix; typically a UUID chosen at startup.
	Instance string
}

// Key builds the destination key for a batch. The day partition comes from
// the batch creation time and the sequence number makes retries of the same
// batch idempotent: they always target the same key.
func (t Target) Key(seq uint64, ts time.Time, compressed bool) string {
	name := fmt.Sprintf("%s-%06d.log", t.Instance, seq)
	if compressed {
		name += ".gz"
	}
	return path.Join(t.KeyPrefix, ts.UTC().Format("2006-01-02"), name)
}

// Sink serializes batches and writes each one as a single object. It is not
// safe for concurrent use; only the scheduler's worker touches it.
type Sink struct {
	store    ObjectStore
	target   Target
	format   Formatter
	compress bool
	log      *logrus.Entry
}

func NewSink(store ObjectStore, target Target, format Formatter, compress bool) *Sink {
	return &Sink{
		store:    store,
		target:   target,
		format:   format,
		compress: compress,
		log:      logrus.WithField("component", "blob-sink"),
	}
}

// Write implements logging.Sink. Returned errors are classified as
// transient or permanent; serialization failures are permanent.
func (s *Sink) Write(ctx context.Context, batch logging.Batch) error {
	payload, err := s.format.Format(batch)
	if err != nil {
		return err
	}

	contentType := s.format.ContentType()
	if s.compress {
		payload, err = gzipPayload(payload)
		if err != nil {
			return &logging.SerializationError{Err: err}
		}
		contentType = "application/gzip"
	}

	key := s.target.Key(batch.Seq, batch.CreatedAt, s.compress)

	if err := s.store.Put(ctx, s.target.Bucket, key, payload, contentType); err != nil {
		return classify(fmt.Errorf("put %s/%s: %w", s.target.Bucket, key, err))
	}

	s.log.WithFields(logrus.Fields{
		"batch":   batch.Seq,
		"records": len(batch.Records),
		"key":     key,
		"bytes":   len(payload),
	}).Debug("Batch written")

	return nil
}

func gzipPayload(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// S3Store talks to an S3-compatible object storage service.
type S3Store struct {
	client *s3.Client
}

// NewS3Store builds a client with static credentials. An empty endpoint
// uses the real AWS endpoints for the region; otherwise path-style
// addressing is enabled for S3-compatible servers.
func NewS3Store(endpoint, region, accessKey, secretKey string) *S3Store {
	cfg := aws.Config{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client}
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	}

	_, err := s.client.PutObject(ctx, input)
	return err
}
