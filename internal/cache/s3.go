package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "candleflow/config"
	"candleflow/logger"
)

// Mirror replicates cached archive files to an S3 bucket. Reads are served
// before hitting the remote archive; writes are best effort so a mirror
// outage never fails an ingestion run.
type Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	log    *logger.Log

	uploads   int64
	downloads int64
	errors    int64
}

// NewMirror configures the AWS SDK and validates credentials. Static
// credentials from the config take precedence over the default chain.
func NewMirror(ctx context.Context, cfg appconfig.S3Config, log *logger.Log) (*Mirror, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("cache_mirror").WithFields(logger.Fields{
		"bucket": cfg.Bucket,
		"region": cfg.Region,
	}).Debug("cache mirror initialized")

	return &Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: "archive",
		log:    log,
	}, nil
}

func (m *Mirror) objectKey(key string) string {
	return path.Join(m.prefix, strings.ReplaceAll(key, "\\", "/"))
}

// Get downloads a mirrored archive file. Any failure, missing object
// included, is returned as an error and the caller falls through to the
// remote archive.
func (m *Mirror) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.objectKey(key)),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		atomic.AddInt64(&m.errors, 1)
		return nil, fmt.Errorf("reading mirrored object: %w", err)
	}
	atomic.AddInt64(&m.downloads, 1)
	return data, nil
}

// Put uploads an archive file to the mirror. Failures are logged and counted
// but never propagated.
func (m *Mirror) Put(ctx context.Context, key string, data []byte) {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.objectKey(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		atomic.AddInt64(&m.errors, 1)
		m.log.WithComponent("cache_mirror").WithFields(logger.Fields{
			"key": key,
		}).WithError(err).Warn("failed to upload archive file to mirror")
		return
	}
	atomic.AddInt64(&m.uploads, 1)
}

// Stats returns cumulative mirror transfer counters.
func (m *Mirror) Stats() (uploads, downloads, errors int64) {
	return atomic.LoadInt64(&m.uploads), atomic.LoadInt64(&m.downloads), atomic.LoadInt64(&m.errors)
}
