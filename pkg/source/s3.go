package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"marketmigration/pkg/models"
)

// S3SourceConfig holds configuration for an S3-backed record source
type S3SourceConfig struct {
	Bucket      string `json:"bucket"`
	Prefix      string `json:"prefix"`
	Region      string `json:"region"`
	EndpointURL string `json:"endpoint_url,omitempty"`
	AccessKey   string `json:"access_key,omitempty"`
	SecretKey   string `json:"secret_key,omitempty"`
	MaxRetries  int    `json:"max_retries,omitempty"`
}

// S3Source reads exported records from NDJSON objects in a bucket. Each
// object under the prefix becomes one record group; the destination table is
// the object's base name without extension (e.g. exports/2024/trades.ndjson
// feeds the trades table).
type S3Source struct {
	client *s3.Client
	config S3SourceConfig
}

// NewS3Source creates an S3-backed record source
func NewS3Source(ctx context.Context, cfg S3SourceConfig) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	region := cfg.Region
	if region == "" {
		// The SDK requires a region for signing even when an S3-compatible
		// endpoint ignores it.
		region = "us-east-1"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(maxRetries),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &S3Source{client: client, config: cfg}, nil
}

// Name identifies the source
func (s *S3Source) Name() string {
	return "s3:" + s.config.Bucket
}

// Count probes the bucket by listing export objects under the prefix. Line
// counts are not available from object metadata, so the probe reports the
// object count; a listing error fails source validation.
func (s *S3Source) Count(ctx context.Context) (int64, error) {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// Groups downloads and decodes every export object under the prefix
func (s *S3Source) Groups(ctx context.Context) ([]models.RecordGroup, error) {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return nil, err
	}

	groups := make([]models.RecordGroup, 0, len(keys))
	for _, key := range keys {
		records, err := s.readObject(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		groups = append(groups, models.RecordGroup{
			Table:   tableForKey(key),
			Records: records,
		})
	}
	return groups, nil
}

func (s *S3Source) listKeys(ctx context.Context) ([]string, error) {
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.config.Prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(listCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", s.config.Bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, ".ndjson") || strings.HasSuffix(key, ".jsonl") {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

func (s *S3Source) readObject(ctx context.Context, key string) ([]models.Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	var records []models.Record
	scanner := bufio.NewScanner(out.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec models.Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func tableForKey(key string) string {
	base := path.Base(key)
	if idx := strings.Index(base, "."); idx > 0 {
		base = base[:idx]
	}
	return base
}
