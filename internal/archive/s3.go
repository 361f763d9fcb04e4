package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/attic/pkg/types"
)

// S3Config configures the S3 sink. Endpoint and PathStyle target
// S3-compatible servers such as MinIO. Empty keys fall back to the default
// AWS credential chain.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	// HTTPClient replaces the SDK transport.
	HTTPClient *http.Client
}

// S3 stores one JSON object per archive record under a key prefix.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Sink = (*S3)(nil)

// NewS3 builds an S3 sink from cfg.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, types.ErrArchiveBucketEmpty
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
	})
	return &S3{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Driver implements Sink.
func (s *S3) Driver() string { return types.ArchiveS3 }

func (s *S3) key(id string) string {
	if s.prefix == "" {
		return id + ".json"
	}
	return path.Join(s.prefix, id+".json")
}

func (s *S3) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

// Put implements Sink. Archive objects are create-only.
func (s *S3) Put(ctx context.Context, rec types.ArchiveRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	key := s.key(rec.ArchiveID)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err == nil {
		return types.Invalid("archive", "archive %s already exists", rec.ArchiveID)
	}
	if !notFound(err) {
		return fmt.Errorf("checking archive %s: %w", rec.ArchiveID, err)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding archive %s: %w", rec.ArchiveID, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("writing archive %s: %w", rec.ArchiveID, err)
	}
	return nil
}

// Get implements Sink.
func (s *S3) Get(ctx context.Context, id string) (*types.ArchiveRecord, error) {
	return s.get(ctx, s.key(id), id)
}

func (s *S3) get(ctx context.Context, key, id string) (*types.ArchiveRecord, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if notFound(err) {
		return nil, types.NotFound("archive", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading archive %s: %w", id, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading archive %s: %w", id, err)
	}
	var rec types.ArchiveRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decoding archive %s: %w", id, err)
	}
	return &rec, nil
}

// List implements Sink. Objects are fetched concurrently.
func (s *S3) List(ctx context.Context) ([]types.ArchiveRecord, error) {
	prefix := s.listPrefix()
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing archives: %w", err)
		}
		for _, obj := range out.Contents {
			k := aws.ToString(obj.Key)
			if strings.HasSuffix(k, ".json") && !strings.Contains(strings.TrimPrefix(k, prefix), "/") {
				keys = append(keys, k)
			}
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}

	recs := make([]types.ArchiveRecord, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, k := range keys {
		g.Go(func() error {
			id := strings.TrimSuffix(path.Base(k), ".json")
			rec, err := s.get(gctx, k, id)
			if err != nil {
				return err
			}
			recs[i] = *rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sortRecords(recs)
	return recs, nil
}

// Remove implements Sink.
func (s *S3) Remove(ctx context.Context, id string) error {
	key := s.key(id)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		if notFound(err) {
			return types.NotFound("archive", id)
		}
		return fmt.Errorf("checking archive %s: %w", id, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return fmt.Errorf("removing archive %s: %w", id, err)
	}
	return nil
}

func notFound(err error) bool {
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
