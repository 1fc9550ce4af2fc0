package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
	"media-pipeline/internal/transcode"
)

const uploadParallelism = 4

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Publisher uploads HLS artifacts to an S3-compatible bucket.
type S3Publisher struct {
	client     objectPutter
	bucket     string
	region     string
	endpoint   string
	pathStyle  bool
	prefix     string
	publicBase string
}

// NewS3Publisher loads AWS credentials from the default chain.
func NewS3Publisher(ctx context.Context, cfg config.Config) (*S3Publisher, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("S3_BUCKET is required for the s3 storage backend")
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newS3Publisher(client, cfg), nil
}

func newS3Publisher(client objectPutter, cfg config.Config) *S3Publisher {
	return &S3Publisher{
		client:     client,
		bucket:     cfg.S3Bucket,
		region:     cfg.S3Region,
		endpoint:   strings.TrimRight(cfg.S3Endpoint, "/"),
		pathStyle:  cfg.S3PathStyle,
		prefix:     cfg.S3Prefix,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// Upload puts every file of the working directory under {prefix}/{jobID}/.
func (p *S3Publisher) Upload(ctx context.Context, out transcode.Output, jobID string) (models.MediaURLs, error) {
	files, err := collect(out, p.prefix, jobID)
	if err != nil {
		return models.MediaURLs{}, models.NewJobError(models.KindUpload, "collect", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadParallelism)
	for _, f := range files {
		f := f
		g.Go(func() error { return p.put(gctx, f) })
	}
	if err := g.Wait(); err != nil {
		return models.MediaURLs{}, models.NewJobError(models.KindUpload, "put object", err)
	}

	urls, err := urlsFor(out, p.prefix, jobID, p.publicURL)
	if err != nil {
		return models.MediaURLs{}, models.NewJobError(models.KindUpload, "urls", err)
	}
	return urls, nil
}

func (p *S3Publisher) put(ctx context.Context, f artifact) error {
	body, err := os.Open(f.localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.localPath, err)
	}
	defer body.Close()

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(p.bucket),
		Key:          aws.String(f.key),
		Body:         body,
		ContentType:  aws.String(contentType(f.key)),
		CacheControl: aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", f.key, err)
	}
	return nil
}

func (p *S3Publisher) publicURL(key string) string {
	switch {
	case p.publicBase != "":
		return p.publicBase + "/" + key
	case p.endpoint != "" && p.pathStyle:
		return fmt.Sprintf("%s/%s/%s", p.endpoint, p.bucket, key)
	case p.endpoint != "":
		return fmt.Sprintf("%s/%s", p.endpoint, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.bucket, p.region, key)
	}
}
