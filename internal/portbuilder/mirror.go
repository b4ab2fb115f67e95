package portbuilder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MirrorClient wraps an S3-compatible bucket holding prebuilt binary
// packages.  It backs the repo resolution method.
type MirrorClient struct {
	Client *s3.Client
	Bucket string
}

// NewMirrorClient initializes the mirror client from configuration values.
func NewMirrorClient(cfg *Config) (*MirrorClient, error) {
	endpoint := cfg.Values["PB_MIRROR_ENDPOINT"]
	accessKey := cfg.Values["PB_MIRROR_ACCESS_KEY"]
	secretKey := cfg.Values["PB_MIRROR_SECRET_KEY"]
	bucket := cfg.Values["PB_MIRROR_BUCKET"]

	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, fmt.Errorf("mirror credentials missing in configuration (PB_MIRROR_ENDPOINT, PB_MIRROR_ACCESS_KEY, PB_MIRROR_SECRET_KEY, PB_MIRROR_BUCKET)")
	}

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithRegion("auto"),
	}
	if cfg.Debug {
		options = append(options, awsconfig.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &MirrorClient{Client: client, Bucket: bucket}, nil
}

// Fetch downloads a package object from the mirror into destFile.
func (m *MirrorClient) Fetch(ctx context.Context, key, destFile string) error {
	output, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer output.Body.Close()

	out, err := os.Create(destFile)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, output.Body); err != nil {
		os.Remove(destFile)
		return err
	}
	return nil
}

// Upload pushes a local package file to the mirror.
func (m *MirrorClient) Upload(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".zst") {
		contentType = "application/zstd"
	}

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
	})
	return err
}

// Exists reports whether the mirror has a package object.
func (m *MirrorClient) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns the package keys available under a prefix.
func (m *MirrorClient) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(m.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}
