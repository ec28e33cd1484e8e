package flash

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/relabs-tech/tbdevice/core/logger"
)

// S3Builder is a builder helper for the S3 writer
type S3Builder struct {
	// Bucket is mandatory
	Bucket string
	// Key is the object key of the image. This is mandatory.
	Key string
	// Region of the bucket
	Region string
	// AccessID and AccessKey are static credentials. If empty, the default credential
	// chain is used.
	AccessID  string
	AccessKey string
	// StagingDir holds the download until it is uploaded. Default is os.TempDir().
	StagingDir string
	// Timeout of the upload. Default is one minute.
	Timeout time.Duration
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 is a Writer that stages the image in a local file and uploads it to an S3 bucket
// on End.
type S3 struct {
	*File
	bucket   string
	key      string
	timeout  time.Duration
	uploader uploader
}

// NewS3 returns a new S3 writer
func NewS3(b *S3Builder) (*S3, error) {
	if b.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}
	options := []func(*config.LoadOptions) error{config.WithRegion(b.Region)}
	if b.AccessID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.AccessID, b.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, err
	}
	logger.ForComponent("flash").Debugf("S3 image storage in bucket %s enabled", b.Bucket)
	return newS3(b, manager.NewUploader(s3.NewFromConfig(cfg))), nil
}

func newS3(b *S3Builder, u uploader) *S3 {
	if b.Key == "" {
		panic("Key is missing")
	}
	dir := b.StagingDir
	if dir == "" {
		dir = os.TempDir()
	}
	timeout := b.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	return &S3{
		File:     NewFile(filepath.Join(dir, filepath.Base(b.Key))),
		bucket:   b.Bucket,
		key:      b.Key,
		timeout:  timeout,
		uploader: u,
	}
}

// End commits the staged image and uploads it
func (s *S3) End() error {
	if err := s.File.End(); err != nil {
		return err
	}
	image, err := os.Open(s.Path())
	if err != nil {
		return err
	}
	defer func() {
		image.Close()
		os.Remove(s.Path())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   image,
	})
	if err != nil {
		return fmt.Errorf("failed to upload image, %w", err)
	}
	logger.ForComponent("flash").Infof("image uploaded to s3://%s/%s", s.bucket, s.key)
	return nil
}
