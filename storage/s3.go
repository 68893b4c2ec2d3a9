package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Config configures the S3-compatible backend. Endpoint may point at
// MinIO or any other S3-compatible server; leave it empty for AWS.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Store implements Store on an S3-compatible bucket.
type S3Store struct {
	client *s3.S3
	bucket string
}

// NewS3Store connects to the configured bucket, creating it when it
// does not exist yet.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	awsCfg := aws.NewConfig()
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.
			WithEndpoint(cfg.Endpoint).
			WithS3ForcePathStyle(true).
			WithDisableSSL(!cfg.UseSSL)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(
			credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create session: %w", err)
	}

	st := &S3Store{client: s3.New(sess), bucket: cfg.Bucket}
	if err := st.ensureBucket(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *S3Store) ensureBucket() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchBucket, "NotFound":
			_, err = s.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
			if err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", s.bucket, err)
			}
			return nil
		}
	}
	return fmt.Errorf("storage: head bucket %s: %w", s.bucket, err)
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) DeleteByPrefix(ctx context.Context, prefix string) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	var delErr error
	err := s.client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, _ bool) bool {
			if len(page.Contents) == 0 {
				return true
			}
			objects := make([]*s3.ObjectIdentifier, 0, len(page.Contents))
			for _, obj := range page.Contents {
				objects = append(objects, &s3.ObjectIdentifier{Key: obj.Key})
			}
			_, delErr = s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			return delErr == nil
		})
	if err != nil {
		return fmt.Errorf("storage: list %s: %w", prefix, err)
	}
	if delErr != nil {
		return fmt.Errorf("storage: delete %s: %w", prefix, delErr)
	}
	return nil
}

func (s *S3Store) PresignGet(key string, expires time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(expires)
	if err != nil {
		return "", fmt.Errorf("storage: presign get %s: %w", key, err)
	}
	return url, nil
}

func (s *S3Store) PresignPut(key, contentType string, expires time.Duration) (string, error) {
	req, _ := s.client.PutObjectRequest(&s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	url, err := req.Presign(expires)
	if err != nil {
		return "", fmt.Errorf("storage: presign put %s: %w", key, err)
	}
	return url, nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	return nil
}
