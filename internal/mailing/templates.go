package mailing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrTemplateNotFound is returned when a template reference does not resolve.
var ErrTemplateNotFound = errors.New("template not found")

// TemplateContent is the stored form of a reusable template.
type TemplateContent struct {
	Subject string `json:"subject,omitempty"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`
}

// TemplateStore resolves template references at launch.
type TemplateStore interface {
	Load(ctx context.Context, ref string) (*TemplateContent, error)
}

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3TemplateStore keeps templates as objects under a key prefix. Objects
// ending in .json hold a TemplateContent document; anything else is HTML.
type S3TemplateStore struct {
	client s3API
	bucket string
	prefix string
}

// NewS3TemplateStore creates a store using the default AWS credential chain.
func NewS3TemplateStore(ctx context.Context, bucket, region, prefix string) (*S3TemplateStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for template store: %w", err)
	}
	log.Printf("[Templates] Using s3://%s/%s", bucket, prefix)
	return newS3TemplateStore(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func newS3TemplateStore(client s3API, bucket, prefix string) *S3TemplateStore {
	return &S3TemplateStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3TemplateStore) key(ref string) (string, error) {
	ref = strings.TrimPrefix(ref, "/")
	if ref == "" || strings.Contains(ref, "..") {
		return "", fmt.Errorf("%w: invalid reference %q", ErrTemplateNotFound, ref)
	}
	return path.Join(s.prefix, ref), nil
}

// Ping checks that the bucket is reachable.
func (s *S3TemplateStore) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("S3 HeadBucket %s: %w", s.bucket, err)
	}
	return nil
}

// Load fetches and decodes a template.
func (s *S3TemplateStore) Load(ctx context.Context, ref string) (*TemplateContent, error) {
	key, err := s.key(ref)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, ref)
		}
		return nil, fmt.Errorf("S3 GetObject %s/%s: %w", s.bucket, key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading template body: %w", err)
	}
	if strings.HasSuffix(key, ".json") {
		var tc TemplateContent
		if err := json.Unmarshal(body, &tc); err != nil {
			return nil, fmt.Errorf("decoding template %s: %w", ref, err)
		}
		return &tc, nil
	}
	return &TemplateContent{HTML: string(body)}, nil
}

// Save writes a template document.
func (s *S3TemplateStore) Save(ctx context.Context, ref string, tc *TemplateContent) error {
	key, err := s.key(ref)
	if err != nil {
		return err
	}
	body, contentType := []byte(tc.HTML), "text/html; charset=utf-8"
	if strings.HasSuffix(key, ".json") {
		if body, err = json.Marshal(tc); err != nil {
			return fmt.Errorf("encoding template: %w", err)
		}
		contentType = "application/json"
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s/%s: %w", s.bucket, key, err)
	}
	return nil
}
