package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/tinytelemetry/snapsync/internal/model"
)

// S3Config holds S3 parameters for the object-store backend.
//
// The per-call token is not used by this backend; credentials come from
// AccessKey/SecretKey or, when both are empty, the default AWS chain.
type S3Config struct {
	BucketURL    string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
}

// s3API is the part of *s3.Client the backend calls.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Client keeps each snapshot as one JSON object named <prefix>/<id>.json.
type S3Client struct {
	api       s3API
	bucket    string
	keyPrefix string
	newID     func() string
}

var _ Client = (*S3Client)(nil)

// NewS3Client constructs a client from an S3 bucket URL.
// BucketURL format: s3://bucket/prefix (prefix optional).
func NewS3Client(ctx context.Context, cfg S3Config) (*S3Client, error) {
	bucket, prefix, err := parseS3BucketURL(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	accessKey := strings.TrimSpace(cfg.AccessKey)
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if (accessKey == "") != (secretKey == "") {
		return nil, fmt.Errorf("s3: access key and secret key must be set together: %w", model.ErrConfig)
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w: %w", model.ErrConfig, err)
	}

	endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Client(api, bucket, prefix), nil
}

func newS3Client(api s3API, bucket, prefix string) *S3Client {
	return &S3Client{
		api:       api,
		bucket:    bucket,
		keyPrefix: prefix,
		newID:     uuid.NewString,
	}
}

// Get downloads and decodes the object for id.
func (c *S3Client) Get(ctx context.Context, _ string, id string) (*model.Snapshot, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(id)),
	})
	if err != nil {
		return nil, classifyS3Error("get", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxResponseBytes))
	if err != nil {
		return nil, networkError("get", err)
	}
	return decodeDocument(id, data)
}

// Create writes a new object under a fresh id.
func (c *S3Client) Create(ctx context.Context, _ string, req Request) (*model.Snapshot, error) {
	id := c.newID()
	if err := c.put(ctx, "create", id, req); err != nil {
		return nil, err
	}
	return snapshotFromRequest(id, req), nil
}

// Update overwrites the object for id.
func (c *S3Client) Update(ctx context.Context, _ string, id string, req Request) (*model.Snapshot, error) {
	if req.Description == "" {
		req.Description = model.UpdateDescription
	}
	if err := c.put(ctx, "update", id, req); err != nil {
		return nil, err
	}
	return snapshotFromRequest(id, req), nil
}

func (c *S3Client) put(ctx context.Context, op, id string, req Request) error {
	body, err := encodeDocument(id, req)
	if err != nil {
		return err
	}
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.key(id)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return classifyS3Error(op, err)
	}
	return nil
}

func (c *S3Client) key(id string) string {
	objectKey := id + ".json"
	if c.keyPrefix != "" {
		objectKey = path.Join(c.keyPrefix, objectKey)
	}
	return objectKey
}

func snapshotFromRequest(id string, req Request) *model.Snapshot {
	return &model.Snapshot{
		ID:          id,
		Description: req.Description,
		Files: map[string]model.SnapshotFile{
			req.Filename: {Filename: req.Filename, Content: req.Content},
		},
	}
}

// classifyS3Error maps service answers to APIError and everything else,
// including transport failures, to a network error.
func classifyS3Error(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return networkError(op, err)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return networkError(op, err)
	}
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	return &APIError{Op: op, StatusCode: status, Message: apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()}
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	scheme := "https://"
	if !useSSL {
		scheme = "http://"
	}
	return scheme + endpoint
}

func parseS3BucketURL(raw string) (bucket string, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("s3: parse bucket-url: %w: %w", model.ErrConfig, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3: bucket-url must use s3:// scheme: %w", model.ErrConfig)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", "", fmt.Errorf("s3: bucket-url missing bucket name: %w", model.ErrConfig)
	}

	prefix = strings.Trim(strings.TrimSpace(u.Path), "/")
	return u.Host, prefix, nil
}
