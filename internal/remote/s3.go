package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/openmined/drivesync/internal/utils"
)

const folderContentType = "application/x-directory"

type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Prefix        string
	UseAccelerate bool
}

// s3API is the subset of *s3.Client the store needs.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store maps containers onto key prefixes. A container exists when its
// zero byte marker object `<parent><name>/` exists, and its id is that prefix.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

func NewS3Store(client s3API, cfg *S3Config) *S3Store {
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: normPrefix(cfg.Prefix),
	}
}

// NewS3StoreFromConfig builds an S3 client from cfg. Static credentials are
// used when given, otherwise the default AWS credential chain applies.
func NewS3StoreFromConfig(ctx context.Context, cfg *S3Config) (*S3Store, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.UseAccelerate = cfg.UseAccelerate
	})

	return NewS3Store(client, cfg), nil
}

func (s *S3Store) CreateContainer(ctx context.Context, name, parentID string) (string, error) {
	if err := validateName(name); err != nil {
		return "", &RemoteError{Op: "create", Name: name, Err: err}
	}

	key := s.containerKey(name, parentID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(folderContentType),
	})
	if err != nil {
		return "", &RemoteError{Op: "create", Name: name, Err: err}
	}

	slog.Debug("s3 container created", "bucket", s.bucket, "key", key)
	return key, nil
}

func (s *S3Store) ListContainers(ctx context.Context, q ContainerQuery) ([]Container, error) {
	if err := validateName(q.Name); err != nil {
		return nil, &RemoteError{Op: "list", Name: q.Name, Err: err}
	}

	key := s.containerKey(q.Name, q.ParentID)
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, &RemoteError{Op: "list", Name: q.Name, Err: err}
	}

	// any object under the prefix means the folder exists, even without a marker
	if aws.ToInt32(out.KeyCount) == 0 && len(out.Contents) == 0 {
		return nil, nil
	}
	return []Container{{ID: key, Name: q.Name}}, nil
}

func (s *S3Store) UploadContent(ctx context.Context, name, parentID, localPath string) error {
	if err := validateName(name); err != nil {
		return &RemoteError{Op: "upload", Name: name, Err: err}
	}

	file, err := os.Open(localPath)
	if err != nil {
		return &RemoteError{Op: "upload", Name: name, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return &RemoteError{Op: "upload", Name: name, Err: err}
	}

	key := s.objectKey(name, parentID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(utils.DetectContentType(name)),
	})
	if err != nil {
		return &RemoteError{Op: "upload", Name: name, Err: err}
	}

	slog.Debug("s3 put", "key", key, "size", humanize.Bytes(uint64(info.Size())))
	return nil
}

func (s *S3Store) parentPrefix(parentID string) string {
	if parentID == "" {
		return s.prefix
	}
	return normPrefix(parentID)
}

func (s *S3Store) containerKey(name, parentID string) string {
	return s.parentPrefix(parentID) + name + "/"
}

func (s *S3Store) objectKey(name, parentID string) string {
	return s.parentPrefix(parentID) + name
}

func normPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
