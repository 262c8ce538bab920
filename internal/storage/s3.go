package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3OpTimeout = 5 * time.Minute

// S3Config holds configuration for the S3 storage backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `yaml:"bucket"`
	// Prefix is prepended to every key (optional).
	Prefix string `yaml:"prefix"`
	// Region is the AWS region (optional, uses default chain if empty).
	Region string `yaml:"region"`
	// Endpoint is a custom endpoint URL for S3-compatible providers.
	Endpoint string `yaml:"endpoint"`
	// UsePathStyle forces path-style addressing. Required by most
	// S3-compatible providers.
	UsePathStyle bool `yaml:"use_path_style"`
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// S3API is the subset of the S3 client the provider uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 stores files as objects. Paths are slash-separated keys below the
// configured prefix; folders are key prefixes.
type S3 struct {
	client S3API
	bucket string
	prefix string
	// opTimeout bounds metadata and upload calls. Downloads are bounded by
	// the reader's Close instead, since a restore streams the body at the
	// data channel's pace.
	opTimeout time.Duration
}

// NewS3 creates a provider using the AWS default credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return NewS3WithClient(s3.NewFromConfig(awsConfig, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

// NewS3WithClient creates a provider over an existing client.
func NewS3WithClient(client S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), opTimeout: s3OpTimeout}
}

func (p *S3) key(name string) string {
	name = strings.Trim(name, "/")
	if p.prefix == "" {
		return name
	}
	return p.prefix + "/" + name
}

func (p *S3) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.opTimeout)
}

func (p *S3) Exists(name string) (bool, error) {
	if ok, err := p.IsFile(name); ok || err != nil {
		return ok, err
	}
	ctx, cancel := p.ctx()
	defer cancel()
	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(p.key(name) + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, wrapError("list", name, err)
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

func (p *S3) IsFile(name string) (bool, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapError("head", name, err)
	}
	return true, nil
}

// List returns the objects and sub-folders directly below name.
func (p *S3) List(name string) ([]string, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	dir := strings.Trim(name, "/")
	prefix := p.key(dir) + "/"
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}
	var out []string
	for {
		page, err := p.client.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, wrapError("list", name, err)
		}
		for _, obj := range page.Contents {
			if aws.ToString(obj.Key) == prefix {
				continue
			}
			out = append(out, path.Join(dir, path.Base(aws.ToString(obj.Key))))
		}
		for _, cp := range page.CommonPrefixes {
			out = append(out, path.Join(dir, path.Base(strings.TrimSuffix(aws.ToString(cp.Prefix), "/"))))
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		in.ContinuationToken = page.NextContinuationToken
	}
	sort.Strings(out)
	return out, nil
}

// Open streams an object. The request stays live until the reader is
// closed.
func (p *S3) Open(name string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(context.Background())
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			return nil, wrapError("get", name, fmt.Errorf("%w: %v", ErrNotFound, err))
		}
		return nil, wrapError("get", name, err)
	}
	return &cancelReadCloser{ReadCloser: out.Body, cancel: cancel}, nil
}

func (p *S3) ReadFile(name string) ([]byte, error) {
	rc, err := p.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, wrapError("read", name, err)
	}
	return b, nil
}

// Create buffers the object in a temporary file and uploads it on Commit.
func (p *S3) Create(name string) (Sink, error) {
	f, err := os.CreateTemp("", "backhaul-s3-*")
	if err != nil {
		return nil, wrapError("create", name, err)
	}
	return &s3Sink{provider: p, name: name, file: f}, nil
}

func (p *S3) WriteFile(name string, data []byte) error {
	return p.put(name, bytes.NewReader(data))
}

// MkdirAll is a no-op: folders exist implicitly as key prefixes.
func (p *S3) MkdirAll(string) error {
	return nil
}

func (p *S3) Join(elem ...string) string {
	return path.Join(elem...)
}

func (p *S3) put(name string, body io.Reader) error {
	ctx, cancel := p.ctx()
	defer cancel()
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
		Body:   body,
	})
	return wrapError("put", name, err)
}

type s3Sink struct {
	provider *S3
	name     string
	file     *os.File
	done     bool
}

func (s *s3Sink) Write(b []byte) (int, error) {
	n, err := s.file.Write(b)
	return n, wrapError("write", s.name, err)
}

func (s *s3Sink) Commit() error {
	if s.done {
		return nil
	}
	s.done = true
	defer s.discard()
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return wrapError("commit", s.name, err)
	}
	return s.provider.put(s.name, s.file)
}

func (s *s3Sink) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	s.discard()
	return nil
}

func (s *s3Sink) discard() {
	s.file.Close()
	os.Remove(s.file.Name())
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

var _ Provider = (*S3)(nil)
