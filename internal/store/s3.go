package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"dircopy-go/internal/codec"
	"dircopy-go/internal/dc"
	"dircopy-go/internal/digest"
)

// S3API is the subset of the S3 client the store uses. It includes the
// multipart calls the upload manager needs for large file records.
type S3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps blocks as objects under <prefix>/blocks/<hh>/<id hex>.
type S3Store struct {
	name        string
	bucket      string
	prefix      string
	client      S3API
	uploader    *manager.Uploader
	concurrency int
}

// S3Options configure a store built from credentials and a region.
type S3Options struct {
	Bucket      string
	Prefix      string
	Region      string
	Endpoint    string // optional, for S3-compatible services
	AccessKey   string // optional; the default credential chain is used otherwise
	SecretKey   string
	Concurrency int // parallel HEAD requests per Many call
}

// NewS3Store creates a store over an existing client.
func NewS3Store(name string, client S3API, bucket, prefix string, concurrency int) *S3Store {
	if concurrency < 1 {
		concurrency = 16
	}
	return &S3Store{
		name:        name,
		bucket:      bucket,
		prefix:      prefix,
		client:      client,
		uploader:    manager.NewUploader(client),
		concurrency: concurrency,
	}
}

// NewS3StoreFromOptions loads AWS configuration and creates a client.
func NewS3StoreFromOptions(ctx context.Context, name string, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Store(name, client, opts.Bucket, opts.Prefix, opts.Concurrency), nil
}

// Name returns the configured name of the store.
func (s *S3Store) Name() string { return s.name }

func (s *S3Store) objectKey(id digest.Key) string {
	hex := id.String()
	return path.Join(s.prefix, "blocks", hex[:2], hex)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (s *S3Store) head(ctx context.Context, id digest.Key) (*s3.HeadObjectOutput, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("head block %s: %w", id, err)
	}
	return out, nil
}

func (s *S3Store) Is(ctx context.Context, id digest.Key) (bool, error) {
	out, err := s.head(ctx, id)
	return out != nil, err
}

func (s *S3Store) Read(ctx context.Context, id digest.Key) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", dc.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get block %s: %w", id, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading block %s: %w", id, err)
	}
	return data, nil
}

// Write uploads data unless the object already exists.
func (s *S3Store) Write(ctx context.Context, id digest.Key, data []byte) error {
	ok, err := s.Is(ctx, id)
	if err != nil || ok {
		return err
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("uploading block %s: %w", id, err)
	}
	return nil
}

// Many issues one HEAD per id, up to the configured concurrency.
func (s *S3Store) Many(ctx context.Context, ids []digest.Key) (uint64, error) {
	if err := checkBatch(ids); err != nil {
		return 0, err
	}
	found := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			ok, err := s.Is(gctx, id)
			found[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var bitmap uint64
	for i, ok := range found {
		if ok {
			bitmap |= 1 << uint(i)
		}
	}
	return bitmap, nil
}

// Validate checks existence and structure from the object size and its
// first byte, without downloading the block.
func (s *S3Store) Validate(ctx context.Context, id digest.Key) (bool, error) {
	head, err := s.head(ctx, id)
	if err != nil || head == nil {
		return false, err
	}
	size := aws.ToInt64(head.ContentLength)
	if size < 1 {
		return false, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
		Range:  aws.String("bytes=0-0"),
	})
	if err != nil {
		return false, fmt.Errorf("get block header %s: %w", id, err)
	}
	defer out.Body.Close()

	var tag [1]byte
	if _, err := io.ReadFull(out.Body, tag[:]); err != nil {
		return false, fmt.Errorf("reading block header %s: %w", id, err)
	}
	return codec.WellformedHeader(tag[0], size), nil
}

var _ dc.Store = (*S3Store)(nil)
