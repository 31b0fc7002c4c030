package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dircopy-go/internal/digest"
)

// fakeS3 is an in-memory S3API. Multipart uploads are not supported, which
// is fine for blocks below the upload manager's part size.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	heads   int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if aws.ToString(in.Range) == "bytes=0-0" {
		data = data[:1]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(bytes.Clone(data)))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

var errMultipart = errors.New("multipart upload not supported by fake")

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errMultipart
}

func TestS3Store_ObjectKeys(t *testing.T) {
	fake := newFakeS3()
	s := NewS3Store("s3", fake, "bucket", "team/dc", 2)

	id, stored := encodedBlock(t, "keyed")
	if err := s.Write(context.Background(), id, stored); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	hex := id.String()
	want := "team/dc/blocks/" + hex[:2] + "/" + hex
	if _, ok := fake.objects[want]; !ok {
		var keys []string
		for k := range fake.objects {
			keys = append(keys, k)
		}
		t.Errorf("object not stored at %q; have %s", want, strings.Join(keys, ", "))
	}
}

func TestS3Store_ManyUsesHead(t *testing.T) {
	fake := newFakeS3()
	s := NewS3Store("s3", fake, "bucket", "", 3)

	var ids []digest.Key
	for _, content := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		id, _ := encodedBlock(t, content)
		ids = append(ids, id)
	}

	bitmap, err := s.Many(context.Background(), ids)
	if err != nil {
		t.Fatalf("Many() error = %v", err)
	}
	if bitmap != 0 {
		t.Errorf("Many() = %b, want 0", bitmap)
	}
	if fake.heads != len(ids) {
		t.Errorf("Many() issued %d HEAD requests, want %d", fake.heads, len(ids))
	}
}
