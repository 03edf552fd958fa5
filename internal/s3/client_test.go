package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is an in-memory stand-in for the S3 service.
type fakeAPI struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: map[string][]byte{}, pageSize: 2}
}

func (f *fakeAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := f.objects[key]; ok {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}
	body, _ := io.ReadAll(in.Body)
	f.objects[key] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeAPI) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestClient_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	c := newClient(newFakeAPI(), "backing")

	require.NoError(t, c.PutObject(ctx, "objects/a", []byte("one"), PutOptions{}))
	body, err := c.GetObject(ctx, "objects/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), body)

	ok, err := c.HeadObject(ctx, "objects/a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.DeleteObject(ctx, "objects/a"))
	_, err = c.GetObject(ctx, "objects/a")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = c.HeadObject(ctx, "objects/a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_IfNoneMatch(t *testing.T) {
	ctx := context.Background()
	c := newClient(newFakeAPI(), "backing")

	require.NoError(t, c.PutObject(ctx, "buckets/photos", nil, PutOptions{IfNoneMatch: true}))
	err := c.PutObject(ctx, "buckets/photos", nil, PutOptions{IfNoneMatch: true})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	// Unconditional writes replace.
	require.NoError(t, c.PutObject(ctx, "buckets/photos", []byte("x"), PutOptions{}))
}

func TestClient_ListObjectsPaginates(t *testing.T) {
	ctx := context.Background()
	c := newClient(newFakeAPI(), "backing")

	for _, k := range []string{"objects/b/1", "objects/b/2", "objects/b/3", "objects/b/4", "objects/c/1"} {
		require.NoError(t, c.PutObject(ctx, k, []byte("x"), PutOptions{}))
	}

	keys, err := c.ListObjects(ctx, "objects/b/", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"objects/b/1", "objects/b/2", "objects/b/3", "objects/b/4"}, keys)

	keys, err = c.ListObjects(ctx, "objects/b/", 3)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestMapError(t *testing.T) {
	other := errors.New("connection reset")
	assert.ErrorIs(t, mapError(&smithy.GenericAPIError{Code: "NotFound"}), ErrNotFound)
	assert.ErrorIs(t, mapError(&smithy.GenericAPIError{Code: "ConditionalRequestConflict"}), ErrPreconditionFailed)
	assert.Equal(t, other, mapError(other))
}
