package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects   map[string][]byte
	putErr    error
	deleteErr error
	lastPut   *s3.PutObjectInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.lastPut = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func mustNewS3Store(t *testing.T, api *fakeS3) *S3Store {
	t.Helper()
	s, err := NewS3Store(api, "bucket", "media/")
	require.NoError(t, err)
	return s
}

func TestNewS3Store_Validation(t *testing.T) {
	_, err := NewS3Store(nil, "bucket", "")
	require.Error(t, err)
	_, err = NewS3Store(newFakeS3(), "", "")
	require.Error(t, err)
}

func TestS3Store_RoundTrip(t *testing.T) {
	api := newFakeS3()
	s := mustNewS3Store(t, api)
	ctx := context.Background()

	name, err := s.Save(ctx, []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	require.Equal(t, "media/"+name, aws.ToString(api.lastPut.Key))
	require.Equal(t, "image/jpeg", aws.ToString(api.lastPut.ContentType))
	require.Equal(t, int64(4), aws.ToInt64(api.lastPut.ContentLength))

	ok, err := s.Exists(ctx, name)
	require.NoError(t, err)
	require.True(t, ok)

	data, ct, err := s.Read(ctx, name)
	require.NoError(t, err)
	require.Equal(t, "jpeg", string(data))
	require.Equal(t, "image/jpeg", ct)

	require.NoError(t, s.Delete(ctx, name))
	ok, err = s.Exists(ctx, name)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = s.Read(ctx, name)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_PutFailure(t *testing.T) {
	api := newFakeS3()
	api.putErr = errors.New("access denied")
	s := mustNewS3Store(t, api)

	_, err := s.Save(context.Background(), []byte("x"), "image/png")
	require.ErrorContains(t, err, "access denied")
}

func TestS3Store_DeleteFailureSurfaces(t *testing.T) {
	api := newFakeS3()
	api.deleteErr = errors.New("slow down")
	s := mustNewS3Store(t, api)
	require.ErrorContains(t, s.Delete(context.Background(), "a.png"), "slow down")
}

func TestS3Store_InvalidName(t *testing.T) {
	s := mustNewS3Store(t, newFakeS3())
	require.ErrorIs(t, s.Delete(context.Background(), "../a.png"), ErrInvalidName)
}
