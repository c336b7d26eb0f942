package remote

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.objects[key] = data
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	out := &s3.ListObjectsV2Output{}
	for key := range f.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
			break
		}
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}

func TestS3Store_Containers(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	store := NewS3Store(api, &S3Config{Bucket: "b", Prefix: "/backups/"})

	found, err := store.ListContainers(ctx, ContainerQuery{Name: "MyFiles"})
	require.NoError(t, err)
	assert.Empty(t, found)

	rootID, err := store.CreateContainer(ctx, "MyFiles", "")
	require.NoError(t, err)
	assert.Equal(t, "backups/MyFiles/", rootID)
	assert.Equal(t, folderContentType, api.types[rootID])

	found, err = store.ListContainers(ctx, ContainerQuery{Name: "MyFiles"})
	require.NoError(t, err)
	assert.Equal(t, []Container{{ID: "backups/MyFiles/", Name: "MyFiles"}}, found)

	subID, err := store.CreateContainer(ctx, "sub", rootID)
	require.NoError(t, err)
	assert.Equal(t, "backups/MyFiles/sub/", subID)
}

func TestS3Store_UploadContent(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	store := NewS3Store(api, &S3Config{Bucket: "b"})

	local := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(local, []byte("# hi"), 0o644))

	require.NoError(t, store.UploadContent(ctx, "notes.md", "MyFiles/", local))
	assert.Equal(t, []byte("# hi"), api.objects["MyFiles/notes.md"])
	assert.Equal(t, "text/plain; charset=utf-8", api.types["MyFiles/notes.md"])
}

func TestS3Store_UploadError(t *testing.T) {
	api := newFakeS3()
	api.putErr = errors.New("503 slow down")
	store := NewS3Store(api, &S3Config{Bucket: "b"})

	local := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(local, []byte{1, 2, 3}, 0o644))

	err := store.UploadContent(context.Background(), "a.bin", "", local)
	var rerr *RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "upload", rerr.Op)
	assert.Contains(t, err.Error(), "503 slow down")
}
