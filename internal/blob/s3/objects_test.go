package s3blob

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// fakeAPI keeps objects in memory. List pages hold one key each.
type fakeAPI struct {
	objects      map[string]string
	contentTypes map[string]string
	modified     time.Time
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: map[string]string{}, contentTypes: map[string]string{}}
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.objects[key] = string(b)
	f.contentTypes[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	panic("multipart not expected")
}

func (f *fakeAPI) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	panic("multipart not expected")
}

func (f *fakeAPI) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	panic("multipart not expected")
}

func (f *fakeAPI) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeAPI) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeAPI) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return &s3.ListObjectsV2Output{}, nil
	}
	first := keys[0]
	for _, k := range keys[1:] {
		first = min(first, k)
	}
	out := &s3.ListObjectsV2Output{
		Contents: []types.Object{{
			Key:          aws.String(first),
			Size:         aws.Int64(int64(len(f.objects[first]))),
			LastModified: aws.Time(f.modified),
		}},
	}
	if len(keys) > 1 {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(first)
	}
	return out, nil
}

func newTestObjects() (*Objects, *fakeAPI) {
	api := newFakeAPI()
	return &Objects{api: api, bucket: "allocbot"}, api
}

func TestObjectsPutAndGet(t *testing.T) {
	ctx := context.Background()
	objs, api := newTestObjects()

	require.NoError(t, objs.Put(ctx, "replay/btc.csv", strings.NewReader("time,instrument,close\n"), "text/csv"))
	assert.Equal(t, "text/csv", api.contentTypes["replay/btc.csv"])

	rc, err := objs.Get(ctx, "replay/btc.csv")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "time,instrument,close\n", string(body))
}

func TestObjectsGetMissingIsNotFound(t *testing.T) {
	objs, _ := newTestObjects()
	_, err := objs.Get(context.Background(), "replay/missing.csv")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestObjectsExists(t *testing.T) {
	ctx := context.Background()
	objs, api := newTestObjects()
	api.objects["archive/positions/2026-03/a.jsonl"] = "{}\n"

	ok, err := objs.Exists(ctx, "archive/positions/2026-03/a.jsonl")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = objs.Exists(ctx, "archive/positions/2026-03/b.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestObjectsListFollowsPages(t *testing.T) {
	objs, api := newTestObjects()
	api.modified = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	api.objects["archive/positions/2026-03/a.jsonl"] = "1"
	api.objects["archive/positions/2026-03/b.jsonl"] = "22"
	api.objects["archive/positions/2026-04/c.jsonl"] = "333"
	api.objects["replay/btc.csv"] = "x"

	infos, err := objs.List(context.Background(), "archive/positions/")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "archive/positions/2026-03/a.jsonl", infos[0].Path)
	assert.Equal(t, int64(3), infos[2].Size)
	assert.Equal(t, api.modified, infos[1].LastModified)
}

func TestObjectsSmallMultipartUsesSinglePut(t *testing.T) {
	objs, api := newTestObjects()
	require.NoError(t, objs.PutMultipart(context.Background(), "archive/big.jsonl", strings.NewReader("{}\n"), 1024))
	assert.Equal(t, "{}\n", api.objects["archive/big.jsonl"])
}

func TestClientHealth(t *testing.T) {
	c := &Client{api: newFakeAPI(), bucket: "allocbot"}
	assert.NoError(t, c.Health(context.Background()))
	assert.NoError(t, c.Close())
}
