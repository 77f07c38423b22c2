package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	key         string
	contentType string
	body        []byte
	err         error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	f.contentType = aws.ToString(in.ContentType)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func testUploader(client objectPutter) *Uploader {
	u := newUploader(Config{Bucket: "b", PublicBaseURL: "https://cdn.example.com/", Prefix: "generations"}, client)
	u.now = func() time.Time { return time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC) }
	return u
}

func TestPersistCopiesArtifact(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4-bytes"))
	}))
	defer src.Close()

	s3 := &fakeS3{}
	url, err := testUploader(s3).Persist(context.Background(), "sora2", "gen-1", src.URL+"/out")
	require.NoError(t, err)

	assert.Equal(t, "generations/sora2/2026/03/07/gen-1.mp4", s3.key)
	assert.Equal(t, "video/mp4", s3.contentType)
	assert.Equal(t, []byte("mp4-bytes"), s3.body)
	assert.Equal(t, "https://cdn.example.com/generations/sora2/2026/03/07/gen-1.mp4", url)
}

func TestPersistInfersTypeFromPath(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("png-ish"))
	}))
	defer src.Close()

	s3 := &fakeS3{}
	_, err := testUploader(s3).Persist(context.Background(), "avatar", "gen-2", src.URL+"/img.png?sig=abc")
	require.NoError(t, err)
	assert.Equal(t, "image/png", s3.contentType)
	assert.Equal(t, "generations/avatar/2026/03/07/gen-2.png", s3.key)
}

func TestPersistFailures(t *testing.T) {
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()
	_, err := testUploader(&fakeS3{}).Persist(context.Background(), "veo3", "gen-3", gone.URL)
	require.Error(t, err)

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer empty.Close()
	_, err = testUploader(&fakeS3{}).Persist(context.Background(), "veo3", "gen-3", empty.URL)
	require.ErrorIs(t, err, ErrEmptyArtifact)

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer ok.Close()
	_, err = testUploader(&fakeS3{err: errors.New("access denied")}).Persist(context.Background(), "veo3", "gen-3", ok.URL)
	require.ErrorContains(t, err, "access denied")
}

func TestUploadReference(t *testing.T) {
	s3 := &fakeS3{}
	url, err := testUploader(s3).Upload(context.Background(), []byte("audio"), "audio/mpeg")
	require.NoError(t, err)
	assert.Contains(t, s3.key, "generations/references/2026/03/07/")
	assert.Contains(t, url, ".mp3")

	_, err = testUploader(s3).Upload(context.Background(), nil, "image/png")
	require.ErrorIs(t, err, ErrEmptyArtifact)
}

func TestAllowedUploadType(t *testing.T) {
	assert.True(t, AllowedUploadType("image/png"))
	assert.True(t, AllowedUploadType("audio/wav"))
	assert.True(t, AllowedUploadType("video/mp4"))
	assert.False(t, AllowedUploadType("application/pdf"))
}
