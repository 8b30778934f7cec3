package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// fakeS3 is a path-style object server covering PUT, GET, HEAD and DELETE.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
	case http.MethodGet, http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			}
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T) (*BlobStore, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string][]byte)}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(server.URL),
		UsePathStyle:               true,
		Credentials:                credentials.NewStaticCredentialsProvider("key", "secret", ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	store, err := New(client, Config{Bucket: "media", Prefix: "harvest"})
	require.NoError(t, err)
	return store, fake
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(s3.New(s3.Options{Region: "us-east-1"}), Config{})
	require.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	store, fake := newTestStore(t)
	ctx := context.Background()

	w, err := store.Create(ctx, "pics/a.webm")
	require.NoError(t, err)
	_, err = io.WriteString(w, "video-bytes")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	fake.mu.Lock()
	require.Equal(t, "video-bytes", string(fake.objects["media/harvest/pics/a.webm"]))
	fake.mu.Unlock()

	size, err := store.Size(ctx, "pics/a.webm")
	require.NoError(t, err)
	require.Equal(t, int64(len("video-bytes")), size)

	r, err := store.Open(ctx, "pics/a.webm")
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "video-bytes", string(body))

	require.NoError(t, store.Remove(ctx, "pics/a.webm"))
	_, err = store.Size(ctx, "pics/a.webm")
	require.ErrorIs(t, err, harvest.ErrArtifactNotFound)
	_, err = store.Open(ctx, "pics/a.webm")
	require.ErrorIs(t, err, harvest.ErrArtifactNotFound)
}
