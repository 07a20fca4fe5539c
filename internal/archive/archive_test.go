package archive_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchgate/internal/archive"
	"github.com/JakeFAU/fetchgate/internal/archive/memory"
	"github.com/JakeFAU/fetchgate/internal/fetch"
)

func successOutcome(target, body string) fetch.Outcome {
	return fetch.Outcome{
		Request: fetch.Request{ID: "req-1", Target: target},
		Kind:    fetch.KindSuccess,
		Payload: &fetch.RawResult{URL: target, StatusCode: http.StatusOK, Body: []byte(body)},
	}
}

func TestArchiveStoresSuccessfulPayloads(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	a, err := archive.New(blobs, "/runs/", nil)
	require.NoError(t, err)

	uri, err := a.Archive(context.Background(), successOutcome("https://Example.com/p", "<html>hi</html>"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "memory://runs/example.com/"))

	key := strings.TrimPrefix(uri, "memory://")
	data, contentType, ok := blobs.Get(key)
	require.True(t, ok)
	assert.Equal(t, "<html>hi</html>", string(data))
	assert.Equal(t, archive.DefaultContentType, contentType)
}

func TestArchiveKeyIsContentAddressed(t *testing.T) {
	t.Parallel()

	a, err := archive.New(memory.NewBlobStore(), "", nil)
	require.NoError(t, err)

	k1 := a.Key("https://example.com/a", []byte("same"))
	k2 := a.Key("https://example.com/b", []byte("same"))
	k3 := a.Key("https://example.com/a", []byte("different"))
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.True(t, strings.HasSuffix(k1, ".html"))
	assert.Equal(t, "unknown/", a.Key("::bad", nil)[:len("unknown/")])
}

func TestArchiveSkipsNonSuccess(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	a, err := archive.New(blobs, "", nil)
	require.NoError(t, err)

	out := successOutcome("https://example.com", "x")
	out.Kind = fetch.KindChallenged
	uri, err := a.Archive(context.Background(), out)
	require.NoError(t, err)
	assert.Empty(t, uri)
	assert.Zero(t, blobs.Len())
}

func TestArchiveUsesPayloadContentType(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	a, err := archive.New(blobs, "", nil)
	require.NoError(t, err)

	out := successOutcome("https://example.com", `{"ok":true}`)
	out.Payload.Headers = http.Header{"Content-Type": []string{"application/json"}}
	uri, err := a.Archive(context.Background(), out)
	require.NoError(t, err)

	_, contentType, ok := blobs.Get(strings.TrimPrefix(uri, "memory://"))
	require.True(t, ok)
	assert.Equal(t, "application/json", contentType)
}

func TestArchivePassesKeyAndBodyToStore(t *testing.T) {
	t.Parallel()

	blobs := new(archive.MockBlobStore)
	a, err := archive.New(blobs, "runs", nil)
	require.NoError(t, err)

	out := successOutcome("https://example.com/item", "<html>item</html>")
	key := a.Key(out.Request.Target, out.Payload.Body)
	blobs.On("PutObject", mock.Anything, key, archive.DefaultContentType, []byte("<html>item</html>")).
		Return("gs://bucket/"+key, nil).Once()

	uri, err := a.Archive(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/"+key, uri)
	blobs.AssertExpectations(t)
}

func TestArchivePropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	blobs := new(archive.MockBlobStore)
	blobs.On("PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("bucket unavailable"))

	a, err := archive.New(blobs, "", nil)
	require.NoError(t, err)
	_, err = a.Archive(context.Background(), successOutcome("https://example.com", "x"))
	require.ErrorContains(t, err, "bucket unavailable")
	blobs.AssertNumberOfCalls(t, "PutObject", 1)

	_, err = archive.New(nil, "", nil)
	require.Error(t, err)
}
