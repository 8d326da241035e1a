package minio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/blob"
)

// TestStoreIntegration requires a MinIO instance on localhost:9000.
func TestStoreIntegration(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, Config{
		Endpoint:  "localhost:9000",
		Bucket:    "replica-test",
		Prefix:    "blobs/",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	if err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	data := []byte("attachment body")
	ref, err := store.Put(ctx, data, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, blob.NewRef(data, "text/plain"), ref)

	again, err := store.Put(ctx, data, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	got, gotRef, err := store.Fetch(ctx, ref.Digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, ref.Size, gotRef.Size)

	_, _, err = store.Fetch(ctx, "sha256:0000")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestKeyStripsAlgorithm(t *testing.T) {
	s := NewStore(nil, "bucket", "blobs/")
	assert.Equal(t, "blobs/abcd", s.key("sha256:abcd"))
}
