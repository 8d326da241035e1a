package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRef(t *testing.T) {
	ref := NewRef([]byte("x"), "")
	assert.Equal(t, "application/octet-stream", ref.ContentType)
	assert.Equal(t, int64(1), ref.Size)
	assert.Contains(t, ref.Digest, "sha256:")
	assert.Equal(t, ref.Digest, NewRef([]byte("x"), "text/plain").Digest)
}
