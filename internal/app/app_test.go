package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/config"
	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/indexer"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/router"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database = filepath.Join(dir, "replica.db")
	cfg.Queue = filepath.Join(dir, "queue.db")
	cfg.Index = filepath.Join(dir, "index")
	cfg.Types = filepath.Join(dir, "types")
	return cfg
}

func TestOpenWiresWriteToIndex(t *testing.T) {
	ctx := context.Background()
	reg, err := schema.CompileString(testutil.TypesCUE)
	require.NoError(t, err)

	a, err := Open(ctx, testConfig(t), WithTypes(reg), WithIndexOptions(index.WithInMemory()))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Router.Write(ctx, router.WriteRequest{
		UUID:       testutil.LabID,
		ItemType:   "Lab",
		Properties: ir.Properties{"name": "lab-one"},
	})
	require.NoError(t, err)

	rec, err := a.Indexer.Drain(ctx, indexer.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)

	item, err := a.Router.Read(ctx, testutil.LabID, router.Index)
	require.NoError(t, err)
	assert.Equal(t, router.Index, item.Datastore)
	assert.Equal(t, "lab-one", item.Properties["name"])
}

func TestOpenInlineBlobs(t *testing.T) {
	reg, err := schema.CompileString(testutil.TypesCUE)
	require.NoError(t, err)

	a, err := Open(context.Background(), testConfig(t), WithTypes(reg), WithIndexOptions(index.WithInMemory()))
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.Blobs)
}

func TestOpenMissingTypes(t *testing.T) {
	_, err := Open(context.Background(), testConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load types")
}

func TestCloseTwice(t *testing.T) {
	reg, err := schema.CompileString(testutil.TypesCUE)
	require.NoError(t, err)
	a, err := Open(context.Background(), testConfig(t), WithTypes(reg), WithIndexOptions(index.WithInMemory()))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
