package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/testutil"
)

// createTestStore creates a store in a fresh temp directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedGraph writes Lab <- Target <- Source.
func seedGraph(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Put(ctx, Write{
		RID:        testutil.LabID,
		ItemType:   "Lab",
		Properties: ir.Properties{"name": "lab-one"},
		Keys:       map[string][]string{"lab:name": {"lab-one"}},
	})
	require.NoError(t, err)

	_, err = s.Put(ctx, Write{
		RID:        testutil.TargetID,
		ItemType:   "Target",
		Properties: ir.Properties{"name": "target-one", "lab": testutil.LabID, "accession": "TGT001"},
		Keys:       map[string][]string{"accession": {"TGT001"}},
		Links:      map[string][]string{"lab": {testutil.LabID}},
	})
	require.NoError(t, err)

	_, err = s.Put(ctx, Write{
		RID:        testutil.SourceID,
		ItemType:   "Source",
		Properties: ir.Properties{"target": testutil.TargetID},
		Links:      map[string][]string{"target": {testutil.TargetID}},
	})
	require.NoError(t, err)
}
