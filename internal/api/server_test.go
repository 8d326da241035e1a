package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/app"
	"github.com/roach88/replica/internal/config"
	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/testutil"
)

func newTestServer(t *testing.T) (*Server, *app.App) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database = filepath.Join(dir, "replica.db")
	cfg.Queue = filepath.Join(dir, "queue.db")

	reg, err := schema.CompileString(testutil.TypesCUE)
	require.NoError(t, err)
	a, err := app.Open(context.Background(), cfg, app.WithTypes(reg), app.WithIndexOptions(index.WithInMemory()))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return New(a.Indexer, a.Router), a
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func seed(t *testing.T, s *Server) {
	t.Helper()
	w := do(t, s, http.MethodPut, "/items/"+testutil.LabID, map[string]any{
		"item_type":  "Lab",
		"properties": map[string]any{"name": "lab-one"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, s, http.MethodPut, "/items/"+testutil.TargetID, map[string]any{
		"item_type":  "Target",
		"properties": map[string]any{"name": "target-one", "accession": "TGT001", "lab": testutil.LabID},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "online", w.Body.String())
}

func TestIndexDrainsQueue(t *testing.T) {
	s, _ := newTestServer(t)
	seed(t, s)

	w := do(t, s, http.MethodPost, "/index", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode(t, w)
	assert.Equal(t, "queue", rec["type"])
	assert.Equal(t, float64(2), rec["count"])

	w = do(t, s, http.MethodGet, "/items/"+testutil.TargetID+"?datastore=index", nil)
	require.Equal(t, http.StatusOK, w.Code)
	item := decode(t, w)
	assert.Equal(t, "index", item["datastore"])
}

func TestIndexSync(t *testing.T) {
	s, _ := newTestServer(t)
	seed(t, s)

	w := do(t, s, http.MethodPost, "/index", map[string]any{"uuids": []string{testutil.LabID}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode(t, w)
	assert.Equal(t, "sync", rec["type"])
	assert.Equal(t, float64(1), rec["count"])
}

func TestIndexingInfo(t *testing.T) {
	s, _ := newTestServer(t)
	seed(t, s)

	w := do(t, s, http.MethodGet, "/"+testutil.LabID+"/indexing-info", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	info := decode(t, w)
	assert.Equal(t, true, info["rebuild_warranted"])
	assert.Equal(t, float64(1), info["sid_db"])
	assert.NotContains(t, info, "document")

	do(t, s, http.MethodPost, "/index", nil)

	w = do(t, s, http.MethodGet, "/"+testutil.LabID+"/indexing-info?document=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info = decode(t, w)
	assert.Equal(t, false, info["rebuild_warranted"])
	assert.Contains(t, info, "document")
	assert.ElementsMatch(t, []any{testutil.TargetID}, info["uuids_invalidated"])
}

func TestIndexingInfoUnknown(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/"+testutil.SourceID+"/indexing-info", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaxSID(t *testing.T) {
	s, _ := newTestServer(t)
	seed(t, s)
	w := do(t, s, http.MethodGet, "/max-sid", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["max_sid"])
}

func TestQueueIndexingAndStatus(t *testing.T) {
	s, a := newTestServer(t)
	seed(t, s)
	_, err := a.Queue.Clear(context.Background(), "primary")
	require.NoError(t, err)

	w := do(t, s, http.MethodPost, "/queue-indexing", map[string]any{"uuids": []string{testutil.LabID}, "lane": "secondary", "strict": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decode(t, w)["enqueued"])

	w = do(t, s, http.MethodPost, "/queue-indexing", map[string]any{"collections": []string{"Target"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decode(t, w)["enqueued"])

	w = do(t, s, http.MethodGet, "/indexing-status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Queue map[string]struct {
			Waiting  int `json:"waiting"`
			InFlight int `json:"inflight"`
		} `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Queue["primary"].Waiting)
	assert.Equal(t, 1, status.Queue["secondary"].Waiting)
	assert.Equal(t, 0, status.Queue["dlq"].Waiting)
}

func TestIndexingStatusLatestRecord(t *testing.T) {
	s, _ := newTestServer(t)
	seed(t, s)
	w := do(t, s, http.MethodPost, "/index", map[string]any{"record": true})
	require.Equal(t, http.StatusOK, w.Code)
	runID := decode(t, w)["uuid"]

	w = do(t, s, http.MethodGet, "/indexing-status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	latest, ok := decode(t, w)["latest"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, runID, latest["uuid"])
}

func TestQueueIndexingRejects(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"nothing to enqueue", map[string]any{}},
		{"unknown lane", map[string]any{"uuids": []string{testutil.LabID}, "lane": "express"}},
		{"dead letter lane", map[string]any{"uuids": []string{testutil.LabID}, "lane": "dlq"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/queue-indexing", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestDLQToPrimary(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodPost, "/dlq-to-primary?max=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["redriven"])

	w = do(t, s, http.MethodPost, "/dlq-to-primary?max=many", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	seed(t, s)
	do(t, s, http.MethodPost, "/index", nil)

	w := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "replica_indexer_messages_total")
}

func TestWriteErrors(t *testing.T) {
	s, _ := newTestServer(t)
	seed(t, s)

	w := do(t, s, http.MethodPost, "/items", map[string]any{
		"item_type":  "Source",
		"properties": map[string]any{"target": testutil.Target2ID},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, s, http.MethodPost, "/items", map[string]any{
		"item_type":  "Lab",
		"properties": map[string]any{"name": "lab-one"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, "/items", map[string]any{"item_type": "Lab"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPurge(t *testing.T) {
	s, _ := newTestServer(t)
	seed(t, s)
	do(t, s, http.MethodPost, "/index", nil)

	w := do(t, s, http.MethodDelete, "/items/"+testutil.LabID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodDelete, "/items/"+testutil.TargetID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/items/"+testutil.TargetID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistory(t *testing.T) {
	s, _ := newTestServer(t)
	seed(t, s)
	do(t, s, http.MethodPut, "/items/"+testutil.LabID, map[string]any{"properties": map[string]any{"name": "lab-two"}})

	w := do(t, s, http.MethodGet, "/items/"+testutil.LabID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var revs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &revs))
	require.Len(t, revs, 2)
	assert.Equal(t, "lab-one", revs[0]["properties"].(map[string]any)["name"])
	assert.Equal(t, "lab-two", revs[1]["properties"].(map[string]any)["name"])
}

func TestAttachments(t *testing.T) {
	s, _ := newTestServer(t)
	seed(t, s)

	req := httptest.NewRequest(http.MethodPut, "/items/"+testutil.LabID+"/attachments/protocol", strings.NewReader("step one"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(8), decode(t, w)["size"])

	w = do(t, s, http.MethodGet, "/items/"+testutil.LabID+"/attachments/protocol", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "step one", w.Body.String())

	w = do(t, s, http.MethodGet, "/items/"+testutil.LabID+"/attachments/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusOf(assert.AnError))
}
