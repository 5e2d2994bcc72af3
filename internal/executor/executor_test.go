package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetbatch/internal/blob"
	"github.com/ChuLiYu/fleetbatch/internal/cache"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

func testBatch(jobID string, index int) types.Batch {
	return types.Batch{
		JobID:      jobID,
		BatchIndex: index,
		WorkItems:  []string{"vm-1", "vm-2"},
		JobParams:  types.JobParams{Scope: "sub-1", WorkspaceID: "ws-1"},
	}
}

func queryServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var q Query
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&q)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rows := make([]types.Row, len(q.WorkItems))
		for i, item := range q.WorkItems {
			rows[i] = types.Row{"name": item, "scope": q.Scope}
		}
		_ = json.NewEncoder(w).Encode(queryResponse{Rows: rows})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEcho(t *testing.T) {
	rows, err := Echo(context.Background(), testBatch("j", 0))
	require.NoError(t, err)
	assert.Equal(t, []types.Row{{"name": "vm-1"}, {"name": "vm-2"}}, rows)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Echo(ctx, testBatch("j", 0))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPExecute(t *testing.T) {
	var hits atomic.Int32
	srv := queryServer(t, &hits)

	h, err := NewHTTP(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	rows, err := h.Execute(context.Background(), testBatch("j", 0))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "vm-1", rows[0]["name"])
	assert.Equal(t, "sub-1", rows[1]["scope"])
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPExecuteReadsThroughCache(t *testing.T) {
	var hits atomic.Int32
	srv := queryServer(t, &hits)

	c := cache.New(blob.NewMemory(nil), cache.Config{TTL: time.Hour})
	h, err := NewHTTP(HTTPConfig{Endpoint: srv.URL}, WithCache(c))
	require.NoError(t, err)

	first, err := h.Execute(context.Background(), testBatch("job-a", 0))
	require.NoError(t, err)
	c.Wait()

	// Same query from a different job is served from the cache.
	second, err := h.Execute(context.Background(), testBatch("job-b", 3))
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load())
	require.Len(t, second, 2)
	assert.Equal(t, first[0]["name"], second[0]["name"])
}

func TestHTTPExecuteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), testBatch("j", 0))
	require.ErrorIs(t, err, ErrEndpointStatus)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "throttled")
}

func TestHTTPExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h, err := NewHTTP(HTTPConfig{Endpoint: srv.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), testBatch("j", 0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPFailuresAreNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := cache.New(blob.NewMemory(nil), cache.Config{TTL: time.Hour})
	h, err := NewHTTP(HTTPConfig{Endpoint: srv.URL}, WithCache(c))
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), testBatch("j", 0))
	require.Error(t, err)
	c.Wait()
	_, err = h.Execute(context.Background(), testBatch("j", 0))
	require.Error(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestNewHTTPRequiresEndpoint(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{})
	assert.Error(t, err)
}
