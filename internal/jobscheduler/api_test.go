package jobscheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

type apiFixture struct {
	*testService
	handler http.Handler
}

func newApiFixture(t *testing.T) *apiFixture {
	s := newTestService(t)
	return &apiFixture{testService: s, handler: NewApi(s.Service, time.Minute).Handler()}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestApi_PostChunk(t *testing.T) {
	f := newApiFixture(t)

	rec := f.do(t, "POST", "/api/v1/chunks", `{"jobId":1,"chunkId":0,"sinkId":1,"recordIds":["r1"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, key(1, 0), decode[TrackingKey](t, rec))
	assert.True(t, f.store.Contains(key(1, 0)))

	rec = f.do(t, "POST", "/api/v1/chunks", `{"jobId":1,"chunkId":0,"sinkId":1,"recordIds":["r1"]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "POST", "/api/v1/chunks", `{"jobId":2,"chunkId":0,"sinkId":99}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec), "error")

	rec = f.do(t, "POST", "/api/v1/chunks", `{"jobId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApi_GetChunk(t *testing.T) {
	f := newApiFixture(t)
	f.mustInsert(t, chunk(1, 0, sinkA, "r1"), chunk(2, 0, sinkA, "r1"))

	rec := f.do(t, "GET", "/api/v1/chunks/2/0", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[RecordView](t, rec)
	assert.Equal(t, 2, view.JobId)
	assert.Equal(t, dependencytracking.Blocked, view.Status)
	assert.Equal(t, []TrackingKey{key(1, 0)}, view.WaitingOn)
	assert.Equal(t, baseTime, view.LastModified)
	assert.False(t, view.InFlight)

	rec = f.do(t, "GET", "/api/v1/chunks/3/0", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApi_PostComplete(t *testing.T) {
	f := newApiFixture(t)
	f.mustInsert(t, chunk(1, 0, sinkA, "r1"), chunk(2, 0, sinkA, "r1"), chunk(3, 0, sinkB, "r2"))

	rec := f.do(t, "POST", "/api/v1/chunks/1/0/complete", "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, dependencytracking.QueuedForProcessing, f.mustGet(t, key(2, 0)).Status)

	rec = f.do(t, "POST", "/api/v1/chunks/3/0/complete", `{"outcome":"FAILED"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, "POST", "/api/v1/chunks/9/0/complete", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApi_GetDependants(t *testing.T) {
	f := newApiFixture(t)
	f.mustInsert(t, chunk(1, 0, sinkA, "r1"), chunk(2, 0, sinkA, "r1"))

	rec := f.do(t, "GET", "/api/v1/chunks/1/0/dependants", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []TrackingKey{key(2, 0)}, decode[[]TrackingKey](t, rec))

	rec = f.do(t, "GET", "/api/v1/chunks/2/0/dependants", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []TrackingKey{}, decode[[]TrackingKey](t, rec))
}

func TestApi_Jobs(t *testing.T) {
	f := newApiFixture(t)
	f.mustInsert(t, chunk(1, 0, sinkA, "r1"), chunk(1, 1, sinkA, "r2"), chunk(2, 0, sinkA, "r3"))

	rec := f.do(t, "GET", "/api/v1/jobs/1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	views := decode[[]RecordView](t, rec)
	require.Len(t, views, 2)
	assert.Equal(t, 0, views[0].ChunkId)
	assert.Equal(t, 1, views[1].ChunkId)

	rec = f.do(t, "POST", "/api/v1/jobs/1/priority", `{"priority":7}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, dependencytracking.PriorityHigh, f.mustGet(t, key(1, 0)).Priority)
	assert.Equal(t, dependencytracking.PriorityHigh, f.mustGet(t, key(1, 1)).Priority)
	assert.Equal(t, dependencytracking.PriorityNormal, f.mustGet(t, key(2, 0)).Priority)

	rec = f.do(t, "DELETE", "/api/v1/jobs/1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]int{"removed": 2}, decode[map[string]int](t, rec))

	rec = f.do(t, "GET", "/api/v1/jobs/1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decode[[]RecordView](t, rec))
}

func TestApi_SinkStatus(t *testing.T) {
	f := newApiFixture(t)
	f.mustInsert(t, chunk(1, 0, sinkA, "r1"), chunk(2, 0, sinkA, "r1"), chunk(3, 0, sinkB, "r2"))

	rec := f.do(t, "GET", "/api/v1/sinks/1/status", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, SinkStatus{
		SinkId:   sinkA,
		Name:     "a",
		Statuses: map[string]int{"BLOCKED": 1, "QUEUED_FOR_PROCESSING": 1},
		Jobs:     2,
		Chunks:   2,
		Updated:  baseTime,
	}, decode[SinkStatus](t, rec))

	rec = f.do(t, "GET", "/api/v1/sinks/status?sink=1&sink=2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	statuses := decode[[]SinkStatus](t, rec)
	require.Len(t, statuses, 2)
	assert.Equal(t, 1, statuses[1].Statuses["QUEUED_FOR_PROCESSING"])

	rec = f.do(t, "GET", "/api/v1/sinks/status", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]SinkStatus](t, rec), len(testSinks()))

	rec = f.do(t, "GET", "/api/v1/sinks/99/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "GET", "/api/v1/sinks/status?sink=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApi_SinkStatusIsCached(t *testing.T) {
	f := newApiFixture(t)
	f.mustInsert(t, chunk(1, 0, sinkA, "r1"))

	rec := f.do(t, "GET", "/api/v1/sinks/1/status", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[SinkStatus](t, rec).Chunks)

	f.mustInsert(t, chunk(2, 0, sinkA, "r2"))
	rec = f.do(t, "GET", "/api/v1/sinks/1/status", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[SinkStatus](t, rec).Chunks)
}

func TestApi_Blocked(t *testing.T) {
	f := newApiFixture(t)
	f.mustInsert(t, chunk(1, 0, sinkA, "r1"), chunk(2, 0, sinkA, "r1"), chunk(3, 0, sinkB, "r2"))

	rec := f.do(t, "GET", "/api/v1/blocked", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]int{"1": 1}, decode[map[string]int](t, rec))

	rec = f.do(t, "GET", "/api/v1/blocked?status=queued_for_processing", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]int{"1": 1, "2": 1}, decode[map[string]int](t, rec))

	rec = f.do(t, "GET", "/api/v1/blocked?status=DONE", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApi_Stale(t *testing.T) {
	f := newApiFixture(t)
	f.mustInsert(t, chunk(1, 0, sinkA, "r1"), chunk(2, 0, sinkA, "r1"))
	f.clock.Step(2 * time.Hour)
	f.mustInsert(t, chunk(3, 0, sinkA, "r1"))

	rec := f.do(t, "GET", "/api/v1/stale?status=BLOCKED&olderThan=1h", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	views := decode[[]RecordView](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, 2, views[0].JobId)

	rec = f.do(t, "GET", "/api/v1/stale?status=BLOCKED&olderThan=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApi_Recheck(t *testing.T) {
	f := newApiFixture(t)
	f.mustInsert(t, chunk(1, 0, sinkA, "r1"), chunk(2, 0, sinkA, "r1"))
	require.NoError(t, f.store.Delete(context.Background(), key(1, 0)))

	rec := f.do(t, "POST", "/api/v1/recheck", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []TrackingKey{key(2, 0)}, decode[[]TrackingKey](t, rec))

	rec = f.do(t, "POST", "/api/v1/recheck", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []TrackingKey{}, decode[[]TrackingKey](t, rec))
}

func TestApi_NotLeader(t *testing.T) {
	f := newApiFixture(t)
	f.mustInsert(t, chunk(1, 0, sinkA, "r1"))
	f.StepDown()

	for _, path := range []string{
		"/api/v1/chunks/1/0",
		"/api/v1/chunks/1/0/dependants",
		"/api/v1/jobs/1",
		"/api/v1/sinks/status",
		"/api/v1/blocked",
		"/api/v1/stale?status=BLOCKED&olderThan=1h",
	} {
		rec := f.do(t, "GET", path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
	rec := f.do(t, "POST", "/api/v1/chunks", `{"jobId":2,"chunkId":0,"sinkId":1,"recordIds":["r1"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, "GET", "/api/v1/leader", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, LeaderReport{LeaderName: "standalone", IsCurrentProcessLeader: true}, decode[LeaderReport](t, rec))
}
