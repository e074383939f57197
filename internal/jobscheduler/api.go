package jobscheduler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dbcdk/dataio/internal/common/dataioerrors"
	"github.com/dbcdk/dataio/internal/common/logging"
	"github.com/dbcdk/dataio/internal/jobscheduler/completionlog"
	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

// RecordView is the JSON representation of a tracked chunk.
type RecordView struct {
	JobId        int                                      `json:"jobId"`
	ChunkId      int                                      `json:"chunkId"`
	SinkId       int                                      `json:"sinkId"`
	Status       dependencytracking.ChunkSchedulingStatus `json:"status"`
	Priority     int                                      `json:"priority"`
	Submitter    int                                      `json:"submitter"`
	MatchKeys    []string                                 `json:"matchKeys"`
	WaitingOn    []TrackingKey                            `json:"waitingOn"`
	Retries      int                                      `json:"retries"`
	LastModified time.Time                                `json:"lastModified"`
	InFlight     bool                                     `json:"inFlight"`
}

func (s *Service) view(record *DependencyTracking) RecordView {
	return RecordView{
		JobId:        record.JobId,
		ChunkId:      record.ChunkId,
		SinkId:       record.SinkId,
		Status:       record.Status,
		Priority:     record.Priority,
		Submitter:    record.Submitter,
		MatchKeys:    record.MatchKeyList(),
		WaitingOn:    record.WaitingOnList(),
		Retries:      record.Retries,
		LastModified: record.LastModified,
		InFlight:     s.inFlight.Contains(record.Key()),
	}
}

type completeRequest struct {
	Outcome completionlog.Outcome `json:"outcome"`
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

// Api serves the scheduler's HTTP operations API.
// Aggregates are cached for cacheTtl; everything else reads the store directly.
type Api struct {
	service *Service
	cache   *cache.Cache
	log     *logrus.Entry
}

const defaultAggregateCacheTtl = 5 * time.Second

func NewApi(service *Service, cacheTtl time.Duration) *Api {
	// go-cache treats a zero expiration as never expiring
	if cacheTtl <= 0 {
		cacheTtl = defaultAggregateCacheTtl
	}
	return &Api{
		service: service,
		cache:   cache.New(cacheTtl, 2*cacheTtl),
		log:     logrus.StandardLogger().WithField("service", "Api"),
	}
}

func (a *Api) Handler() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/chunks", a.postChunk).Methods("POST").Name("PostChunk")
	api.HandleFunc("/chunks/{jobId:[0-9]+}/{chunkId:[0-9]+}", a.getChunk).Methods("GET").Name("GetChunk")
	api.HandleFunc("/chunks/{jobId:[0-9]+}/{chunkId:[0-9]+}/complete", a.postComplete).Methods("POST").Name("PostComplete")
	api.HandleFunc("/chunks/{jobId:[0-9]+}/{chunkId:[0-9]+}/dependants", a.getDependants).Methods("GET").Name("GetDependants")
	api.HandleFunc("/jobs/{jobId:[0-9]+}", a.getJob).Methods("GET").Name("GetJob")
	api.HandleFunc("/jobs/{jobId:[0-9]+}", a.deleteJob).Methods("DELETE").Name("DeleteJob")
	api.HandleFunc("/jobs/{jobId:[0-9]+}/priority", a.postPriority).Methods("POST").Name("PostPriority")
	api.HandleFunc("/sinks/status", a.getSinksStatus).Methods("GET").Name("GetSinksStatus")
	api.HandleFunc("/sinks/{sinkId:[0-9]+}/status", a.getSinkStatus).Methods("GET").Name("GetSinkStatus")
	api.HandleFunc("/blocked", a.getBlocked).Methods("GET").Name("GetBlocked")
	api.HandleFunc("/stale", a.getStale).Methods("GET").Name("GetStale")
	api.HandleFunc("/recheck", a.postRecheck).Methods("POST").Name("PostRecheck")
	api.HandleFunc("/leader", a.getLeader).Methods("GET").Name("GetLeader")
	return router
}

// POST /api/v1/chunks
func (a *Api) postChunk(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	defer body.Close()

	var chunk ChunkDescriptor
	if err := json.NewDecoder(body).Decode(&chunk); err != nil {
		a.writeError(w, invalidArgument("body", nil, err.Error()))
		return
	}
	key, err := a.service.Insert(r.Context(), chunk)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJson(w, http.StatusCreated, key)
}

// GET /api/v1/chunks/{jobId}/{chunkId}
func (a *Api) getChunk(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.service.checkLeader(); err != nil {
		a.writeError(w, err)
		return
	}
	record, err := a.service.Get(r.Context(), key)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJson(w, http.StatusOK, a.service.view(record))
}

// POST /api/v1/chunks/{jobId}/{chunkId}/complete
func (a *Api) postComplete(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	defer body.Close()

	key, err := keyFromPath(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	req := completeRequest{Outcome: completionlog.Succeeded}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			a.writeError(w, invalidArgument("body", nil, err.Error()))
			return
		}
	}
	if err := a.service.Complete(r.Context(), key, req.Outcome); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/chunks/{jobId}/{chunkId}/dependants
func (a *Api) getDependants(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.service.checkLeader(); err != nil {
		a.writeError(w, err)
		return
	}
	dependants, err := a.service.FindWaitingOn(r.Context(), key)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if dependants == nil {
		dependants = []TrackingKey{}
	}
	a.writeJson(w, http.StatusOK, dependants)
}

// GET /api/v1/jobs/{jobId}
func (a *Api) getJob(w http.ResponseWriter, r *http.Request) {
	jobId, err := intFromPath(r, "jobId")
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.service.checkLeader(); err != nil {
		a.writeError(w, err)
		return
	}
	records, err := a.service.Snapshot(jobId)
	if err != nil {
		a.writeError(w, err)
		return
	}
	views := make([]RecordView, len(records))
	for i, record := range records {
		views[i] = a.service.view(record)
	}
	a.writeJson(w, http.StatusOK, views)
}

// DELETE /api/v1/jobs/{jobId}
func (a *Api) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobId, err := intFromPath(r, "jobId")
	if err != nil {
		a.writeError(w, err)
		return
	}
	removed, err := a.service.RemoveJob(r.Context(), jobId)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJson(w, http.StatusOK, map[string]int{"removed": removed})
}

// POST /api/v1/jobs/{jobId}/priority
func (a *Api) postPriority(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	defer body.Close()

	jobId, err := intFromPath(r, "jobId")
	if err != nil {
		a.writeError(w, err)
		return
	}
	var req priorityRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		a.writeError(w, invalidArgument("body", nil, err.Error()))
		return
	}
	if err := a.service.checkLeader(); err != nil {
		a.writeError(w, err)
		return
	}
	records, err := a.service.Snapshot(jobId)
	if err != nil {
		a.writeError(w, err)
		return
	}
	keys := make([]TrackingKey, len(records))
	for i, record := range records {
		keys[i] = record.Key()
	}
	if err := a.service.BoostPriority(r.Context(), keys, req.Priority); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/sinks/status?sink=1&sink=2
func (a *Api) getSinksStatus(w http.ResponseWriter, r *http.Request) {
	var sinkIds []int
	for _, v := range r.URL.Query()["sink"] {
		sinkId, err := strconv.Atoi(v)
		if err != nil {
			a.writeError(w, invalidArgument("sink", v, "must be an integer"))
			return
		}
		sinkIds = append(sinkIds, sinkId)
	}
	statuses, err := a.sinkStatuses(r, sinkIds...)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJson(w, http.StatusOK, statuses)
}

// GET /api/v1/sinks/{sinkId}/status
func (a *Api) getSinkStatus(w http.ResponseWriter, r *http.Request) {
	sinkId, err := intFromPath(r, "sinkId")
	if err != nil {
		a.writeError(w, err)
		return
	}
	statuses, err := a.sinkStatuses(r, sinkId)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJson(w, http.StatusOK, statuses[0])
}

func (a *Api) sinkStatuses(r *http.Request, sinkIds ...int) ([]SinkStatus, error) {
	if len(sinkIds) == 0 {
		for _, sink := range a.service.Sinks() {
			sinkIds = append(sinkIds, sink.Id)
		}
	}
	for _, sinkId := range sinkIds {
		if _, ok := a.service.sinks[sinkId]; !ok {
			return nil, errors.WithStack(&dataioerrors.ErrNotFound{Type: "sink", Value: strconv.Itoa(sinkId)})
		}
	}
	if err := a.service.checkLeader(); err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("sinks:%v", sinkIds)
	if cached, ok := a.cache.Get(cacheKey); ok {
		return cached.([]SinkStatus), nil
	}
	counts, err := a.service.CountStatuses(r.Context(), sinkIds...)
	if err != nil {
		return nil, err
	}
	inFlight := a.service.InFlight().Counts()
	now := a.service.clock.Now()
	result := make([]SinkStatus, 0, len(sinkIds))
	for _, sinkId := range sinkIds {
		jobs, err := a.service.CountJobs(r.Context(), sinkId)
		if err != nil {
			return nil, err
		}
		status := SinkStatus{
			SinkId:   sinkId,
			Name:     a.service.sinks[sinkId].Name,
			Statuses: make(map[string]int),
			Jobs:     jobs.Jobs,
			Chunks:   jobs.Chunks,
			InFlight: inFlight[sinkId],
			Updated:  now,
		}
		for _, s := range dependencytracking.ChunkSchedulingStatuses() {
			status.Statuses[s.String()] = counts[sinkId][s]
		}
		result = append(result, status)
	}
	a.cache.SetDefault(cacheKey, result)
	return result, nil
}

// GET /api/v1/blocked?status=BLOCKED
func (a *Api) getBlocked(w http.ResponseWriter, r *http.Request) {
	status := dependencytracking.Blocked
	if v := r.URL.Query().Get("status"); v != "" {
		parsed, err := dependencytracking.ParseChunkSchedulingStatus(v)
		if err != nil {
			a.writeError(w, invalidArgument("status", v, err.Error()))
			return
		}
		status = parsed
	}
	if err := a.service.checkLeader(); err != nil {
		a.writeError(w, err)
		return
	}
	cacheKey := "blocked:" + status.String()
	if cached, ok := a.cache.Get(cacheKey); ok {
		a.writeJson(w, http.StatusOK, cached)
		return
	}
	counts, err := a.service.CountBlocked(r.Context(), status)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.cache.SetDefault(cacheKey, counts)
	a.writeJson(w, http.StatusOK, counts)
}

// GET /api/v1/stale?status=QUEUED_FOR_PROCESSING&olderThan=1h
func (a *Api) getStale(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	status, err := dependencytracking.ParseChunkSchedulingStatus(query.Get("status"))
	if err != nil {
		a.writeError(w, invalidArgument("status", query.Get("status"), err.Error()))
		return
	}
	olderThan, err := time.ParseDuration(query.Get("olderThan"))
	if err != nil {
		a.writeError(w, invalidArgument("olderThan", query.Get("olderThan"), err.Error()))
		return
	}
	if err := a.service.checkLeader(); err != nil {
		a.writeError(w, err)
		return
	}
	records, err := a.service.Stale(status, olderThan)
	if err != nil {
		a.writeError(w, err)
		return
	}
	views := make([]RecordView, len(records))
	for i, record := range records {
		views[i] = a.service.view(record)
	}
	a.writeJson(w, http.StatusOK, views)
}

// POST /api/v1/recheck
func (a *Api) postRecheck(w http.ResponseWriter, r *http.Request) {
	released, err := a.service.RecheckBlocks(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	if released == nil {
		released = []TrackingKey{}
	}
	a.writeJson(w, http.StatusOK, released)
}

// GET /api/v1/leader
func (a *Api) getLeader(w http.ResponseWriter, _ *http.Request) {
	a.writeJson(w, http.StatusOK, a.service.leader.GetLeaderReport())
}

func (a *Api) writeJson(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.WithStacktrace(a.log, errors.WithStack(err)).Warn("failed to write response")
	}
}

func (a *Api) writeError(w http.ResponseWriter, err error) {
	status := dataioerrors.HttpStatusFromError(err)
	if status == http.StatusInternalServerError {
		logging.WithStacktrace(a.log, err).Error("request failed")
	}
	a.writeJson(w, status, map[string]string{"error": err.Error()})
}

func keyFromPath(r *http.Request) (TrackingKey, error) {
	jobId, err := intFromPath(r, "jobId")
	if err != nil {
		return TrackingKey{}, err
	}
	chunkId, err := intFromPath(r, "chunkId")
	if err != nil {
		return TrackingKey{}, err
	}
	return dependencytracking.NewTrackingKey(jobId, chunkId), nil
}

func intFromPath(r *http.Request, name string) (int, error) {
	v := mux.Vars(r)[name]
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalidArgument(name, v, "must be an integer")
	}
	return i, nil
}
