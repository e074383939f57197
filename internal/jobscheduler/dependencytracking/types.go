package dependencytracking

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// TrackingKey identifies the scheduling record of one chunk.
type TrackingKey struct {
	JobId   int `json:"jobId"`
	ChunkId int `json:"chunkId"`
}

func NewTrackingKey(jobId, chunkId int) TrackingKey {
	return TrackingKey{JobId: jobId, ChunkId: chunkId}
}

func (k TrackingKey) String() string {
	return fmt.Sprintf("%d/%d", k.JobId, k.ChunkId)
}

// Less orders keys by JobId, then ChunkId.
func (k TrackingKey) Less(other TrackingKey) bool {
	if k.JobId != other.JobId {
		return k.JobId < other.JobId
	}
	return k.ChunkId < other.ChunkId
}

// ChunkSchedulingStatus is BLOCKED while a record waits on other records and QUEUED_FOR_PROCESSING otherwise.
// Whether a queued chunk has been handed to a sink is tracked by the dispatcher, not here.
type ChunkSchedulingStatus int

const (
	Blocked ChunkSchedulingStatus = iota + 1
	QueuedForProcessing
)

// ChunkSchedulingStatuses returns all statuses in declaration order.
func ChunkSchedulingStatuses() []ChunkSchedulingStatus {
	return []ChunkSchedulingStatus{Blocked, QueuedForProcessing}
}

var statusNames = map[ChunkSchedulingStatus]string{
	Blocked:             "BLOCKED",
	QueuedForProcessing: "QUEUED_FOR_PROCESSING",
}

func (s ChunkSchedulingStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ChunkSchedulingStatus(%d)", int(s))
}

func (s ChunkSchedulingStatus) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, errors.Errorf("unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *ChunkSchedulingStatus) UnmarshalText(text []byte) error {
	status, err := ParseChunkSchedulingStatus(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

func ParseChunkSchedulingStatus(name string) (ChunkSchedulingStatus, error) {
	for status, statusName := range statusNames {
		if strings.EqualFold(statusName, strings.TrimSpace(name)) {
			return status, nil
		}
	}
	return 0, errors.Errorf("unknown status %q", name)
}

// Priorities used by the scheduler. Higher is dispatched first.
const (
	PriorityLow    = 1
	PriorityNormal = 4
	PriorityHigh   = 7
)

// DependencyTracking is the scheduling record of one chunk.
// Records are immutable once handed to the Store; use DeepCopy to derive a modified record.
type DependencyTracking struct {
	TrackingKey
	// Sink the chunk is delivered to; never changes.
	SinkId    int
	Status    ChunkSchedulingStatus
	Priority  int
	Submitter int
	// Collision keys derived from the records of the chunk.
	MatchKeys map[string]struct{}
	// Records that must be completed before this one can be dispatched.
	WaitingOn map[TrackingKey]struct{}
	// Number of times the chunk has been dispatched again after a redispatch timeout.
	Retries      int
	LastModified time.Time
}

// New returns a queued record with normal priority and no keys.
func New(key TrackingKey, sinkId int, submitter int) *DependencyTracking {
	return &DependencyTracking{
		TrackingKey: key,
		SinkId:      sinkId,
		Status:      QueuedForProcessing,
		Priority:    PriorityNormal,
		Submitter:   submitter,
		MatchKeys:   make(map[string]struct{}),
		WaitingOn:   make(map[TrackingKey]struct{}),
	}
}

func (d *DependencyTracking) Key() TrackingKey {
	return d.TrackingKey
}

func (d *DependencyTracking) DeepCopy() *DependencyTracking {
	if d == nil {
		return nil
	}
	c := *d
	c.MatchKeys = maps.Clone(d.MatchKeys)
	c.WaitingOn = maps.Clone(d.WaitingOn)
	if c.MatchKeys == nil {
		c.MatchKeys = make(map[string]struct{})
	}
	if c.WaitingOn == nil {
		c.WaitingOn = make(map[TrackingKey]struct{})
	}
	return &c
}

// SetWaitingOn replaces WaitingOn and derives Status from it.
func (d *DependencyTracking) SetWaitingOn(keys map[TrackingKey]struct{}) {
	d.WaitingOn = keys
	d.updateStatus()
}

// RemoveWaitingOn drops key from WaitingOn and derives Status from the result.
// Returns true if key was present.
func (d *DependencyTracking) RemoveWaitingOn(key TrackingKey) bool {
	if _, ok := d.WaitingOn[key]; !ok {
		return false
	}
	delete(d.WaitingOn, key)
	d.updateStatus()
	return true
}

// AddWaitingOn adds key to WaitingOn and derives Status from the result.
func (d *DependencyTracking) AddWaitingOn(key TrackingKey) {
	if d.WaitingOn == nil {
		d.WaitingOn = make(map[TrackingKey]struct{})
	}
	d.WaitingOn[key] = struct{}{}
	d.updateStatus()
}

func (d *DependencyTracking) updateStatus() {
	if len(d.WaitingOn) == 0 {
		d.Status = QueuedForProcessing
	} else {
		d.Status = Blocked
	}
}

func (d *DependencyTracking) HasMatchKey(key string) bool {
	_, ok := d.MatchKeys[key]
	return ok
}

// SharesMatchKey returns true if any of keys is a match key of d.
func (d *DependencyTracking) SharesMatchKey(keys map[string]struct{}) bool {
	a, b := d.MatchKeys, keys
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// MatchKeyList returns the match keys sorted.
func (d *DependencyTracking) MatchKeyList() []string {
	keys := maps.Keys(d.MatchKeys)
	slices.Sort(keys)
	return keys
}

// WaitingOnList returns WaitingOn sorted by key.
func (d *DependencyTracking) WaitingOnList() []TrackingKey {
	return SortedKeys(maps.Keys(d.WaitingOn))
}

func SortedKeys(keys []TrackingKey) []TrackingKey {
	slices.SortFunc(keys, func(a, b TrackingKey) bool { return a.Less(b) })
	return keys
}

func MatchKeySet(keys ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func KeySet(keys ...TrackingKey) map[TrackingKey]struct{} {
	set := make(map[TrackingKey]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
