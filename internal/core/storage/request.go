package storage

import "github.com/aevon-lab/metricflow/internal/core/metrics"

// PreparedRequest is a write built by a MetricsDAO and executed by the same
// backend's BatchDAO. The backend reports the outcome through exactly one of
// Succeeded or Failed.
type PreparedRequest interface {
	Succeeded()
	Failed(err error)
}

// RequestKind distinguishes inserts from updates.
type RequestKind int

const (
	Insert RequestKind = iota
	Update
)

func (k RequestKind) String() string {
	if k == Update {
		return "update"
	}
	return "insert"
}

// BaseRequest carries what every backend request needs. Backends embed it next
// to their own encoded payload.
type BaseRequest struct {
	Kind     RequestKind
	Model    Model
	Metrics  metrics.Metrics
	Callback SessionCallback
}

// Succeeded runs OnInsertCompleted for inserts.
func (r *BaseRequest) Succeeded() {
	if r.Kind == Insert && r.Callback.OnInsertCompleted != nil {
		r.Callback.OnInsertCompleted()
	}
}

// Failed runs OnUpdateFailure for updates.
func (r *BaseRequest) Failed(error) {
	if r.Kind == Update && r.Callback.OnUpdateFailure != nil {
		r.Callback.OnUpdateFailure()
	}
}

// Base gives backends access to the embedded request.
func (r *BaseRequest) Base() *BaseRequest { return r }

// Based is implemented by every request embedding BaseRequest.
type Based interface {
	PreparedRequest
	Base() *BaseRequest
}

// FailAll reports err on every request.
func FailAll(reqs []PreparedRequest, err error) {
	for _, r := range reqs {
		r.Failed(err)
	}
}
